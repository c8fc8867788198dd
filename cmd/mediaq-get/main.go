// Command mediaq-get submits a URL to the queue service, waits for the
// download to finish and prints the file path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cwygoda/mediaq/internal/adapter/httpclient"
	"github.com/cwygoda/mediaq/internal/config"
	"github.com/cwygoda/mediaq/internal/domain"
	"github.com/cwygoda/mediaq/internal/waiter"
)

const (
	exitFailed   = 1
	exitUsage    = 2
	exitTimedOut = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailed
	}

	fs := flag.NewFlagSet("mediaq-get", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: mediaq-get [flags] <youtube-or-instagram-url>")
		fs.PrintDefaults()
	}
	noVerify := fs.Bool("no-verify", false, "Do not check that the downloaded file exists locally")
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		return exitUsage
	}
	if len(cfg.Args) != 1 {
		fs.Usage()
		return exitUsage
	}

	logger := cfg.NewLogger(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := httpclient.New(cfg.Client.ServiceURL, nil)
	sub, err := client.Submit(ctx, cfg.Args[0])
	if err != nil {
		if errors.Is(err, domain.ErrInvalidURL) {
			fmt.Fprintln(os.Stderr, "Invalid URL. Please provide a valid YouTube or Instagram URL")
			return exitUsage
		}
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		return exitFailed
	}
	fmt.Fprintf(os.Stderr, "%s (%s)\n", sub.Message, sub.ContentKey)

	w := waiter.New(client, waiter.Options{
		Interval: cfg.Client.PollInterval,
		Timeout:  cfg.Client.WaitTimeout,
		Logger:   logger,
	})
	res, err := w.Wait(ctx, sub.ContentKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait cancelled: %v\n", err)
		return exitFailed
	}

	switch res.Outcome {
	case waiter.OutcomeCompleted:
		if !*noVerify {
			if err := res.VerifyFile(); err != nil {
				fmt.Fprintf(os.Stderr, "download finished but %v\n", err)
				return exitFailed
			}
		}
		fmt.Println(res.Job.FilePath)
		return 0
	case waiter.OutcomeFailed:
		fmt.Fprintf(os.Stderr, "download failed: %s\n", res.Job.ErrorMessage)
		return exitFailed
	default:
		fmt.Fprintf(os.Stderr, "still processing after %s, try again later\n", res.Elapsed)
		return exitTimedOut
	}
}
