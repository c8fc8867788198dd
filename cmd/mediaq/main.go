package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "github.com/cwygoda/mediaq/internal/adapter/http"
	"github.com/cwygoda/mediaq/internal/adapter/sqlite"
	"github.com/cwygoda/mediaq/internal/adapter/ytdlp"
	"github.com/cwygoda/mediaq/internal/config"
	"github.com/cwygoda/mediaq/internal/domain"
	"github.com/cwygoda/mediaq/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	once := flag.Bool("once", false, "Process at most one queued job and exit")
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting mediaq",
		"port", cfg.Port,
		"db", cfg.DBPath,
		"download_dir", cfg.DownloadDir,
		"config", cfg.Path,
	)

	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		logger.Error("create download dir", "err", err)
		os.Exit(1)
	}

	// Initialize SQLite repository
	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database", "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	extractor := ytdlp.New(ytdlp.Options{
		Binary:          cfg.YtDlp.Binary,
		DownloadDir:     cfg.DownloadDir,
		AudioFormat:     cfg.YtDlp.AudioFormat,
		AudioQuality:    cfg.YtDlp.AudioQuality,
		MetadataTimeout: cfg.YtDlp.MetadataTimeout,
		ExtraArgs:       cfg.YtDlp.ExtraArgs,
	}, logger)

	svc := domain.NewJobService(repo, extractor, logger)

	// Downloads left in progress by a previous run belong to no live worker.
	if cfg.RecoverOnStart {
		if recovered, err := svc.RecoverStale(context.Background(), time.Now()); err != nil {
			logger.Warn("failed to recover stale jobs", "err", err)
		} else if recovered > 0 {
			logger.Info("recovered stale jobs", "count", recovered)
		}
	}

	w := worker.New(svc, extractor, worker.Options{
		ActiveInterval: cfg.Worker.ActiveInterval,
		IdleInterval:   cfg.Worker.IdleInterval,
		JobDelay:       cfg.Worker.JobDelay,
		ErrorBackoff:   cfg.Worker.ErrorBackoff,
		StaleAfter:     cfg.Worker.StaleAfter,
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *once {
		processed, err := w.ProcessOnce(ctx)
		if err != nil {
			logger.Error("process once", "err", err)
			os.Exit(1)
		}
		logger.Info("single pass done", "processed", processed)
		return
	}

	srv := httpAdapter.NewServer(svc, cfg.Addr(), logger, httpAdapter.WithLibrary(cfg.DownloadDir))

	workerDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(workerDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", "err", err)
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "err", err)
	}

	// The worker finishes an in-flight download before stopping.
	<-workerDone
	logger.Info("shutdown complete")
}
