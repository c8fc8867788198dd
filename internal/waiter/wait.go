// Package waiter implements the front-end side of the queue: after a
// submission it polls the job until it finishes or a time budget runs out.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cwygoda/mediaq/internal/domain"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 300 * time.Second
)

// ErrFileMissing means a job completed but its artifact is not on disk.
var ErrFileMissing = errors.New("downloaded file is missing")

// StatusSource looks up a job by content key.
type StatusSource interface {
	Status(ctx context.Context, contentKey string) (*domain.Job, error)
}

// Outcome is how a wait ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeTimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result describes a finished wait. Job is the last observed state and may
// be nil after a timeout during which no lookup succeeded.
type Result struct {
	Outcome Outcome
	Job     *domain.Job
	Elapsed time.Duration
	Polls   int
}

// VerifyFile checks that a completed job's artifact exists.
func (r Result) VerifyFile() error {
	if r.Outcome != OutcomeCompleted || r.Job == nil || r.Job.FilePath == "" {
		return ErrFileMissing
	}
	info, err := os.Stat(r.Job.FilePath)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrFileMissing, r.Job.FilePath)
	}
	return nil
}

// Options configures a Waiter. Zero values select the defaults.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	// Now and Sleep replace the wall clock, mainly for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Waiter polls a StatusSource until a job reaches a terminal state.
type Waiter struct {
	source StatusSource
	opts   Options
}

// New creates a Waiter.
func New(source StatusSource, opts Options) *Waiter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Waiter{source: source, opts: opts}
}

// Wait polls the job for contentKey every Interval until it completes, fails
// or Timeout elapses. A timeout is a normal outcome, not an error, and
// leaves the job untouched. Lookup errors are logged and polling continues.
// Only cancellation of ctx is returned as an error.
func (w *Waiter) Wait(ctx context.Context, contentKey string) (Result, error) {
	log := w.opts.Logger.With("content_key", contentKey, "stage", "wait")
	start := w.opts.Now()
	deadline := start.Add(w.opts.Timeout)

	var res Result
	for {
		job, err := w.source.Status(ctx, contentKey)
		res.Polls++
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		switch {
		case err != nil:
			log.Warn("status lookup failed, still waiting", "err", err)
		case job == nil:
			log.Warn("job not found, still waiting")
		case job.Status == domain.StatusCompleted:
			res.Outcome, res.Job = OutcomeCompleted, job
			res.Elapsed = w.opts.Now().Sub(start)
			return res, nil
		case job.Status == domain.StatusFailed:
			res.Outcome, res.Job = OutcomeFailed, job
			res.Elapsed = w.opts.Now().Sub(start)
			return res, nil
		default:
			res.Job = job
		}

		remaining := deadline.Sub(w.opts.Now())
		if remaining <= 0 {
			res.Outcome = OutcomeTimedOut
			res.Elapsed = w.opts.Now().Sub(start)
			log.Info("gave up waiting", "elapsed", res.Elapsed, "polls", res.Polls)
			return res, nil
		}
		if err := w.opts.Sleep(ctx, min(w.opts.Interval, remaining)); err != nil {
			return res, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
