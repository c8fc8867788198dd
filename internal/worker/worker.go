package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwygoda/mediaq/internal/domain"
	"github.com/google/uuid"
)

const (
	DefaultActiveInterval = 5 * time.Second
	DefaultIdleInterval   = 10 * time.Second
	DefaultJobDelay       = 2 * time.Second
	DefaultErrorBackoff   = 10 * time.Second
)

// Options tunes the polling loop. Zero durations select the defaults,
// except StaleAfter where zero disables stale recovery.
type Options struct {
	// ActiveInterval is the wait while another job is downloading.
	ActiveInterval time.Duration
	// IdleInterval is the wait when nothing is pending.
	IdleInterval time.Duration
	// JobDelay is the pause after each processed job.
	JobDelay time.Duration
	// ErrorBackoff is the wait after a store error.
	ErrorBackoff time.Duration
	// StaleAfter demotes downloads running longer than this back to pending.
	StaleAfter time.Duration
	// WorkerID identifies this worker on claimed jobs. Defaults to a UUID.
	WorkerID string
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ActiveInterval <= 0 {
		o.ActiveInterval = DefaultActiveInterval
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = DefaultIdleInterval
	}
	if o.JobDelay <= 0 {
		o.JobDelay = DefaultJobDelay
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = DefaultErrorBackoff
	}
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Worker drains the queue one job at a time.
type Worker struct {
	svc       *domain.JobService
	extractor domain.Extractor
	opts      Options
	log       *slog.Logger
}

// New creates a new worker.
func New(svc *domain.JobService, extractor domain.Extractor, opts Options, logger *slog.Logger) *Worker {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		svc:       svc,
		extractor: extractor,
		opts:      opts,
		log:       logger.With("worker_id", opts.WorkerID),
	}
}

// ID returns the identifier recorded on jobs this worker claims.
func (w *Worker) ID() string {
	return w.opts.WorkerID
}

type state int

const (
	stateIdle state = iota
	stateBusy
	stateProcessed
)

// Run starts the worker loop until context is cancelled. A download in
// progress at cancellation runs to completion before Run returns.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started",
		"active_interval", w.opts.ActiveInterval,
		"idle_interval", w.opts.IdleInterval,
		"stale_after", w.opts.StaleAfter,
	)

	for ctx.Err() == nil {
		st, err := w.step(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			w.log.Error("worker iteration failed", "err", err, "backoff", w.opts.ErrorBackoff)
			wait = w.opts.ErrorBackoff
		case st == stateBusy:
			wait = w.opts.ActiveInterval
		case st == stateIdle:
			wait = w.opts.IdleInterval
		default:
			wait = w.opts.JobDelay
		}

		if !sleep(ctx, wait) {
			break
		}
	}
	w.log.Info("worker shutting down")
}

// ProcessOnce runs a single iteration and reports whether a job was
// processed.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	st, err := w.step(ctx)
	return st == stateProcessed, err
}

func (w *Worker) step(ctx context.Context) (state, error) {
	if err := w.recoverStale(ctx); err != nil {
		return stateIdle, err
	}

	active, err := w.svc.ActiveDownload(ctx)
	if err != nil {
		return stateIdle, fmt.Errorf("check active download: %w", err)
	}
	if active != nil {
		w.log.Debug("download in progress, waiting", "job_id", active.ID)
		return stateBusy, nil
	}

	job, err := w.svc.ClaimNext(ctx, w.opts.WorkerID)
	if err != nil {
		return stateIdle, fmt.Errorf("claim next job: %w", err)
	}
	if job == nil {
		return stateIdle, nil
	}

	return stateProcessed, w.process(ctx, job)
}

func (w *Worker) recoverStale(ctx context.Context) error {
	if w.opts.StaleAfter <= 0 {
		return nil
	}
	cutoff := w.opts.Now().Add(-w.opts.StaleAfter)
	n, err := w.svc.RecoverStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("recover stale downloads: %w", err)
	}
	if n > 0 {
		w.log.Warn("recovered stale downloads", "count", n, "stale_after", w.opts.StaleAfter)
	}
	return nil
}

// process downloads a claimed job and records the outcome. Only a failure
// to record the outcome is returned.
func (w *Worker) process(ctx context.Context, job *domain.Job) error {
	log := w.log.With("job_id", job.ID, "content_key", job.ContentKey)
	log.Info("processing job", "stage", "download", "kind", job.MediaKind(), "title", job.DisplayTitle())

	// Detached so shutdown lets the download and its outcome finish.
	ctx = context.WithoutCancel(ctx)

	path, err := w.fetch(ctx, job)
	if err != nil {
		log.Warn("download failed", "stage", "download", "err", err)
		return w.record(log, job, "failed", w.svc.MarkFailed(ctx, job.ID, w.opts.WorkerID, err.Error()))
	}

	markErr := w.svc.MarkComplete(ctx, job.ID, w.opts.WorkerID, path)
	if markErr == nil {
		log.Info("job completed", "stage", "complete", "file_path", path)
	}
	return w.record(log, job, "complete", markErr)
}

// record interprets the result of writing a job outcome. A job re-queued
// while it was downloading no longer belongs to this worker, and its outcome
// is dropped.
func (w *Worker) record(log *slog.Logger, job *domain.Job, outcome string, err error) error {
	if errors.Is(err, domain.ErrInvalidTransition) {
		log.Warn("claim superseded, outcome discarded", "stage", outcome, "err", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark job %d %s: %w", job.ID, outcome, err)
	}
	return nil
}

func (w *Worker) fetch(ctx context.Context, job *domain.Job) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return w.extractor.FetchMedia(ctx, domain.MediaRequest{
		URL:        job.SourceURL,
		ContentKey: job.ContentKey,
		Title:      job.Title,
		Kind:       job.MediaKind(),
	})
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
