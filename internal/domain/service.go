package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrInvalidURL        = errors.New("invalid URL")
	ErrJobNotFound       = errors.New("job not found")
	ErrConflict          = errors.New("content key already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobService orchestrates job operations.
type JobService struct {
	repo      JobRepository
	extractor Extractor
	log       *slog.Logger
}

// NewJobService creates a new JobService. The extractor is only used for
// best-effort metadata on submission and may be nil.
func NewJobService(repo JobRepository, extractor Extractor, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{repo: repo, extractor: extractor, log: logger}
}

// Submit enqueues a URL. An existing job with the same content key is
// re-queued instead of duplicated, and created is false.
func (s *JobService) Submit(ctx context.Context, rawURL string) (job *Job, created bool, err error) {
	c, err := Classify(rawURL)
	if err != nil {
		return nil, false, err
	}
	log := s.log.With("content_key", c.ContentKey, "stage", "submit")

	existing, err := s.repo.FindByContentKey(ctx, c.ContentKey)
	switch {
	case err == nil:
		return s.requeue(ctx, log, existing, rawURL)
	case !errors.Is(err, ErrJobNotFound):
		return nil, false, fmt.Errorf("lookup %s: %w", c.ContentKey, err)
	}

	meta, _ := s.fetchMetadata(ctx, log, rawURL)
	job, err = s.repo.Insert(ctx, &Job{
		SourceURL:  rawURL,
		ContentKey: c.ContentKey,
		Source:     c.Source,
		Metadata:   meta,
		Status:     StatusPending,
	})
	if errors.Is(err, ErrConflict) {
		// Lost a race with a concurrent submission of the same content.
		existing, err := s.repo.FindByContentKey(ctx, c.ContentKey)
		if err != nil {
			return nil, false, fmt.Errorf("lookup %s after conflict: %w", c.ContentKey, err)
		}
		return s.requeue(ctx, log, existing, rawURL)
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert %s: %w", c.ContentKey, err)
	}
	log.Info("job queued", "job_id", job.ID, "title", job.Title)
	return job, true, nil
}

// requeue resets an existing job to pending. Stored metadata is replaced
// only when a fresh fetch succeeds.
func (s *JobService) requeue(ctx context.Context, log *slog.Logger, existing *Job, rawURL string) (*Job, bool, error) {
	if existing.Status == StatusDownloading {
		log.Warn("re-submitted while downloading, resetting claim",
			"job_id", existing.ID, "worker_id", existing.WorkerID, "started_at", existing.StartedAt)
	}

	var refreshed *Metadata
	if meta, ok := s.fetchMetadata(ctx, log, rawURL); ok {
		refreshed = &meta
	}
	job, err := s.repo.Requeue(ctx, existing.ID, refreshed)
	if err != nil {
		return nil, false, fmt.Errorf("requeue job %d: %w", existing.ID, err)
	}
	log.Info("job re-queued", "job_id", job.ID, "previous_status", existing.Status)
	return job, false, nil
}

func (s *JobService) fetchMetadata(ctx context.Context, log *slog.Logger, rawURL string) (Metadata, bool) {
	if s.extractor == nil {
		return Metadata{}, false
	}
	meta, err := s.extractor.FetchMetadata(ctx, rawURL)
	if err != nil {
		log.Warn("metadata fetch failed, continuing without metadata", "err", err)
		return Metadata{}, false
	}
	return meta, true
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id int64) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// GetByContentKey retrieves a job by its deduplication key.
func (s *JobService) GetByContentKey(ctx context.Context, key string) (*Job, error) {
	return s.repo.FindByContentKey(ctx, key)
}

// List returns the queue ordered for display.
func (s *JobService) List(ctx context.Context, limit int) ([]Job, error) {
	return s.repo.List(ctx, limit)
}

// NextPending returns the oldest pending job, or nil.
func (s *JobService) NextPending(ctx context.Context) (*Job, error) {
	return s.repo.NextPending(ctx)
}

// ActiveDownload returns the job currently downloading, or nil.
func (s *JobService) ActiveDownload(ctx context.Context) (*Job, error) {
	return s.repo.ActiveDownload(ctx)
}

// ClaimNext claims the oldest pending job for workerID, or returns nil.
func (s *JobService) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	return s.repo.ClaimNext(ctx, workerID)
}

// MarkComplete records a successful download by the worker holding the
// claim. An empty workerID skips the ownership check.
func (s *JobService) MarkComplete(ctx context.Context, id int64, workerID, filePath string) error {
	return s.repo.Transition(ctx, id, StatusCompleted, TransitionOpts{FilePath: filePath, WorkerID: workerID})
}

// MarkFailed records a failed download by the worker holding the claim.
func (s *JobService) MarkFailed(ctx context.Context, id int64, workerID, reason string) error {
	return s.repo.Transition(ctx, id, StatusFailed, TransitionOpts{ErrorMessage: reason, WorkerID: workerID})
}

// RecoverStale demotes downloads started before cutoff back to pending.
func (s *JobService) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.repo.RecoverStale(ctx, cutoff)
}
