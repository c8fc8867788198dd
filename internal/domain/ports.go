package domain

import (
	"context"
	"time"
)

// TransitionOpts carries the outcome fields recorded with a terminal transition.
type TransitionOpts struct {
	FilePath     string
	ErrorMessage string
	// WorkerID, when set, restricts a terminal transition to the worker
	// that holds the claim.
	WorkerID string
}

// JobRepository is the driven port for job persistence. Every method is
// atomic with respect to concurrent callers, including callers in other
// processes sharing the same store.
type JobRepository interface {
	// Insert stores a new pending job; ErrConflict if the content key exists.
	Insert(ctx context.Context, job *Job) (*Job, error)
	FindByID(ctx context.Context, id int64) (*Job, error)
	FindByContentKey(ctx context.Context, key string) (*Job, error)
	// List returns jobs ordered by status rank, then creation time.
	List(ctx context.Context, limit int) ([]Job, error)
	// NextPending returns the oldest pending job, or nil.
	NextPending(ctx context.Context) (*Job, error)
	// ActiveDownload returns the job currently downloading, or nil.
	ActiveDownload(ctx context.Context) (*Job, error)
	// ClaimNext moves the oldest pending job to downloading if and only if
	// no job is downloading. It returns nil when nothing was claimed.
	ClaimNext(ctx context.Context, workerID string) (*Job, error)
	// Transition moves a job forward along its lifecycle.
	Transition(ctx context.Context, id int64, status Status, opts TransitionOpts) error
	// Requeue resets a job back to pending for a re-submission, whatever its
	// status. A nil meta keeps the stored metadata.
	Requeue(ctx context.Context, id int64, meta *Metadata) (*Job, error)
	// RecoverStale demotes downloads started before cutoff back to pending.
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// MediaRequest describes one media download for the extractor.
type MediaRequest struct {
	URL        string
	ContentKey string
	Title      string
	Kind       MediaKind
}

// Extractor is the driven port for the external extraction tool.
type Extractor interface {
	// FetchMetadata reads metadata without downloading the payload.
	FetchMetadata(ctx context.Context, url string) (Metadata, error)
	// FetchMedia downloads the media and returns the produced file path.
	FetchMedia(ctx context.Context, req MediaRequest) (string, error)
}
