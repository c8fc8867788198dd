package domain

import "time"

// Status represents the lifecycle state of a download job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further worker action occurs for the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses for queue listings: in-flight first, then queued work.
func (s Status) Rank() int {
	switch s {
	case StatusDownloading:
		return 1
	case StatusPending:
		return 2
	case StatusCompleted:
		return 3
	default:
		return 4
	}
}

// Metadata is the lightweight information fetched at submission time.
type Metadata struct {
	Title           string
	AuthorName      string
	DurationSeconds int
	ThumbnailURL    string
}

// Job represents one queued download request.
type Job struct {
	ID         int64
	SourceURL  string
	ContentKey string
	Source     SourceKind
	Metadata
	Status       Status
	FilePath     string
	ErrorMessage string
	WorkerID     string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

const unknownTitle = "Unknown Title"

// DisplayTitle returns the title, or a placeholder when none was fetched.
func (j *Job) DisplayTitle() string {
	if j.Title == "" {
		return unknownTitle
	}
	return j.Title
}

// MediaKind returns the download mode for the job's source.
func (j *Job) MediaKind() MediaKind {
	return j.Source.MediaKind()
}
