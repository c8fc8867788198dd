package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/mediaq/internal/domain"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    source_url    TEXT NOT NULL,
    content_key   TEXT NOT NULL UNIQUE,
    source        TEXT NOT NULL,
    title         TEXT,
    author_name   TEXT,
    duration      INTEGER,
    thumbnail_url TEXT,
    status        TEXT NOT NULL DEFAULT 'pending',
    file_path     TEXT,
    error_message TEXT,
    worker_id     TEXT,
    created_at    TEXT NOT NULL,
    started_at    TEXT,
    completed_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_single_downloading ON jobs(status) WHERE status = 'downloading';
`

const jobColumns = `id, source_url, content_key, source, COALESCE(title, ''), COALESCE(author_name, ''),
	COALESCE(duration, 0), COALESCE(thumbnail_url, ''), status, COALESCE(file_path, ''),
	COALESCE(error_message, ''), COALESCE(worker_id, ''), created_at, started_at, completed_at`

// timeLayout is fixed-width so that lexical order of stored values matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const busyTimeoutMS = 5000

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string, opts ...Option) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", dbPath, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) timestamp() string {
	return formatTime(r.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Insert stores a new pending job.
func (r *Repository) Insert(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	created := job.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (source_url, content_key, source, title, author_name, duration, thumbnail_url, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.SourceURL, job.ContentKey, string(job.Source),
		nullString(job.Title), nullString(job.AuthorName), nullInt(job.DurationSeconds), nullString(job.ThumbnailURL),
		domain.StatusPending, formatTime(created),
	)
	if err != nil {
		if isConstraint(err) {
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

// FindByID retrieves a job by ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindByContentKey retrieves a job by its deduplication key.
func (r *Repository) FindByContentKey(ctx context.Context, key string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE content_key = ?`, key)
	return scanJob(row)
}

// List returns jobs with in-flight and queued work first.
func (r *Repository) List(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 ORDER BY
		     CASE status
		         WHEN ? THEN 1
		         WHEN ? THEN 2
		         WHEN ? THEN 3
		         ELSE 4
		     END,
		     created_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusDownloading, domain.StatusPending, domain.StatusCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// NextPending returns the oldest pending job, or nil when none is queued.
func (r *Repository) NextPending(ctx context.Context) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		domain.StatusPending,
	)
	return optional(scanJob(row))
}

// ActiveDownload returns the job currently downloading, or nil.
func (r *Repository) ActiveDownload(ctx context.Context) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? LIMIT 1`,
		domain.StatusDownloading,
	)
	return optional(scanJob(row))
}

// ClaimNext atomically claims the oldest pending job if no job is
// downloading. It returns nil when nothing was claimed.
func (r *Repository) ClaimNext(ctx context.Context, workerID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, worker_id = ?
		 WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1)
		   AND NOT EXISTS (SELECT 1 FROM jobs WHERE status = ?)
		 RETURNING `+jobColumns,
		domain.StatusDownloading, r.timestamp(), nullString(workerID),
		domain.StatusPending, domain.StatusDownloading,
	)
	job, err := optional(scanJob(row))
	if err != nil && isConstraint(err) {
		// Another process claimed between the subquery and the write.
		return nil, nil
	}
	return job, err
}

// Transition moves a job forward: pending to downloading, or downloading to
// completed or failed. Any other move returns domain.ErrInvalidTransition,
// as does a terminal move whose opts.WorkerID no longer owns the job.
func (r *Repository) Transition(ctx context.Context, id int64, status domain.Status, opts domain.TransitionOpts) error {
	now := r.timestamp()
	var (
		query string
		args  []any
	)
	switch status {
	case domain.StatusDownloading:
		query = `UPDATE jobs SET status = ?, started_at = ?, error_message = NULL WHERE id = ? AND status = ?`
		args = []any{status, now, id, domain.StatusPending}
	case domain.StatusCompleted:
		query = `UPDATE jobs SET status = ?, file_path = ?, error_message = NULL, completed_at = ? WHERE id = ? AND status = ?`
		args = []any{status, opts.FilePath, now, id, domain.StatusDownloading}
	case domain.StatusFailed:
		query = `UPDATE jobs SET status = ?, error_message = ?, file_path = NULL, completed_at = ? WHERE id = ? AND status = ?`
		args = []any{status, opts.ErrorMessage, now, id, domain.StatusDownloading}
	default:
		return fmt.Errorf("%w: to %s", domain.ErrInvalidTransition, status)
	}
	if status.Terminal() && opts.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, opts.WorkerID)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w: another job is downloading", domain.ErrInvalidTransition)
		}
		return fmt.Errorf("transition job %d to %s: %w", id, status, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		current, err := r.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == domain.StatusDownloading && opts.WorkerID != "" {
			return fmt.Errorf("%w: job %d is owned by %q, not %q", domain.ErrInvalidTransition, id, current.WorkerID, opts.WorkerID)
		}
		return fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, current.Status, status)
	}
	return nil
}

// Requeue resets a job to pending for re-submission and clears its previous
// outcome. A downloading job is reset too; the superseded worker's outcome is
// then rejected by Transition.
func (r *Repository) Requeue(ctx context.Context, id int64, meta *domain.Metadata) (*domain.Job, error) {
	query := `UPDATE jobs SET status = ?, error_message = NULL, file_path = NULL,
		started_at = NULL, completed_at = NULL, worker_id = NULL`
	args := []any{domain.StatusPending}
	if meta != nil {
		query += `, title = ?, author_name = ?, duration = ?, thumbnail_url = ?`
		args = append(args, nullString(meta.Title), nullString(meta.AuthorName), nullInt(meta.DurationSeconds), nullString(meta.ThumbnailURL))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("requeue job %d: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return nil, domain.ErrJobNotFound
	}
	return r.FindByID(ctx, id)
}

// RecoverStale resets downloads started before cutoff back to pending.
func (r *Repository) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL, worker_id = NULL
		 WHERE status = ? AND started_at < ?`,
		domain.StatusPending, domain.StatusDownloading, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status, source, created string
	var started, completed sql.NullString
	err := row.Scan(
		&job.ID, &job.SourceURL, &job.ContentKey, &source,
		&job.Title, &job.AuthorName, &job.DurationSeconds, &job.ThumbnailURL,
		&status, &job.FilePath, &job.ErrorMessage, &job.WorkerID,
		&created, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = domain.Status(status)
	job.Source = domain.SourceKind(source)

	if job.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	if job.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &job, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

// optional maps a missing row to a nil job.
func optional(job *domain.Job, err error) (*domain.Job, error) {
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

func isConstraint(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
