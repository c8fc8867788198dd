// Package httpclient talks to the queue service's REST API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/mediaq/internal/domain"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("service returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps well-known statuses to domain errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return domain.ErrInvalidURL
	case http.StatusNotFound:
		return domain.ErrJobNotFound
	}
	return nil
}

// Submission is the service's acknowledgement of a submitted URL.
type Submission struct {
	ID         int64  `json:"id"`
	ContentKey string `json:"video_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Client calls the queue service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the service at baseURL. A nil httpClient uses a
// client with a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Submit enqueues a URL.
func (c *Client) Submit(ctx context.Context, rawURL string) (*Submission, error) {
	body, err := json.Marshal(map[string]string{"url": rawURL})
	if err != nil {
		return nil, err
	}
	var sub Submission
	if err := c.do(ctx, http.MethodPost, "/api/videos", bytes.NewReader(body), &sub); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	return &sub, nil
}

// Status fetches the job for a content key.
func (c *Client) Status(ctx context.Context, contentKey string) (*domain.Job, error) {
	var rec jobRecord
	if err := c.do(ctx, http.MethodGet, "/api/videos/"+url.PathEscape(contentKey), nil, &rec); err != nil {
		return nil, fmt.Errorf("status %s: %w", contentKey, err)
	}
	return rec.toDomain()
}

// Queue fetches up to limit jobs in display order.
func (c *Client) Queue(ctx context.Context, limit int) ([]domain.Job, error) {
	path := "/api/queue"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var recs []jobRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	jobs := make([]domain.Job, 0, len(recs))
	for _, rec := range recs {
		job, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// jobRecord mirrors the service's job JSON.
type jobRecord struct {
	ID           int64   `json:"id"`
	VideoURL     string  `json:"video_url"`
	VideoID      string  `json:"video_id"`
	Source       string  `json:"source"`
	Title        *string `json:"title"`
	ChannelName  *string `json:"channel_name"`
	Duration     *int    `json:"duration"`
	ThumbnailURL *string `json:"thumbnail_url"`
	Status       string  `json:"status"`
	FilePath     *string `json:"file_path"`
	ErrorMessage *string `json:"error_message"`
	CreatedAt    string  `json:"created_at"`
	StartedAt    *string `json:"started_at"`
	CompletedAt  *string `json:"completed_at"`
}

func (r jobRecord) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:         r.ID,
		SourceURL:  r.VideoURL,
		ContentKey: r.VideoID,
		Source:     domain.SourceKind(r.Source),
		Metadata: domain.Metadata{
			Title:        deref(r.Title),
			AuthorName:   deref(r.ChannelName),
			ThumbnailURL: deref(r.ThumbnailURL),
		},
		Status:       domain.Status(r.Status),
		FilePath:     deref(r.FilePath),
		ErrorMessage: deref(r.ErrorMessage),
	}
	if r.Duration != nil {
		job.DurationSeconds = *r.Duration
	}

	var err error
	if r.CreatedAt != "" {
		if job.CreatedAt, err = time.Parse(time.RFC3339, r.CreatedAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
	}
	if job.StartedAt, err = parseOptTime(r.StartedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if job.CompletedAt, err = parseOptTime(r.CompletedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return job, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parseOptTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
