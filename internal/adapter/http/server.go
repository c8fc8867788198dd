package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/mediaq/internal/domain"
)

const (
	serviceName    = "Media Download Queue Service"
	serviceVersion = "1.0.0"

	DefaultQueueLimit = 100
	MaxQueueLimit     = 1000

	maxBodyBytes = 1 << 16
)

const (
	msgAdded   = "Video added to download queue"
	msgReAdded = "Video re-added to download queue"
)

// Server is the HTTP adapter for the download queue.
type Server struct {
	svc        *domain.JobService
	mux        *http.ServeMux
	handler    http.Handler
	server     *http.Server
	log        *slog.Logger
	libraryDir string
}

// Option configures a Server.
type Option func(*Server)

// WithLibrary serves the downloaded files in dir under /api/files.
func WithLibrary(dir string) Option {
	return func(s *Server) { s.libraryDir = dir }
}

// NewServer creates a new HTTP server. A nil svc makes every queue route
// answer 503, as does the file library when no directory is configured.
func NewServer(svc *domain.JobService, addr string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc: svc,
		mux: http.NewServeMux(),
		log: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.handler = loggingMiddleware(s.recoveryMiddleware(s.mux), s.log)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/videos", s.handleAddVideo)
	s.mux.HandleFunc("GET /api/videos/{contentKey}", s.handleGetVideo)
	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /api/queue", s.handleQueue)
	s.mux.HandleFunc("GET /api/files", s.handleListFiles)
	s.mux.HandleFunc("GET /api/files/{name}", s.handleStreamFile)
}

// videoRequest is the request body for POST /api/videos.
type videoRequest struct {
	URL string `json:"url"`
}

// videoResponse is the acknowledgement for POST /api/videos.
type videoResponse struct {
	ID      int64  `json:"id"`
	VideoID string `json:"video_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// jobResponse is the full job record. Absent values encode as null.
type jobResponse struct {
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

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"service": serviceName,
		"status":  "running",
		"version": serviceVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddVideo(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}

	var req videoRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	job, created, err := s.svc.Submit(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidURL) {
			s.writeError(w, http.StatusBadRequest, "Invalid URL. Please provide a valid YouTube or Instagram URL")
			return
		}
		s.log.Error("submit failed", "url", req.URL, "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add video")
		return
	}

	msg := msgAdded
	if !created {
		msg = msgReAdded
	}
	s.writeJSON(w, http.StatusOK, videoResponse{
		ID:      job.ID,
		VideoID: job.ContentKey,
		Status:  string(job.Status),
		Message: msg,
	})
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	key := r.PathValue("contentKey")
	job, err := s.svc.GetByContentKey(r.Context(), key)
	s.writeJob(w, job, err, "content_key", key)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	job, err := s.svc.Get(r.Context(), id)
	s.writeJob(w, job, err, "job_id", id)
}

func (s *Server) writeJob(w http.ResponseWriter, job *domain.Job, err error, attrs ...any) {
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "Video not found")
			return
		}
		s.log.Error("get job failed", append(attrs, "err", err)...)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch video")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !s.ready(w) {
		return
	}

	limit := DefaultQueueLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, MaxQueueLimit)
	}

	jobs, err := s.svc.List(r.Context(), limit)
	if err != nil {
		s.log.Error("list queue failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch queue")
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ready(w http.ResponseWriter) bool {
	if s.svc == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Service not initialized")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		VideoURL:     job.SourceURL,
		VideoID:      job.ContentKey,
		Source:       string(job.Source),
		Title:        optString(job.Title),
		ChannelName:  optString(job.AuthorName),
		Duration:     optInt(job.DurationSeconds),
		ThumbnailURL: optString(job.ThumbnailURL),
		Status:       string(job.Status),
		FilePath:     optString(job.FilePath),
		ErrorMessage: optString(job.ErrorMessage),
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:    optTime(job.StartedAt),
		CompletedAt:  optTime(job.CompletedAt),
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func optTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP sets CORS headers and dispatches to the logged, recovered routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Range")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
