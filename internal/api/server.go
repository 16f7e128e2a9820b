package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/checkpoint"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/export"
	"github.com/JakeFAU/campus-crawler/internal/frontier"
	"github.com/JakeFAU/campus-crawler/internal/metrics"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// JobReader reads job state without modifying it.
type JobReader interface {
	Jobs() ([]checkpoint.Summary, error)
	Job(jobID string) (*checkpoint.Checkpoint, error)
	JobPages(jobID string, states ...frontier.State) ([]*crawler.Page, error)
	OpenExport(ctx context.Context, jobID, kind string, f export.Format) (io.ReadCloser, error)
}

// Config controls optional server behavior.
type Config struct {
	// APIKey, when set, is required in X-API-Key or the api_key query parameter.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the job reader.
type Server struct {
	router chi.Router
	jobs   JobReader
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs JobReader, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{jobs: jobs, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/", s.listJobs)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/pages", s.listPages)
			r.Get("/exports/{file}", s.getExport)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobsResponse struct {
	Jobs []checkpoint.Summary `json:"jobs"`
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.jobs.Jobs()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if jobs == nil {
		jobs = []checkpoint.Summary{}
	}
	s.writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

type jobResponse struct {
	Job            *crawler.CrawlJob      `json:"job"`
	PipelineState  *crawler.PipelineState `json:"pipeline_state"`
	Queues         crawler.QueueCounts    `json:"queues"`
	CheckpointTime time.Time              `json:"checkpoint_time"`
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	cp, err := s.jobs.Job(chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{
		Job:           cp.Job,
		PipelineState: cp.PipelineState,
		Queues: crawler.QueueCounts{
			Pending:    len(cp.PendingPages),
			Processing: len(cp.ProcessingPages),
			Completed:  len(cp.CompletedPages),
			Failed:     len(cp.FailedPages),
		},
		CheckpointTime: cp.CheckpointTime,
	})
}

// pageSummary is a page without its bulky content fields.
type pageSummary struct {
	URL              string             `json:"url"`
	Status           crawler.PageStatus `json:"status"`
	StatusCode       int                `json:"status_code,omitempty"`
	Title            string             `json:"title,omitempty"`
	ExtractionMethod string             `json:"extraction_method,omitempty"`
	RetryCount       int                `json:"retry_count"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	PageType         string             `json:"page_type,omitempty"`
	BlobURI          string             `json:"blob_uri,omitempty"`
	DiscoveredAt     time.Time          `json:"discovered_at"`
	FetchedAt        *time.Time         `json:"fetched_at,omitempty"`
}

type pagesResponse struct {
	JobID  string        `json:"job_id"`
	State  string        `json:"state,omitempty"`
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Pages  []pageSummary `json:"pages"`
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	query := r.URL.Query()

	var states []frontier.State
	if raw := query.Get("state"); raw != "" {
		st, ok := parseState(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", raw))
			return
		}
		states = append(states, st)
	}
	limit, err := intParam(query.Get("limit"), defaultPageLimit)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxPageLimit)
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	pages, err := s.jobs.JobPages(jobID, states...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := pagesResponse{JobID: jobID, State: query.Get("state"), Total: len(pages), Offset: offset, Pages: []pageSummary{}}
	if offset < len(pages) {
		for _, p := range pages[offset:min(offset+limit, len(pages))] {
			resp.Pages = append(resp.Pages, summarize(p))
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// getExport streams a previously written export file, e.g. pages.csv.
func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	file := chi.URLParam(r, "file")
	base, ext, ok := strings.Cut(file, ".")
	kind, kindErr := export.ParseKind(base)
	format, formatErr := export.ParseFormat(ext)
	if !ok || kindErr != nil || formatErr != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown export %q", file))
		return
	}

	rc, err := s.jobs.OpenExport(r.Context(), jobID, kind, format)
	if errors.Is(err, crawler.ErrObjectNotFound) {
		s.writeError(w, http.StatusNotFound, "export not written yet")
		return
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s_%s.%s"`, jobID, kind, format))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("export stream interrupted", zap.String("job_id", jobID), zap.String("file", file), zap.Error(err))
	}
}

func summarize(p *crawler.Page) pageSummary {
	out := pageSummary{
		URL:              p.URL,
		Status:           p.Status,
		StatusCode:       p.StatusCode,
		Title:            p.Title,
		ExtractionMethod: p.ExtractionMethod,
		RetryCount:       p.RetryCount,
		ErrorMessage:     p.ErrorMessage,
		BlobURI:          p.BlobURI,
		DiscoveredAt:     p.DiscoveredAt,
		FetchedAt:        p.FetchedAt,
	}
	if p.Analysis != nil {
		out.PageType = p.Analysis.PageType
	}
	return out
}

func parseState(raw string) (frontier.State, bool) {
	for _, st := range frontier.States {
		if string(st) == raw {
			return st, true
		}
	}
	return "", false
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse int %q: %w", raw, err)
	}
	return n, nil
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrUnsupportedVersion):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("job lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"}, logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
