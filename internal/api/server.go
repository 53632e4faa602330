package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/metrics"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/monitor"
	"github.com/JakeFAU/academic-crawl-pipeline/internal/orchestrator"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
	maxBulkTasks   = 1000
)

// Pipeline is the orchestrator surface the server exposes.
type Pipeline interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (string, error)
	SubmitBulk(ctx context.Context, reqs []orchestrator.SubmitRequest) ([]string, error)
	TaskStatus(ctx context.Context, taskID string) (*crawler.CrawlTask, error)
	Stats(ctx context.Context) (orchestrator.Stats, error)
	Dashboard(ctx context.Context) (monitor.Dashboard, error)
	Health(ctx context.Context) (monitor.Health, error)
}

// Options configures optional server behavior.
type Options struct {
	// APIKey, when set, is required on /v1 routes via X-API-Key.
	APIKey string
	Logger *zap.Logger
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router   chi.Router
	pipeline Pipeline
	papers   *PaperHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. papers may be
// nil, in which case the paper routes answer 503.
func NewServer(pipeline Pipeline, papers *PaperHandler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{pipeline: pipeline, papers: papers, logger: logger.Named("api")}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/tasks", s.submitTask)
		r.Post("/tasks/bulk", s.submitBulk)
		r.Get("/tasks/{task_id}", s.getTask)
		r.Get("/stats", s.stats)
		r.Get("/dashboard", s.dashboard)
		r.Post("/papers/{paper_id}/reanalyze", s.withPapers(func(h *PaperHandler) http.HandlerFunc { return h.Reanalyze }))
		r.Delete("/papers/{paper_id}", s.withPapers(func(h *PaperHandler) http.HandlerFunc { return h.Delete }))
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) withPapers(route func(*PaperHandler) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.papers == nil {
			writeError(w, http.StatusServiceUnavailable, "analysis stage unavailable")
			return
		}
		route(s.papers)(w, r)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	health, err := s.pipeline.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	status := http.StatusOK
	if health.Overall == monitor.Critical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		writeError(w, submitStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

type bulkRequest struct {
	Tasks []orchestrator.SubmitRequest `json:"tasks"`
}

func (s *Server) submitBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "tasks required")
		return
	}
	if len(req.Tasks) > maxBulkTasks {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d tasks per request", maxBulkTasks))
		return
	}
	ids, err := s.pipeline.SubmitBulk(r.Context(), req.Tasks)
	if err != nil {
		writeJSON(w, submitStatus(err), map[string]any{"task_ids": ids, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.pipeline.TaskStatus(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		if errors.Is(err, crawler.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.pipeline.Dashboard(r.Context())
	if err != nil {
		s.logger.Error("dashboard failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load dashboard")
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
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

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode errors mean the client went away; the status is already sent.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
