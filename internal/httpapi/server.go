// Package httpapi serves the daemon's REST surface: job queries and
// control, pipeline triggers, the activity feed, and health/metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"sidequest/internal/activity"
	"sidequest/internal/config"
	"sidequest/internal/db"
	"sidequest/internal/metrics"
	"sidequest/internal/pipeline"
	"sidequest/internal/requestid"
	"sidequest/internal/retry"
)

const maxBodySize = 1 << 20 // 1MB

// Server routes API requests onto the pipeline registry and the store.
type Server struct {
	cfg       *config.Config
	store     *db.Store
	registry  *pipeline.Registry
	feed      *activity.Feed
	metrics   *metrics.Metrics
	startedAt time.Time
	mux       *http.ServeMux

	// Per-IP request count per minute window.
	mu         sync.Mutex
	rates      map[string]int
	rateWindow int64
}

func NewServer(cfg *config.Config, store *db.Store, registry *pipeline.Registry, feed *activity.Feed, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		feed:      feed,
		metrics:   m,
		startedAt: time.Now(),
		rates:     make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{jobId}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{jobId}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/jobs/{jobId}/retry", s.handleRetryJob)
	mux.HandleFunc("POST /api/jobs/bulk-import", s.handleBulkImport)
	mux.HandleFunc("GET /api/pipelines/{id}/jobs", s.handlePipelineJobs)
	mux.HandleFunc("POST /api/pipelines/{id}/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/pipelines/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/pipelines/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /api/pipelines/{id}/status", s.handlePipelineStatus)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = requestid.New()
	}
	w.Header().Set("X-Request-ID", id)
	r = r.WithContext(requestid.WithRequestID(r.Context(), id))

	if !s.allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	slog.DebugContext(r.Context(), "api request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration_ms", time.Since(start).Milliseconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// allow counts requests per client IP in one-minute windows.
func (s *Server) allow(remoteAddr string) bool {
	ip, _, _ := net.SplitHostPort(remoteAddr)
	if ip == "" {
		ip = remoteAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	window := time.Now().Unix() / 60
	if s.rateWindow != window {
		clear(s.rates)
		s.rateWindow = window
	}
	s.rates[ip]++
	return s.rates[ip] <= s.cfg.Server.RateLimitPerMin
}

func writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	if _, ok := payload["success"]; !ok {
		payload["success"] = status < 400
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{
		"success": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if details != nil {
		body["error"].(map[string]any)["details"] = details
	}
	writeJSON(w, status, body)
}

// writeFailure maps the error taxonomy onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	case errors.Is(err, db.ErrJobExists):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
		return
	}
	switch cls := retry.Classify(err); cls.Category {
	case retry.CategoryValidation:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case retry.CategoryNotFound:
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case retry.CategoryPermission:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), nil)
	}
}

// pageParams reads page/limit query values with the API defaults.
func pageParams(r *http.Request) (page, limit int) {
	page, limit = 1, 20
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	return page, limit
}
