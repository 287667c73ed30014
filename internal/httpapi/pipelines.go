package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sidequest/internal/pipeline"
)

func (s *Server) worker(w http.ResponseWriter, r *http.Request) (pipeline.Worker, bool) {
	id := r.PathValue("id")
	if !s.registry.IsSupported(id) {
		writeError(w, http.StatusNotFound, "NOT_FOUND",
			fmt.Sprintf("unknown pipeline %q", id), map[string]any{"supported": s.registry.Supported()})
		return nil, false
	}
	worker, err := s.registry.Get(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "api: pipeline init", "pipeline", id, "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			fmt.Sprintf("pipeline %q failed to initialize", id), nil)
		return nil, false
	}
	return worker, true
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.worker(w, r)
	if !ok {
		return
	}

	params := map[string]any{}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "read body failed", nil)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json", nil)
			return
		}
	}

	job, err := worker.Trigger(r.Context(), params)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	worker, ok := s.worker(w, r)
	if !ok {
		return
	}
	worker.Scheduler().SetPaused(paused)
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelineId": worker.PipelineID(),
		"paused":     paused,
	})
}

func (s *Server) handlePipelineStatus(w http.ResponseWriter, r *http.Request) {
	worker, ok := s.worker(w, r)
	if !ok {
		return
	}
	sched := worker.Scheduler()
	writeJSON(w, http.StatusOK, map[string]any{
		"pipelineId": worker.PipelineID(),
		"paused":     sched.Paused(),
		"stats":      sched.GetStats(),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activities": s.feed.Recent(limit),
		"stats":      s.feed.Stats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pipelines := map[string]any{}
	for _, id := range s.registry.Supported() {
		worker, err := s.registry.Get(r.Context(), id)
		if err != nil {
			pipelines[id] = map[string]any{"error": "unavailable"}
			continue
		}
		pipelines[id] = map[string]any{
			"paused": worker.Scheduler().Paused(),
			"stats":  worker.Scheduler().GetStats(),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"pipelines":     pipelines,
		"activity":      s.feed.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "running",
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"pipelines":     s.registry.Supported(),
	})
}
