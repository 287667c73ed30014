package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"sidequest/internal/db"
	"sidequest/internal/scheduler"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.listJobs(w, r, r.URL.Query().Get("pipeline"))
}

func (s *Server) handlePipelineJobs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.IsSupported(id) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("unknown pipeline %q", id), nil)
		return
	}
	s.listJobs(w, r, id)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request, pipelineID string) {
	status := db.Status(r.URL.Query().Get("status"))
	if status != "" && !db.ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("invalid status %q", status), nil)
		return
	}

	page, limit := pageParams(r)
	opts := db.ListOptions{
		PipelineID: pipelineID,
		Status:     status,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	}

	ctx := r.Context()
	jobs, err := s.store.ListJobs(ctx, opts)
	if err != nil {
		slog.ErrorContext(ctx, "api: list jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "list jobs failed", nil)
		return
	}
	total, err := s.store.CountJobs(ctx, db.ListOptions{PipelineID: pipelineID, Status: status})
	if err != nil {
		slog.ErrorContext(ctx, "api: count jobs", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "count jobs failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":    jobs,
		"total":   total,
		"page":    page,
		"limit":   limit,
		"hasMore": page*limit < total,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobId")
	if !scheduler.ValidJobID(id) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid job id", nil)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobId")
	if !scheduler.ValidJobID(id) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid job id", nil)
		return
	}

	sched, err := s.schedulerForJob(r, id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	res := sched.CancelJob(id)
	switch {
	case res.OK:
		writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "reason": res.Reason})
	case res.Reason == "not-found":
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s not found", id), nil)
	default:
		writeError(w, http.StatusConflict, "CONFLICT",
			fmt.Sprintf("job %s cannot be cancelled", id), map[string]any{"reason": res.Reason})
	}
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("jobId")
	if !scheduler.ValidJobID(id) {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid job id", nil)
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if job.Status != db.StatusFailed {
		writeError(w, http.StatusConflict, "CONFLICT",
			fmt.Sprintf("job %s is %s, only failed jobs can be retried", id, job.Status), nil)
		return
	}

	sched, err := s.schedulerForJob(r, id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	newID := fmt.Sprintf("%s-retry%d", id, job.RetryCount+1)
	newJob, err := sched.CreateJob(newID, job.Data)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"newJobId": newJob.ID})
}

// schedulerForJob resolves the scheduler owning a persisted job.
func (s *Server) schedulerForJob(r *http.Request, id string) (*scheduler.Scheduler, error) {
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		return nil, err
	}
	worker, err := s.registry.Get(r.Context(), job.PipelineID)
	if err != nil {
		return nil, err
	}
	return worker.Scheduler(), nil
}

// importRecord is one bulk-import row, validated before conversion.
type importRecord struct {
	ID          string         `json:"id" validate:"required,max=100"`
	PipelineID  string         `json:"pipelineId" validate:"required,max=100"`
	Status      string         `json:"status" validate:"required,oneof=queued running completed failed cancelled"`
	Data        map[string]any `json:"data"`
	Result      any            `json:"result"`
	RetryCount  int            `json:"retryCount" validate:"gte=0"`
	CreatedAt   *time.Time     `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt"`
}

func (s *Server) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	key := s.cfg.Server.MigrationAPIKey
	provided := r.Header.Get("X-API-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "read body failed", nil)
		return
	}
	var req struct {
		Jobs []importRecord `json:"jobs"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json", nil)
		return
	}
	if len(req.Jobs) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "jobs are required", nil)
		return
	}

	records := make([]*db.Job, 0, len(req.Jobs))
	var problems []string
	for i, rec := range req.Jobs {
		if err := validate.Struct(rec); err != nil {
			problems = append(problems, fmt.Sprintf("jobs[%d]: %s", i, validationSummary(err)))
			continue
		}
		if !scheduler.ValidJobID(rec.ID) {
			problems = append(problems, fmt.Sprintf("jobs[%d]: invalid job id %q", i, rec.ID))
			continue
		}
		records = append(records, importJob(rec))
	}
	if len(problems) > 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid records", problems)
		return
	}

	res, err := s.store.BulkImport(r.Context(), records)
	if err != nil {
		slog.ErrorContext(r.Context(), "api: bulk import", "err", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "import failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": res.Imported,
		"skipped":  res.Skipped,
		"errors":   res.Errors,
	})
}

func importJob(rec importRecord) *db.Job {
	job := &db.Job{
		ID:          rec.ID,
		PipelineID:  rec.PipelineID,
		Status:      db.Status(rec.Status),
		Data:        rec.Data,
		Result:      rec.Result,
		RetryCount:  rec.RetryCount,
		CreatedAt:   time.Now().UTC(),
		CompletedAt: rec.CompletedAt,
	}
	if rec.CreatedAt != nil {
		job.CreatedAt = *rec.CreatedAt
	}
	// Imported running jobs are orphans from the old system; the
	// abandoned sweep would flag them anyway, then confusingly late.
	if job.Status == db.StatusRunning {
		job.Status = db.StatusFailed
		msg := "imported in running state, marked abandoned"
		job.Error = &db.Failure{Message: msg, Code: "ABANDONED"}
	}
	return job
}

func validationSummary(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	if len(verrs) == 0 {
		return "invalid"
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %s validation", fe.Field(), fe.Tag())
}
