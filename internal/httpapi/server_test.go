package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"sidequest/internal/activity"
	"sidequest/internal/config"
	"sidequest/internal/db"
	"sidequest/internal/pipeline"
	"sidequest/internal/retry"
	"sidequest/internal/scheduler"
)

// stubWorker is a minimal pipeline whose jobs complete immediately,
// or block on a channel when the job data asks for it.
type stubWorker struct {
	sched *scheduler.Scheduler
	block chan struct{}
	seq   atomic.Int64
}

func (w *stubWorker) PipelineID() string              { return "stub" }
func (w *stubWorker) Scheduler() *scheduler.Scheduler { return w.sched }

func (w *stubWorker) Initialize(ctx context.Context) error {
	return w.sched.Initialize(ctx)
}

func (w *stubWorker) Trigger(ctx context.Context, params map[string]any) (*db.Job, error) {
	if target, _ := params["target"].(string); target == "" {
		return nil, retry.Validationf("target is required")
	}
	id := fmt.Sprintf("stub-%d", w.seq.Add(1))
	return w.sched.CreateJob(id, params)
}

func (w *stubWorker) RunJob(ctx context.Context, job *db.Job) (any, error) {
	if hold, _ := job.Data["hold"].(bool); hold {
		select {
		case <-w.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{"ok": true}, nil
}

type apiFixture struct {
	srv    *Server
	store  *db.Store
	worker *stubWorker
}

func newAPIFixture(t *testing.T, rateLimit int) *apiFixture {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	worker := &stubWorker{block: make(chan struct{})}
	worker.sched = scheduler.New(
		scheduler.Config{PipelineID: "stub", MaxConcurrent: 2, Persist: true},
		scheduler.Deps{Store: store},
		worker,
	)

	registry := pipeline.NewRegistry()
	registry.Register("stub", func(ctx context.Context) (pipeline.Worker, error) {
		return worker, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	registry.StartAll(ctx)

	cfg := &config.Config{}
	cfg.Server.RateLimitPerMin = rateLimit
	cfg.Server.MigrationAPIKey = "migration-key"

	return &apiFixture{
		srv:    NewServer(cfg, store, registry, activity.NewFeed(10), nil),
		store:  store,
		worker: worker,
	}
}

// call runs one request through the full middleware stack and decodes
// the JSON envelope.
func (f *apiFixture) call(t *testing.T, method, path string, body any, header map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (f *apiFixture) waitStatus(t *testing.T, jobID string, want db.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := f.store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s (err %v)", jobID, want, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEnvelopeAndRequestID(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Fatalf("request id not echoed, got %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != true || body["timestamp"] == nil {
		t.Fatalf("missing envelope fields: %v", body)
	}
	pipelines, _ := body["pipelines"].([]any)
	if len(pipelines) != 1 || pipelines[0] != "stub" {
		t.Fatalf("unexpected pipelines %v", pipelines)
	}

	// Without a client-supplied ID the server mints one.
	rec = httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestGetJobValidationAndNotFound(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)

	status, body := f.call(t, http.MethodGet, "/api/jobs/bad%20id", nil, nil)
	if status != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("invalid id: status %d body %v", status, body)
	}

	status, body = f.call(t, http.MethodGet, "/api/jobs/absent-1", nil, nil)
	if status != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Fatalf("missing job: status %d body %v", status, body)
	}
}

func TestListJobsPagination(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		job := &db.Job{
			ID:         fmt.Sprintf("seed-%d", i),
			PipelineID: "stub",
			Status:     db.StatusQueued,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := f.store.InsertJob(ctx, job); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	status, body := f.call(t, http.MethodGet, "/api/jobs?limit=2&page=2", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d body %v", status, body)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 2 || body["total"] != float64(5) || body["hasMore"] != true {
		t.Fatalf("unexpected page 2: %v", body)
	}

	_, body = f.call(t, http.MethodGet, "/api/jobs?limit=2&page=3", nil, nil)
	jobs, _ = body["jobs"].([]any)
	if len(jobs) != 1 || body["hasMore"] != false {
		t.Fatalf("unexpected last page: %v", body)
	}

	status, body = f.call(t, http.MethodGet, "/api/jobs?status=sideways", nil, nil)
	if status != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("bad status filter: status %d body %v", status, body)
	}

	status, _ = f.call(t, http.MethodGet, "/api/pipelines/nope/jobs", nil, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown pipeline list: status %d", status)
	}
}

func TestTriggerMapsFailuresToStatuses(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)

	status, body := f.call(t, http.MethodPost, "/api/pipelines/stub/trigger",
		map[string]any{}, nil)
	if status != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("validation failure: status %d body %v", status, body)
	}

	status, body = f.call(t, http.MethodPost, "/api/pipelines/nope/trigger",
		map[string]any{"target": "x"}, nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown pipeline: status %d body %v", status, body)
	}

	status, body = f.call(t, http.MethodPost, "/api/pipelines/stub/trigger",
		map[string]any{"target": "x"}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("trigger: status %d body %v", status, body)
	}
	job, _ := body["job"].(map[string]any)
	jobID, _ := job["id"].(string)
	if jobID == "" {
		t.Fatalf("missing job in response: %v", body)
	}
	f.waitStatus(t, jobID, db.StatusCompleted)
}

func TestCancelJobStatuses(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)

	// Unknown job: 404 from the store lookup.
	status, body := f.call(t, http.MethodPost, "/api/jobs/absent-2/cancel", nil, nil)
	if status != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Fatalf("missing job: status %d body %v", status, body)
	}

	// Running job: cancel is accepted and the handler unwinds.
	status, body = f.call(t, http.MethodPost, "/api/pipelines/stub/trigger",
		map[string]any{"target": "x", "hold": true}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("trigger: status %d body %v", status, body)
	}
	held, _ := body["job"].(map[string]any)
	heldID := held["id"].(string)
	f.waitStatus(t, heldID, db.StatusRunning)

	status, body = f.call(t, http.MethodPost, "/api/jobs/"+heldID+"/cancel", nil, nil)
	if status != http.StatusOK || body["reason"] != "cancel-requested" {
		t.Fatalf("cancel running: status %d body %v", status, body)
	}
	f.waitStatus(t, heldID, db.StatusCancelled)

	// Terminal job: conflict.
	status, body = f.call(t, http.MethodPost, "/api/jobs/"+heldID+"/cancel", nil, nil)
	if status != http.StatusConflict || errorCode(body) != "CONFLICT" {
		t.Fatalf("cancel terminal: status %d body %v", status, body)
	}
}

func TestRetryJobEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)
	ctx := context.Background()

	failed := &db.Job{
		ID:         "stub-failed-1",
		PipelineID: "stub",
		Status:     db.StatusFailed,
		Data:       map[string]any{"target": "x"},
		CreatedAt:  time.Now().UTC(),
	}
	if err := f.store.InsertJob(ctx, failed); err != nil {
		t.Fatalf("insert: %v", err)
	}

	status, body := f.call(t, http.MethodPost, "/api/jobs/stub-failed-1/retry", nil, nil)
	if status != http.StatusOK {
		t.Fatalf("retry: status %d body %v", status, body)
	}
	newID, _ := body["newJobId"].(string)
	if newID != "stub-failed-1-retry1" {
		t.Fatalf("unexpected retry id %q", newID)
	}
	f.waitStatus(t, newID, db.StatusCompleted)

	// Only failed jobs can be retried.
	status, body = f.call(t, http.MethodPost, "/api/jobs/"+newID+"/retry", nil, nil)
	if status != http.StatusConflict || errorCode(body) != "CONFLICT" {
		t.Fatalf("retry completed job: status %d body %v", status, body)
	}
}

func TestBulkImportAuthAndValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)
	records := map[string]any{"jobs": []any{map[string]any{
		"id": "import-1", "pipelineId": "legacy", "status": "completed",
	}}}

	status, body := f.call(t, http.MethodPost, "/api/jobs/bulk-import", records, nil)
	if status != http.StatusUnauthorized || errorCode(body) != "UNAUTHORIZED" {
		t.Fatalf("no key: status %d body %v", status, body)
	}
	status, _ = f.call(t, http.MethodPost, "/api/jobs/bulk-import", records,
		map[string]string{"X-API-Key": "wrong"})
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong key: status %d", status)
	}

	auth := map[string]string{"X-API-Key": "migration-key"}
	status, body = f.call(t, http.MethodPost, "/api/jobs/bulk-import",
		map[string]any{"jobs": []any{map[string]any{
			"id": "import-bad", "pipelineId": "legacy", "status": "sideways",
		}}}, auth)
	if status != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("bad record: status %d body %v", status, body)
	}

	status, body = f.call(t, http.MethodPost, "/api/jobs/bulk-import", records, auth)
	if status != http.StatusOK || body["imported"] != float64(1) {
		t.Fatalf("import: status %d body %v", status, body)
	}
}

func TestBulkImportMarksRunningJobsAbandoned(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)

	status, body := f.call(t, http.MethodPost, "/api/jobs/bulk-import",
		map[string]any{"jobs": []any{map[string]any{
			"id": "import-running", "pipelineId": "legacy", "status": "running",
		}}}, map[string]string{"X-API-Key": "migration-key"})
	if status != http.StatusOK {
		t.Fatalf("import: status %d body %v", status, body)
	}

	job, err := f.store.GetJob(context.Background(), "import-running")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != db.StatusFailed || job.Error == nil || job.Error.Code != "ABANDONED" {
		t.Fatalf("expected abandoned import, got %+v", job)
	}
}

func TestPauseResumeAndStatus(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 1000)

	status, body := f.call(t, http.MethodPost, "/api/pipelines/stub/pause", nil, nil)
	if status != http.StatusOK || body["paused"] != true {
		t.Fatalf("pause: status %d body %v", status, body)
	}
	status, body = f.call(t, http.MethodGet, "/api/pipelines/stub/status", nil, nil)
	if status != http.StatusOK || body["paused"] != true {
		t.Fatalf("status while paused: %d %v", status, body)
	}
	status, body = f.call(t, http.MethodPost, "/api/pipelines/stub/resume", nil, nil)
	if status != http.StatusOK || body["paused"] != false {
		t.Fatalf("resume: status %d body %v", status, body)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, 2)

	var limited bool
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatal("expected at least one rate-limited response")
	}
}
