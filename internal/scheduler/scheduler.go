// Package scheduler implements the shared pipeline runtime: a FIFO queue,
// a concurrency-capped dispatch loop, the job state machine, retry
// scheduling, and optional git workflow wrapping around handlers.
//
// Each pipeline worker composes a Scheduler rather than inheriting from
// it. Handlers only see the job passed in, the per-job context, and the
// Progress callback; scheduler internals stay private.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sidequest/internal/clock"
	"sidequest/internal/db"
	"sidequest/internal/events"
	"sidequest/internal/git"
	"sidequest/internal/retry"
)

// DefaultMaxConcurrent caps parallel handlers when config leaves it zero.
const DefaultMaxConcurrent = 3

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidJobID reports whether id is alphanumeric/hyphen/underscore and at
// most 100 characters.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// JobHandler is the one mandatory capability a pipeline implements.
// RunJob must honor ctx cancellation at its cooperative checkpoints and
// must be idempotent with respect to external side effects when the
// pipeline declares its failures retryable.
type JobHandler interface {
	RunJob(ctx context.Context, job *db.Job) (any, error)
}

// GitHooks is implemented by pipelines that use the wrapper git workflow
// (single commit at the end of a successful job). Pipelines making multiple
// commits per job drive the workflow themselves and leave GitEnabled off.
type GitHooks interface {
	RepoPath(job *db.Job) string
	CommitMessage(job *db.Job) (title, body string)
	PRContext(job *db.Job, commitMessage string) git.PRContext
}

// Workflow is the slice of the git workflow manager the scheduler drives.
type Workflow interface {
	CreateJobBranch(ctx context.Context, repoPath string, opts git.BranchOptions) (string, error)
	CommitChanges(ctx context.Context, repoPath string, opts git.CommitOptions) (string, error)
	PushBranch(ctx context.Context, repoPath, branchName string) error
	CreatePullRequest(ctx context.Context, repoPath string, pr git.PRContext) (string, error)
}

// Config tunes one pipeline's scheduler.
type Config struct {
	PipelineID    string
	MaxConcurrent int
	RetryAttempts int
	RetryDelay    time.Duration
	// Timeout bounds each handler invocation. Zero means no deadline.
	Timeout    time.Duration
	GitEnabled bool
	// Persist disables the write-through store when false (tests).
	Persist bool
}

// Deps are the collaborators a scheduler needs. Store may be nil when
// Config.Persist is false; Git may be nil when Config.GitEnabled is false.
type Deps struct {
	Store   *db.Store
	Bus     *events.Bus
	Clock   clock.Clock
	Retries *retry.Controller
	Git     Workflow
}

// CancelResult reports what CancelJob did.
type CancelResult struct {
	OK     bool   `json:"success"`
	Reason string `json:"reason,omitempty"`
}

// Stats is a point-in-time snapshot of one scheduler.
type Stats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pendingRetries"`
}

// pendingRetry is a first-class delayed successor record, consumed by the
// dispatch loop once FireAt passes. In-memory only: pending retries do not
// survive a restart.
type pendingRetry struct {
	FireAt  time.Time
	ID      string
	Data    map[string]any
	Attempt int
}

// Scheduler owns the job records of one pipeline end to end.
type Scheduler struct {
	cfg     Config
	deps    Deps
	handler JobHandler

	mu              sync.Mutex
	queue           []*db.Job
	jobs            map[string]*db.Job
	active          map[string]context.CancelFunc
	cancelRequested map[string]bool
	delayed         []pendingRetry
	shuttingDown    bool

	paused      atomic.Bool
	initialized atomic.Bool

	wake     chan struct{}
	loopDone chan struct{}
	baseCtx  context.Context
	handlers sync.WaitGroup
	started  bool
}

// New builds a scheduler for one pipeline. Call Start before CreateJob.
func New(cfg Config, deps Deps, handler JobHandler) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Scheduler{
		cfg:             cfg,
		deps:            deps,
		handler:         handler,
		jobs:            make(map[string]*db.Job),
		active:          make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]bool),
		wake:            make(chan struct{}, 1),
		loopDone:        make(chan struct{}),
	}
}

// PipelineID names the pipeline this scheduler serves.
func (s *Scheduler) PipelineID() string { return s.cfg.PipelineID }

// Start launches the dispatch loop. ctx bounds every handler the scheduler
// ever spawns.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.baseCtx = ctx
	s.mu.Unlock()

	go s.loop(ctx)
}

// Initialize performs the idempotent warm-up: the abandoned-jobs sweep.
// Stored jobs still marked running have no process executing them after a
// restart; they become failed with error "abandoned".
func (s *Scheduler) Initialize(ctx context.Context) error {
	if !s.initialized.CompareAndSwap(false, true) {
		return nil
	}
	if !s.cfg.Persist || s.deps.Store == nil {
		return nil
	}
	ids, err := s.deps.Store.MarkAbandoned(ctx, s.cfg.PipelineID, s.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("abandoned sweep for %s: %w", s.cfg.PipelineID, err)
	}
	if len(ids) > 0 {
		slog.Warn("marked abandoned jobs as failed",
			"pipeline", s.cfg.PipelineID, "count", len(ids), "jobs", ids)
	}
	return nil
}

// CreateJob constructs a queued job, persists it, emits job:created, and
// wakes the dispatcher. The ID must be unique for the process lifetime.
func (s *Scheduler) CreateJob(id string, data map[string]any) (*db.Job, error) {
	return s.enqueue(id, data, attemptFromID(id))
}

func (s *Scheduler) enqueue(id string, data map[string]any, retryCount int) (*db.Job, error) {
	if !ValidJobID(id) {
		return nil, retry.Validationf("invalid job id %q", id)
	}

	now := s.deps.Clock.Now()
	job := &db.Job{
		ID:         id,
		PipelineID: s.cfg.PipelineID,
		Status:     db.StatusQueued,
		Data:       data,
		RetryCount: retryCount,
		MaxRetries: s.cfg.RetryAttempts,
		CreatedAt:  now,
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil, fmt.Errorf("create job %s: shutting-down", id)
	}
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("create job %s: %w", id, db.ErrJobExists)
	}
	s.jobs[id] = job
	s.mu.Unlock()

	s.persistInsert(job)
	s.publish(events.JobCreated, job, map[string]any{"status": string(db.StatusQueued)})

	// The job becomes dispatchable only after job:created is out, so a
	// dispatch pass running off an unrelated wake cannot emit job:started
	// first. A cancel landing in between has already finished the job.
	s.mu.Lock()
	if job.Status == db.StatusQueued {
		s.queue = append(s.queue, job)
	}
	s.mu.Unlock()
	s.kick()
	return job.Clone(), nil
}

// CancelJob cancels a queued job immediately and signals cooperative
// cancellation for a running one. Terminal jobs are a no-op.
func (s *Scheduler) CancelJob(id string) CancelResult {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		// Cancelling a not-yet-fired retry removes the pending record.
		for i, p := range s.delayed {
			if p.ID == id {
				s.delayed = append(s.delayed[:i], s.delayed[i+1:]...)
				s.mu.Unlock()
				return CancelResult{OK: true, Reason: "retry-cancelled"}
			}
		}
		s.mu.Unlock()
		return CancelResult{Reason: "not-found"}
	}

	switch job.Status {
	case db.StatusQueued:
		for i, queued := range s.queue {
			if queued.ID == id {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		now := s.deps.Clock.Now()
		job.Status = db.StatusCancelled
		job.CompletedAt = &now
		s.mu.Unlock()

		s.persistTerminal(job)
		s.publish(events.JobCancelled, job, map[string]any{"reason": "cancelled-before-dispatch"})
		s.kick()
		return CancelResult{OK: true}

	case db.StatusRunning:
		s.cancelRequested[id] = true
		cancel := s.active[id]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return CancelResult{OK: true, Reason: "cancel-requested"}

	default:
		s.mu.Unlock()
		return CancelResult{Reason: "already-terminal"}
	}
}

// CancelRequested reports whether a cooperative cancel is pending for id.
// Handlers may poll it between checkpoints in addition to watching ctx.
func (s *Scheduler) CancelRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested[id]
}

// GetJob returns a snapshot of one job.
func (s *Scheduler) GetJob(id string) (*db.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// GetAllJobs returns snapshots of every job known to this scheduler, in
// creation order.
func (s *Scheduler) GetAllJobs() []*db.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// GetStats counts jobs by lifecycle state.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.jobs), Pending: len(s.delayed)}
	for _, job := range s.jobs {
		switch job.Status {
		case db.StatusQueued:
			st.Queued++
		case db.StatusRunning:
			st.Active++
		case db.StatusCompleted:
			st.Completed++
		case db.StatusFailed:
			st.Failed++
		case db.StatusCancelled:
			st.Cancelled++
		}
	}
	return st
}

// Progress records cooperative progress from a running handler and patches
// the store best-effort.
func (s *Scheduler) Progress(jobID string, pct int, operation string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok {
		job.Progress = pct
		job.CurrentOperation = operation
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.persistPatch(jobID, db.Patch{Progress: &pct, CurrentOperation: &operation})
}

// Pause suspends dispatch without draining active jobs.
func (s *Scheduler) Pause() { s.SetPaused(true) }

// Resume re-enables dispatch.
func (s *Scheduler) Resume() { s.SetPaused(false) }

// SetPaused flips the pause flag and announces the new state.
func (s *Scheduler) SetPaused(paused bool) {
	if s.paused.Swap(paused) == paused {
		return
	}
	status := "running"
	if paused {
		status = "paused"
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.Event{
			Topic:      events.PipelineStatus,
			PipelineID: s.cfg.PipelineID,
			Payload:    map[string]any{"status": status},
		})
	}
	if !paused {
		s.kick()
	}
}

// Paused reports the dispatch pause flag.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Shutdown stops dispatch, rejects new jobs, and waits for active handlers
// to drain until ctx expires. Pending retries are dropped.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	s.delayed = nil
	started := s.started
	s.mu.Unlock()
	s.kick()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown %s: %w", s.cfg.PipelineID, ctx.Err())
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		s.dispatch(ctx)

		var timerC <-chan time.Time
		wait, ok := s.nextRetryWait()
		if ok {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if ok && !timer.Stop() {
				<-timer.C
			}
			return
		case <-s.wake:
			if ok && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timerC:
		}
	}
}

// nextRetryWait returns how long until the earliest pending retry fires.
func (s *Scheduler) nextRetryWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delayed) == 0 {
		return 0, false
	}
	earliest := s.delayed[0].FireAt
	for _, p := range s.delayed[1:] {
		if p.FireAt.Before(earliest) {
			earliest = p.FireAt
		}
	}
	wait := time.Until(earliest)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, true
}

// dispatch releases due retries into the queue, then starts queued jobs
// while capacity allows. All queue/active mutations happen here or in
// CancelJob, serialized by s.mu.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.releaseDueRetries()

	for {
		if s.paused.Load() {
			return
		}

		s.mu.Lock()
		if s.shuttingDown || len(s.queue) == 0 || len(s.active) >= s.cfg.MaxConcurrent {
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]

		now := s.deps.Clock.Now()
		job.Status = db.StatusRunning
		job.StartedAt = &now

		var jobCtx context.Context
		var cancel context.CancelFunc
		if s.cfg.Timeout > 0 {
			jobCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		} else {
			jobCtx, cancel = context.WithCancel(ctx)
		}
		s.active[job.ID] = cancel
		s.handlers.Add(1)
		s.mu.Unlock()

		s.persistPatch(job.ID, db.Patch{Status: statusPtr(db.StatusRunning), StartedAt: &now})
		s.publish(events.JobStarted, job, nil)

		go s.runJob(jobCtx, cancel, job)
	}
}

func (s *Scheduler) releaseDueRetries() {
	now := s.deps.Clock.Now()

	s.mu.Lock()
	var due []pendingRetry
	remaining := s.delayed[:0]
	for _, p := range s.delayed {
		if !p.FireAt.After(now) {
			due = append(due, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	s.delayed = remaining
	s.mu.Unlock()

	for _, p := range due {
		if _, err := s.enqueue(p.ID, p.Data, p.Attempt); err != nil {
			slog.Warn("enqueue retry successor failed",
				"pipeline", s.cfg.PipelineID, "job", p.ID, "err", err)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, cancel context.CancelFunc, job *db.Job) {
	defer s.handlers.Done()
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "pipeline", s.cfg.PipelineID,
				"job", job.ID, "panic", r, "stack", string(debug.Stack()))
			s.finishFailed(job, fmt.Errorf("handler panic: %v", r), string(debug.Stack()))
		}
		s.release(job.ID)
	}()

	hooks, _ := s.handler.(GitHooks)
	gitEnabled := s.cfg.GitEnabled && s.deps.Git != nil && hooks != nil

	if gitEnabled {
		branch, err := s.deps.Git.CreateJobBranch(ctx, hooks.RepoPath(job), git.BranchOptions{
			JobID:       job.ID,
			JobType:     s.cfg.PipelineID,
			Description: stringField(job.Data, "description"),
		})
		if err != nil {
			s.finishFailed(job, fmt.Errorf("create job branch: %w", err), "")
			return
		}
		s.mu.Lock()
		if job.Git == nil {
			job.Git = &db.GitInfo{}
		}
		job.Git.BranchName = branch
		s.mu.Unlock()
	}

	result, err := s.handler.RunJob(ctx, job)
	if err != nil {
		if s.CancelRequested(job.ID) && isCancellation(err) {
			s.finishCancelled(job)
			return
		}
		s.finishFailed(job, err, "")
		return
	}

	s.finishCompleted(job, result)

	if gitEnabled {
		s.finishGitWorkflow(ctx, hooks, job)
	}
}

func (s *Scheduler) finishCompleted(job *db.Job, result any) {
	ignoredCancel := s.CancelRequested(job.ID)

	now := s.deps.Clock.Now()
	s.mu.Lock()
	job.Status = db.StatusCompleted
	job.Result = result
	job.CompletedAt = &now
	job.Progress = 100
	if job.StartedAt != nil {
		job.Duration = now.Sub(*job.StartedAt).Milliseconds()
	}
	s.mu.Unlock()

	if s.deps.Retries != nil {
		s.deps.Retries.OnSuccess(job.ID)
	}
	s.persistTerminal(job)
	s.publish(events.JobCompleted, job, map[string]any{"durationMs": job.Duration})
	if ignoredCancel {
		s.publish(events.CancelIgnored, job, map[string]any{
			"note": "handler completed despite cancel request",
		})
	}
}

func (s *Scheduler) finishCancelled(job *db.Job) {
	now := s.deps.Clock.Now()
	s.mu.Lock()
	job.Status = db.StatusCancelled
	job.CompletedAt = &now
	if job.StartedAt != nil {
		job.Duration = now.Sub(*job.StartedAt).Milliseconds()
	}
	s.mu.Unlock()

	s.persistTerminal(job)
	s.publish(events.JobCancelled, job, map[string]any{"reason": "cancelled-while-running"})
}

func (s *Scheduler) finishFailed(job *db.Job, cause error, stack string) {
	cls := retry.Classify(cause)

	now := s.deps.Clock.Now()
	s.mu.Lock()
	if job.Status.Terminal() {
		// A panic after the terminal transition must not rewrite history.
		s.mu.Unlock()
		return
	}
	retryable := cls.Retryable
	job.Status = db.StatusFailed
	job.CompletedAt = &now
	job.Error = &db.Failure{
		Message:   cause.Error(),
		Code:      cls.Code,
		Stack:     stack,
		Retryable: &retryable,
		Category:  string(cls.Category),
	}
	if job.StartedAt != nil {
		job.Duration = now.Sub(*job.StartedAt).Milliseconds()
	}
	s.mu.Unlock()

	s.persistTerminal(job)
	s.publish(events.JobFailed, job, map[string]any{
		"error":     cause.Error(),
		"category":  string(cls.Category),
		"retryable": retryable,
	})

	if s.deps.Retries != nil {
		s.deps.Retries.OnFailure(retry.FailedJob{
			JobID:       job.ID,
			PipelineID:  s.cfg.PipelineID,
			Data:        job.Data,
			Cause:       cause,
			MaxAttempts: s.cfg.RetryAttempts,
			BaseDelay:   s.cfg.RetryDelay,
		}, s.scheduleRetry)
	}
}

// scheduleRetry records a delayed successor; the dispatch loop enqueues it
// once the delay elapses.
func (s *Scheduler) scheduleRetry(id string, data map[string]any, delay time.Duration) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.delayed = append(s.delayed, pendingRetry{
		FireAt:  s.deps.Clock.Now().Add(delay),
		ID:      id,
		Data:    data,
		Attempt: attemptFromID(id),
	})
	s.mu.Unlock()
	s.kick()
}

// finishGitWorkflow runs commit, push, and PR creation after a successful
// handler. Failures here never fail the job; they surface as pr:failed.
func (s *Scheduler) finishGitWorkflow(ctx context.Context, hooks GitHooks, job *db.Job) {
	repoPath := hooks.RepoPath(job)
	title, body := hooks.CommitMessage(job)
	message := title
	if body != "" {
		message = title + "\n\n" + body
	}

	sha, err := s.deps.Git.CommitChanges(ctx, repoPath, git.CommitOptions{
		Message: message,
		JobID:   job.ID,
	})
	if err != nil {
		if isNothingToCommit(err) {
			slog.Info("git workflow: nothing to commit", "job", job.ID)
			return
		}
		s.gitWorkflowFailed(job, "commit", err)
		return
	}

	s.mu.Lock()
	branch := ""
	if job.Git != nil {
		job.Git.Commits = append(job.Git.Commits, sha)
		branch = job.Git.BranchName
	}
	s.mu.Unlock()

	if err := s.deps.Git.PushBranch(ctx, repoPath, branch); err != nil {
		s.gitWorkflowFailed(job, "push", err)
		return
	}

	prURL, err := s.deps.Git.CreatePullRequest(ctx, repoPath, hooks.PRContext(job, message))
	if err != nil {
		s.gitWorkflowFailed(job, "pull-request", err)
		return
	}
	if prURL == "" {
		s.persistGit(job)
		return
	}

	s.mu.Lock()
	if job.Git != nil {
		job.Git.PullRequestURL = prURL
	}
	s.mu.Unlock()

	s.persistGit(job)
	s.publish(events.PRCreated, job, map[string]any{"url": prURL, "branch": branch})
}

func (s *Scheduler) gitWorkflowFailed(job *db.Job, stage string, err error) {
	slog.Warn("git workflow failed", "pipeline", s.cfg.PipelineID,
		"job", job.ID, "stage", stage, "err", err)
	s.persistGit(job)
	s.publish(events.PRFailed, job, map[string]any{"stage": stage, "error": err.Error()})
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	delete(s.cancelRequested, id)
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) publish(topic events.Topic, job *db.Job, extra map[string]any) {
	if s.deps.Bus == nil {
		return
	}
	payload := map[string]any{}
	for k, v := range extra {
		payload[k] = v
	}
	s.deps.Bus.Publish(events.Event{
		Topic:      topic,
		Time:       s.deps.Clock.Now(),
		JobID:      job.ID,
		PipelineID: s.cfg.PipelineID,
		Payload:    payload,
	})
}

func (s *Scheduler) persistInsert(job *db.Job) {
	if !s.cfg.Persist || s.deps.Store == nil {
		return
	}
	s.mu.Lock()
	snapshot := job.Clone()
	s.mu.Unlock()
	if err := s.deps.Store.InsertJob(context.Background(), snapshot); err != nil {
		// The job still runs; the inconsistency shows up after restart as
		// a forgotten run.
		s.warnPersist("insert", job.ID, err)
	}
}

func (s *Scheduler) persistTerminal(job *db.Job) {
	s.mu.Lock()
	patch := db.Patch{
		Status:      statusPtr(job.Status),
		CompletedAt: job.CompletedAt,
		Duration:    &job.Duration,
		Progress:    &job.Progress,
	}
	if job.StartedAt != nil {
		patch.StartedAt = job.StartedAt
	}
	if job.Error != nil {
		e := *job.Error
		patch.Error = &e
	}
	if job.Status == db.StatusCompleted {
		patch.Result = job.Result
		patch.HasResult = true
	}
	if job.Git != nil {
		g := *job.Git
		patch.Git = &g
	}
	id := job.ID
	s.mu.Unlock()

	s.persistPatch(id, patch)
}

func (s *Scheduler) persistGit(job *db.Job) {
	s.mu.Lock()
	var patch db.Patch
	if job.Git != nil {
		g := *job.Git
		g.Commits = append([]string(nil), job.Git.Commits...)
		patch.Git = &g
	}
	id := job.ID
	s.mu.Unlock()
	if patch.Git == nil {
		return
	}
	s.persistPatch(id, patch)
}

func (s *Scheduler) persistPatch(id string, patch db.Patch) {
	if !s.cfg.Persist || s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.UpdateJob(context.Background(), id, patch); err != nil {
		s.warnPersist("update", id, err)
	}
}

// warnPersist logs a storage failure and emits a warning event. Persistence
// failures never affect in-memory correctness.
func (s *Scheduler) warnPersist(op, jobID string, err error) {
	slog.Warn("job persistence failed", "pipeline", s.cfg.PipelineID,
		"job", jobID, "op", op, "err", err)
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(events.Event{
			Topic:      events.PipelineStatus,
			JobID:      jobID,
			PipelineID: s.cfg.PipelineID,
			Payload:    map[string]any{"warning": "persistence-failed", "op": op, "error": err.Error()},
		})
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || retry.IsCancelled(err)
}

func isNothingToCommit(err error) bool {
	return errors.Is(err, git.ErrNothingToCommit)
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func statusPtr(st db.Status) *db.Status { return &st }

// attemptFromID parses the trailing -retry{N} suffix, if any.
func attemptFromID(id string) int {
	orig := retry.OriginalID(id)
	if orig == id {
		return 0
	}
	rest := id[len(orig)+len("-retry"):]
	n := 0
	for _, r := range rest {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
