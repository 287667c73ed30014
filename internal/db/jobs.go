package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (st Status) Terminal() bool {
	switch st {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether st names a known lifecycle state.
func ValidStatus(st Status) bool {
	switch st {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidTransitions defines the allowed state machine edges. Retries never
// reuse a job: running -> queued does not exist.
var ValidTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range ValidTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Failure is the persisted shape of a job error.
type Failure struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
	Category  string `json:"category,omitempty"`
}

// GitInfo records what the git workflow did for a job.
type GitInfo struct {
	BranchName     string   `json:"branchName,omitempty"`
	Commits        []string `json:"commits,omitempty"`
	PullRequestURL string   `json:"pullRequestUrl,omitempty"`
}

// Job is one unit of pipeline work.
type Job struct {
	ID               string         `json:"id"`
	PipelineID       string         `json:"pipelineId"`
	Status           Status         `json:"status"`
	Data             map[string]any `json:"data,omitempty"`
	Result           any            `json:"result,omitempty"`
	Error            *Failure       `json:"error,omitempty"`
	RetryCount       int            `json:"retryCount"`
	MaxRetries       int            `json:"maxRetries"`
	CreatedAt        time.Time      `json:"createdAt"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	Duration         int64          `json:"duration,omitempty"`
	Progress         int            `json:"progress"`
	CurrentOperation string         `json:"currentOperation,omitempty"`
	Git              *GitInfo       `json:"git,omitempty"`
}

// Clone returns a deep-enough copy for handing snapshots to readers.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	if j.Git != nil {
		g := *j.Git
		g.Commits = append([]string(nil), j.Git.Commits...)
		cp.Git = &g
	}
	return &cp
}

const jobColumns = `id, pipeline_id, status, created_at, started_at, completed_at,
       duration, progress, COALESCE(current_operation,''), COALESCE(error,''),
       COALESCE(error_type,''), retry_count, max_retries,
       COALESCE(data,''), COALESCE(result,''), COALESCE(git,'')`

// InsertJob stores a new job. Returns ErrJobExists when the ID is taken.
func (s *Store) InsertJob(ctx context.Context, job *Job) error {
	if job.ID == "" || job.PipelineID == "" {
		return fmt.Errorf("insert job: id and pipeline are required")
	}
	if !ValidStatus(job.Status) {
		return fmt.Errorf("insert job %s: invalid status %q", job.ID, job.Status)
	}

	data, result, git, err := encodeBlobs(job)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	var errMsg, errType string
	if job.Error != nil {
		errMsg, errType = job.Error.Message, job.Error.Category
	}

	const q = `INSERT INTO jobs(id, pipeline_id, status, created_at, started_at, completed_at,
                duration, progress, current_operation, error, error_type,
                retry_count, max_retries, data, result, git)
               VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = s.Writer.ExecContext(ctx, q,
		job.ID, job.PipelineID, string(job.Status),
		timeText(job.CreatedAt), timeTextPtr(job.StartedAt), timeTextPtr(job.CompletedAt),
		job.Duration, job.Progress, job.CurrentOperation, errMsg, errType,
		job.RetryCount, job.MaxRetries, data, result, git)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return ErrJobExists
		}
		return storageErr("insert", err)
	}
	return nil
}

// Patch is a partial update of a job's mutable fields. ID, pipeline,
// creation time, and input data are immutable after insert.
type Patch struct {
	Status           *Status
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Duration         *int64
	Progress         *int
	CurrentOperation *string
	Error            *Failure
	ClearError       bool
	Result           any
	HasResult        bool
	RetryCount       *int
	Git              *GitInfo
}

// UpdateJob applies a partial update. Returns ErrJobNotFound when no row
// matches.
func (s *Store) UpdateJob(ctx context.Context, id string, p Patch) error {
	var sets []string
	var args []any

	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if p.Status != nil {
		if !ValidStatus(*p.Status) {
			return fmt.Errorf("update job %s: invalid status %q", id, *p.Status)
		}
		add("status", string(*p.Status))
	}
	if p.StartedAt != nil {
		add("started_at", timeText(*p.StartedAt))
	}
	if p.CompletedAt != nil {
		add("completed_at", timeText(*p.CompletedAt))
	}
	if p.Duration != nil {
		add("duration", *p.Duration)
	}
	if p.Progress != nil {
		add("progress", *p.Progress)
	}
	if p.CurrentOperation != nil {
		add("current_operation", *p.CurrentOperation)
	}
	if p.Error != nil {
		add("error", p.Error.Message)
		add("error_type", p.Error.Category)
	} else if p.ClearError {
		add("error", nil)
		add("error_type", nil)
	}
	if p.HasResult {
		blob, err := json.Marshal(p.Result)
		if err != nil {
			return fmt.Errorf("update job %s: encode result: %w", id, err)
		}
		add("result", string(blob))
	}
	if p.RetryCount != nil {
		add("retry_count", *p.RetryCount)
	}
	if p.Git != nil {
		blob, err := json.Marshal(p.Git)
		if err != nil {
			return fmt.Errorf("update job %s: encode git: %w", id, err)
		}
		add("git", string(blob))
	}

	if len(sets) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	args = append(args, id)
	res, err := s.Writer.ExecContext(ctx, q, args...)
	if err != nil {
		return storageErr("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetJob loads one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	q := fmt.Sprintf("SELECT %s FROM jobs WHERE id = ?", jobColumns)
	job, err := scanJob(s.Reader.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, storageErr("get", err)
	}
	return job, nil
}

// ListOptions filters and paginates job listings.
type ListOptions struct {
	PipelineID string
	Status     Status
	Limit      int
	Offset     int
}

// ListJobs returns jobs newest-first by start time, falling back to creation
// time for jobs that never ran.
func (s *Store) ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error) {
	q := fmt.Sprintf("SELECT %s FROM jobs", jobColumns)
	where, args := listFilter(opts)
	q += where
	q += " ORDER BY COALESCE(started_at, created_at) DESC, id DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

// CountJobs returns the number of jobs matching the same filter ListJobs
// would apply, ignoring pagination.
func (s *Store) CountJobs(ctx context.Context, opts ListOptions) (int, error) {
	q := "SELECT COUNT(*) FROM jobs"
	where, args := listFilter(opts)
	q += where

	var n int
	if err := s.Reader.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

func listFilter(opts ListOptions) (string, []any) {
	var conds []string
	var args []any
	if opts.PipelineID != "" {
		conds = append(conds, "pipeline_id = ?")
		args = append(args, opts.PipelineID)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(opts.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ImportResult summarizes a BulkImport call.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// BulkImport inserts records inside one transaction, skipping IDs that
// already exist. Re-importing the same batch is a no-op: every record
// reports as skipped.
func (s *Store) BulkImport(ctx context.Context, records []*Job) (ImportResult, error) {
	var res ImportResult

	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return res, storageErr("bulk-import", err)
	}
	defer tx.Rollback()

	const q = `INSERT OR IGNORE INTO jobs(id, pipeline_id, status, created_at, started_at, completed_at,
                duration, progress, current_operation, error, error_type,
                retry_count, max_retries, data, result, git)
               VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return res, storageErr("bulk-import", err)
	}
	defer stmt.Close()

	for _, job := range records {
		if job.ID == "" || job.PipelineID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("record missing id or pipeline (id=%q)", job.ID))
			continue
		}
		if !ValidStatus(job.Status) {
			res.Errors = append(res.Errors, fmt.Sprintf("record %s: invalid status %q", job.ID, job.Status))
			continue
		}
		data, result, git, err := encodeBlobs(job)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("record %s: %v", job.ID, err))
			continue
		}
		var errMsg, errType string
		if job.Error != nil {
			errMsg, errType = job.Error.Message, job.Error.Category
		}
		r, err := stmt.ExecContext(ctx,
			job.ID, job.PipelineID, string(job.Status),
			timeText(job.CreatedAt), timeTextPtr(job.StartedAt), timeTextPtr(job.CompletedAt),
			job.Duration, job.Progress, job.CurrentOperation, errMsg, errType,
			job.RetryCount, job.MaxRetries, data, result, git)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("record %s: %v", job.ID, err))
			continue
		}
		n, _ := r.RowsAffected()
		if n == 0 {
			res.Skipped++
		} else {
			res.Imported++
		}
	}

	if err := tx.Commit(); err != nil {
		return ImportResult{}, storageErr("bulk-import", err)
	}
	return res, nil
}

// MarkAbandoned fails any stored running jobs. Called during startup: a job
// that is still "running" in storage has no process executing it. Pass an
// empty pipeline to sweep every pipeline.
func (s *Store) MarkAbandoned(ctx context.Context, pipelineID string, now time.Time) ([]string, error) {
	q := `UPDATE jobs
          SET status = 'failed', error = 'abandoned', error_type = 'abandoned', completed_at = ?
          WHERE status = 'running'`
	args := []any{timeText(now)}
	if pipelineID != "" {
		q += " AND pipeline_id = ?"
		args = append(args, pipelineID)
	}
	q += " RETURNING id"

	rows, err := s.Writer.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("mark-abandoned", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("mark-abandoned", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                    Job
		status                 string
		createdAt              string
		startedAt, completedAt sql.NullString
		duration               sql.NullInt64
		errMsg, errType        string
		dataText, resultText   string
		gitText                string
	)
	if err := row.Scan(
		&job.ID, &job.PipelineID, &status, &createdAt, &startedAt, &completedAt,
		&duration, &job.Progress, &job.CurrentOperation, &errMsg, &errType,
		&job.RetryCount, &job.MaxRetries, &dataText, &resultText, &gitText,
	); err != nil {
		return nil, err
	}

	job.Status = Status(status)
	created, err := parseTimeText(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", job.ID, err)
	}
	job.CreatedAt = created
	if startedAt.Valid && startedAt.String != "" {
		t, err := parseTimeText(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", job.ID, err)
		}
		job.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t, err := parseTimeText(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at for %s: %w", job.ID, err)
		}
		job.CompletedAt = &t
	}
	if duration.Valid {
		job.Duration = duration.Int64
	}
	if errMsg != "" || errType != "" {
		job.Error = &Failure{Message: errMsg, Category: errType}
	}
	if dataText != "" {
		if err := json.Unmarshal([]byte(dataText), &job.Data); err != nil {
			return nil, fmt.Errorf("decode data for %s: %w", job.ID, err)
		}
	}
	if resultText != "" {
		if err := json.Unmarshal([]byte(resultText), &job.Result); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", job.ID, err)
		}
	}
	if gitText != "" {
		var gi GitInfo
		if err := json.Unmarshal([]byte(gitText), &gi); err != nil {
			return nil, fmt.Errorf("decode git for %s: %w", job.ID, err)
		}
		job.Git = &gi
	}
	return &job, nil
}

func encodeBlobs(job *Job) (data, result, git any, err error) {
	if job.Data != nil {
		blob, err := json.Marshal(job.Data)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode data: %w", err)
		}
		data = string(blob)
	}
	if job.Result != nil {
		blob, err := json.Marshal(job.Result)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(blob)
	}
	if job.Git != nil {
		blob, err := json.Marshal(job.Git)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode git: %w", err)
		}
		git = string(blob)
	}
	return data, result, git, nil
}
