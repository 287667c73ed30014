package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sidequest/internal/clock"
	"sidequest/internal/db"
	"sidequest/internal/gitstats"
	"sidequest/internal/retry"
	"sidequest/internal/scheduler"
)

const (
	defaultWindowDays      = 7
	maxWindowDays          = 365
	activityParallelism    = 4
	activityReportFileMode = 0o644
)

// GitActivityWorker summarizes recent commit activity across every git
// repository found under the configured roots.
type GitActivityWorker struct {
	env   Env
	sched *scheduler.Scheduler
	// roots are the default search directories when a job names none.
	roots []string
}

// NewGitActivityWorker builds the pipeline with the given default roots.
func NewGitActivityWorker(env Env, roots []string) *GitActivityWorker {
	w := &GitActivityWorker{env: env, roots: roots}
	w.sched = env.newScheduler(PipelineGitActivity, w, false)
	return w
}

func (w *GitActivityWorker) PipelineID() string              { return PipelineGitActivity }
func (w *GitActivityWorker) Scheduler() *scheduler.Scheduler { return w.sched }

func (w *GitActivityWorker) Initialize(ctx context.Context) error {
	return w.sched.Initialize(ctx)
}

// Trigger creates a job from API parameters: roots (default: the
// configured search dirs), windowDays (default 7), reportPath.
func (w *GitActivityWorker) Trigger(ctx context.Context, params map[string]any) (*db.Job, error) {
	roots := stringsParam(params, "roots")
	if len(roots) == 0 {
		roots = w.roots
	}
	if len(roots) == 0 {
		return nil, retry.Validationf("roots are required")
	}

	windowDays := defaultWindowDays
	if v, ok := params["windowDays"].(float64); ok {
		windowDays = int(v)
	} else if v, ok := params["windowDays"].(int); ok {
		windowDays = v
	}
	if windowDays < 1 || windowDays > maxWindowDays {
		return nil, retry.Validationf("windowDays must be between 1 and %d", maxWindowDays)
	}

	data := map[string]any{
		"roots":      roots,
		"windowDays": windowDays,
	}
	if p := stringParam(params, "reportPath"); p != "" {
		data["reportPath"] = p
	}
	return w.sched.CreateJob(clock.NewID(w.env.Clock, "activity"), data)
}

// RunJob discovers repositories, analyzes the commit window, and writes
// a markdown report when the job asks for one.
func (w *GitActivityWorker) RunJob(ctx context.Context, job *db.Job) (any, error) {
	roots := stringsField(job.Data, "roots")
	if len(roots) == 0 {
		return nil, retry.Validationf("job %s: roots are required", job.ID)
	}

	windowDays := defaultWindowDays
	switch v := job.Data["windowDays"].(type) {
	case float64:
		windowDays = int(v)
	case int:
		windowDays = v
	}

	w.sched.Progress(job.ID, 10, "discovering repositories")
	repos, err := gitstats.DiscoverRepos(roots)
	if err != nil {
		return nil, fmt.Errorf("discover repositories: %w", err)
	}
	if len(repos) == 0 {
		return nil, retry.NotFoundf("no git repositories under %v", roots)
	}

	end := w.env.Clock.Now()
	start := end.Add(-time.Duration(windowDays) * 24 * time.Hour)

	w.sched.Progress(job.ID, 30, fmt.Sprintf("analyzing %d repositories", len(repos)))
	report, err := gitstats.Analyze(ctx, repos, start, end, activityParallelism)
	if err != nil {
		return nil, fmt.Errorf("analyze activity: %w", err)
	}

	result := map[string]any{
		"windowDays":   windowDays,
		"windowStart":  report.WindowStart,
		"windowEnd":    report.WindowEnd,
		"totalCommits": report.TotalCommits,
		"activeRepos":  report.ActiveRepos,
		"scannedRepos": len(repos),
		"languages":    report.Languages,
	}

	if path := stringField(job.Data, "reportPath"); path != "" {
		w.sched.Progress(job.ID, 80, "writing report")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create report dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(report.Markdown()), activityReportFileMode); err != nil {
			return nil, fmt.Errorf("write report: %w", err)
		}
		result["reportPath"] = path
	}

	return result, nil
}
