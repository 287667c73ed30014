// Package pipeline binds concrete workers (repomix, duplicate-detection,
// schema-enhancement, git-activity) onto the shared scheduler runtime and
// exposes the registry the API and daemon dispatch through.
package pipeline

import (
	"context"

	"sidequest/internal/clock"
	"sidequest/internal/config"
	"sidequest/internal/db"
	"sidequest/internal/events"
	"sidequest/internal/git"
	"sidequest/internal/retry"
	"sidequest/internal/scheduler"
)

// Pipeline IDs.
const (
	PipelineRepomix     = "repomix"
	PipelineDuplicates  = "duplicate-detection"
	PipelineSchema      = "schema-enhancement"
	PipelineGitActivity = "git-activity"
)

// Worker is one pipeline bound into the registry. Workers compose a
// scheduler; they never subclass it.
type Worker interface {
	PipelineID() string
	Scheduler() *scheduler.Scheduler
	// Initialize is the idempotent warm-up (preflight checks, config
	// loads, the abandoned-jobs sweep).
	Initialize(ctx context.Context) error
	// Trigger creates a job from API-supplied parameters.
	Trigger(ctx context.Context, params map[string]any) (*db.Job, error)
}

// Env carries the shared collaborators every worker needs.
type Env struct {
	Cfg     *config.Config
	Store   *db.Store
	Bus     *events.Bus
	Clock   clock.Clock
	Retries *retry.Controller
	Git     *git.Workflow
}

// newScheduler builds a scheduler for pipelineID from the resolved config,
// wiring handler as the job handler. gitWrapped selects the wrapper git
// workflow; pipelines that commit more than once per job leave it false
// and drive the workflow themselves.
func (e Env) newScheduler(pipelineID string, handler scheduler.JobHandler, gitWrapped bool) *scheduler.Scheduler {
	settings := e.Cfg.PipelineSettings(pipelineID)
	cfg := scheduler.Config{
		PipelineID:    pipelineID,
		MaxConcurrent: settings.MaxConcurrent,
		RetryAttempts: settings.RetryAttempts,
		RetryDelay:    settings.RetryDelay,
		Timeout:       settings.Timeout,
		GitEnabled:    gitWrapped && settings.EnableGitWorkflow,
		Persist:       e.Store != nil,
	}
	deps := scheduler.Deps{
		Store:   e.Store,
		Bus:     e.Bus,
		Clock:   e.Clock,
		Retries: e.Retries,
	}
	if e.Git != nil {
		deps.Git = e.Git
	}
	return scheduler.New(cfg, deps, handler)
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
