package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sidequest/internal/clock"
	"sidequest/internal/db"
	"sidequest/internal/proc"
	"sidequest/internal/retry"
	"sidequest/internal/scheduler"
)

const (
	repomixBinary           = "repomix"
	repomixPreflightTimeout = 30 * time.Second
)

// RepomixWorker packages repositories with the external repomix tool.
type RepomixWorker struct {
	env   Env
	sched *scheduler.Scheduler
	// outputDir mirrors packed output; job data may override per job.
	outputDir string
}

// NewRepomixWorker builds the repomix pipeline.
func NewRepomixWorker(env Env, outputDir string) *RepomixWorker {
	w := &RepomixWorker{env: env, outputDir: outputDir}
	w.sched = env.newScheduler(PipelineRepomix, w, false)
	return w
}

func (w *RepomixWorker) PipelineID() string              { return PipelineRepomix }
func (w *RepomixWorker) Scheduler() *scheduler.Scheduler { return w.sched }

// Initialize verifies repomix is runnable. A preflight timeout is
// tolerated: under load the tool can be slow to answer --version, and
// failing startup for that would ground an otherwise healthy pipeline.
func (w *RepomixWorker) Initialize(ctx context.Context) error {
	if err := w.sched.Initialize(ctx); err != nil {
		return err
	}

	_, err := proc.Run(ctx, repomixBinary, []string{"--version"}, proc.Options{
		Timeout: repomixPreflightTimeout,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("repomix preflight timed out, continuing", "err", err)
			return nil
		}
		return fmt.Errorf("repomix preflight: %w", err)
	}
	return nil
}

// Trigger creates a job from API parameters: targetDir (required),
// outputPath, additionalIgnores, noGitignore.
func (w *RepomixWorker) Trigger(ctx context.Context, params map[string]any) (*db.Job, error) {
	target := stringParam(params, "targetDir")
	if target == "" {
		return nil, retry.Validationf("targetDir is required")
	}
	return w.CreateRepomixJob(target, stringParam(params, "outputPath"),
		stringsParam(params, "additionalIgnores"))
}

// CreateRepomixJob queues one packaging run.
func (w *RepomixWorker) CreateRepomixJob(targetDir, outputPath string, additionalIgnores []string) (*db.Job, error) {
	data := map[string]any{"targetDir": targetDir}
	if outputPath != "" {
		data["outputPath"] = outputPath
	}
	if len(additionalIgnores) > 0 {
		data["additionalIgnores"] = additionalIgnores
	}
	return w.sched.CreateJob(clock.NewID(w.env.Clock, PipelineRepomix), data)
}

// RunJob validates the target, spawns repomix, and records where the
// output landed.
func (w *RepomixWorker) RunJob(ctx context.Context, job *db.Job) (any, error) {
	target := stringField(job.Data, "targetDir")
	if target == "" {
		return nil, retry.Validationf("job %s: targetDir is required", job.ID)
	}

	// Temp directories vanish mid-sweep; checking up front turns an
	// opaque spawn error into a clean not-found.
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, retry.NotFoundf("target directory %s does not exist", target)
		}
		return nil, fmt.Errorf("stat target %s: %w", target, err)
	}
	if !info.IsDir() {
		return nil, retry.Validationf("target %s is not a directory", target)
	}

	outputPath := stringField(job.Data, "outputPath")
	if outputPath == "" {
		outputPath = w.mirroredOutputPath(target)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	w.sched.Progress(job.ID, 10, "packing "+filepath.Base(target))

	args := []string{"--output", outputPath}
	if ignores := stringsField(job.Data, "additionalIgnores"); len(ignores) > 0 {
		args = append(args, "--ignore", strings.Join(ignores, ","))
	}

	settings := w.env.Cfg.PipelineSettings(PipelineRepomix)
	res, err := proc.Run(ctx, repomixBinary, args, proc.Options{
		Dir:     target,
		Timeout: settings.Timeout,
	})
	if err != nil {
		return nil, classifyRepomixFailure(err, res)
	}

	w.sched.Progress(job.ID, 90, "verifying output")
	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("repomix produced no output at %s: %w", outputPath, err)
	}

	return map[string]any{
		"outputPath": outputPath,
		"bytes":      outInfo.Size(),
		"durationMs": res.Duration.Milliseconds(),
	}, nil
}

func (w *RepomixWorker) mirroredOutputPath(target string) string {
	base := filepath.Base(filepath.Clean(target))
	dir := w.outputDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "sidequest-repomix")
	}
	return filepath.Join(dir, base+".repomix.md")
}

// classifyRepomixFailure maps spawn failures and stderr patterns onto the
// retry taxonomy. A vanished working directory is not retryable.
func classifyRepomixFailure(err error, res *proc.Result) error {
	var procErr *proc.Error
	if !errors.As(err, &procErr) {
		return err
	}
	if procErr.TimedOut {
		return retry.NewJobError(retry.CategoryTimeout, "REPOMIX_TIMEOUT", err)
	}

	stderr := strings.ToLower(procErr.StderrTail)
	switch {
	case strings.Contains(stderr, "uv_cwd") || strings.Contains(stderr, "getcwd"):
		noRetry := false
		return &retry.JobError{Category: retry.CategorySpawnFailure, Code: "ENOENT",
			Retryable: &noRetry,
			Err:       fmt.Errorf("working directory disappeared: %w", err)}
	case strings.Contains(stderr, "enoent") || strings.Contains(stderr, "no such file"):
		return retry.NewJobError(retry.CategoryNotFound, "ENOENT", err)
	case strings.Contains(stderr, "eacces") || strings.Contains(stderr, "permission denied"):
		return retry.NewJobError(retry.CategoryPermission, "EACCES", err)
	case strings.Contains(stderr, "rate limit"):
		return retry.NewJobError(retry.CategoryRateLimit, "", err)
	default:
		return err
	}
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func stringsField(data map[string]any, key string) []string {
	return stringsParam(data, key)
}

func boolField(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}
