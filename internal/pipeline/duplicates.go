package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"sidequest/internal/clock"
	"sidequest/internal/db"
	"sidequest/internal/events"
	"sidequest/internal/retry"
	"sidequest/internal/scan"
	"sidequest/internal/scheduler"
)

// Scan types accepted in job data.
const (
	ScanInter = "inter"
	ScanIntra = "intra"
)

// tagTest marks repositories whose scans never update history. Fixtures
// get scanned during tests without polluting the schedule.
const tagTest = "test"

// DuplicateWorker runs the duplicate-detection pipeline: scheduled and
// on-demand scans of the configured repositories, intra-project or
// across the whole set.
type DuplicateWorker struct {
	env   Env
	sched *scheduler.Scheduler
	repos *RepoStore
	opts  scan.Options
}

// NewDuplicateWorker builds the pipeline on top of the repository store
// at the configured path.
func NewDuplicateWorker(env Env) (*DuplicateWorker, error) {
	repos, err := OpenRepoStore(env.Cfg.ReposFile)
	if err != nil {
		return nil, fmt.Errorf("open repository store: %w", err)
	}
	w := &DuplicateWorker{env: env, repos: repos}
	w.sched = env.newScheduler(PipelineDuplicates, w, false)
	return w, nil
}

func (w *DuplicateWorker) PipelineID() string              { return PipelineDuplicates }
func (w *DuplicateWorker) Scheduler() *scheduler.Scheduler { return w.sched }
func (w *DuplicateWorker) Repos() *RepoStore               { return w.repos }

func (w *DuplicateWorker) Initialize(ctx context.Context) error {
	return w.sched.Initialize(ctx)
}

// Trigger creates a scan job from API parameters: scanType (inter|intra,
// default intra), repositories (names; default every enabled repo), and
// groupName for labelling.
func (w *DuplicateWorker) Trigger(ctx context.Context, params map[string]any) (*db.Job, error) {
	scanType := stringParam(params, "scanType")
	if scanType == "" {
		scanType = ScanIntra
	}
	if scanType != ScanInter && scanType != ScanIntra {
		return nil, retry.Validationf("scanType must be %q or %q, got %q", ScanInter, ScanIntra, scanType)
	}

	var targets []*RepositoryConfig
	names := stringsParam(params, "repositories")
	if len(names) == 0 {
		for _, r := range w.repos.List() {
			if r.Enabled {
				targets = append(targets, r)
			}
		}
	} else {
		for _, name := range names {
			r, ok := w.repos.Get(name)
			if !ok {
				return nil, retry.NotFoundf("unknown repository %q", name)
			}
			targets = append(targets, r)
		}
	}
	if len(targets) == 0 {
		return nil, retry.Validationf("no repositories to scan")
	}
	if scanType == ScanInter && len(targets) < 2 {
		return nil, retry.Validationf("inter-project scan needs at least two repositories")
	}

	return w.createScanJob(scanType, targets, stringParam(params, "groupName"))
}

// ScheduleScan queues a scan covering every repository whose frequency
// interval has elapsed. It returns nil with no error when nothing is due.
func (w *DuplicateWorker) ScheduleScan(ctx context.Context) (*db.Job, error) {
	due := w.repos.Due(w.env.Clock.Now())
	if len(due) == 0 {
		return nil, nil
	}
	scanType := ScanIntra
	if len(due) > 1 {
		scanType = ScanInter
	}
	slog.Info("scheduling duplicate scan", "scan_type", scanType, "repos", len(due))
	return w.createScanJob(scanType, due, "scheduled")
}

func (w *DuplicateWorker) createScanJob(scanType string, targets []*RepositoryConfig, groupName string) (*db.Job, error) {
	repoData := make([]any, 0, len(targets))
	for _, r := range targets {
		entry := map[string]any{"name": r.Name, "path": r.Path}
		if r.HasTag(tagTest) {
			entry["tags"] = []any{tagTest}
		}
		repoData = append(repoData, entry)
	}
	data := map[string]any{
		"scanType":     scanType,
		"repositories": repoData,
	}
	if groupName != "" {
		data["groupName"] = groupName
	}
	return w.sched.CreateJob(clock.NewID(w.env.Clock, "scan"), data)
}

// RunJob performs the scan named by the job data and records the outcome
// against each repository's history.
func (w *DuplicateWorker) RunJob(ctx context.Context, job *db.Job) (any, error) {
	scanType := stringField(job.Data, "scanType")
	targets, err := jobRepoTargets(job)
	if err != nil {
		return nil, err
	}

	for _, t := range targets {
		if info, err := os.Stat(t.Path); err != nil || !info.IsDir() {
			return nil, retry.NotFoundf("repository %s path %s is not a directory", t.Name, t.Path)
		}
	}

	w.sched.Progress(job.ID, 10, fmt.Sprintf("scanning %d repositories", len(targets)))

	var result *scan.Result
	switch scanType {
	case ScanInter:
		result, err = scan.ScanAcross(ctx, targets, w.opts)
	case ScanIntra:
		result, err = w.scanEach(ctx, job, targets)
	default:
		return nil, retry.Validationf("job %s: unknown scanType %q", job.ID, scanType)
	}
	if err != nil {
		return nil, fmt.Errorf("scan (%s): %w", scanType, err)
	}

	w.sched.Progress(job.ID, 80, "recording scan history")
	w.recordHistory(job, scanType, targets, result)

	highImpact := highestImpact(result)
	w.env.Bus.Publish(events.Event{
		Topic:      events.ScanCompleted,
		JobID:      job.ID,
		PipelineID: PipelineDuplicates,
		Payload: map[string]any{
			"scanType":           scanType,
			"repositories":       repoNames(targets),
			"duplicateGroups":    result.Metrics.DuplicateGroups,
			"duplicationPct":     result.Metrics.DuplicationPct,
			"severity":           result.Metrics.Severity,
			"highImpact":         highImpact >= scan.HighImpactThreshold,
			"highestImpactScore": highImpact,
			"consolidationScore": scan.ConsolidationScore(result.Metrics, result.Groups),
		},
	})

	return map[string]any{
		"scanType":           scanType,
		"repositories":       repoNames(targets),
		"metrics":            result.Metrics,
		"groups":             result.Groups,
		"crossRepo":          result.CrossRepo,
		"suggestions":        result.Suggestions,
		"highImpact":         highImpact >= scan.HighImpactThreshold,
		"consolidationScore": scan.ConsolidationScore(result.Metrics, result.Groups),
	}, nil
}

// scanEach runs intra-project scans sequentially and merges the results
// into one report so job output stays the same shape for both scan types.
func (w *DuplicateWorker) scanEach(ctx context.Context, job *db.Job, targets []scan.RepoTarget) (*scan.Result, error) {
	merged := &scan.Result{ScanType: ScanIntra}
	for i, t := range targets {
		res, err := scan.ScanRepository(ctx, t.Name, t.Path, w.opts)
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", t.Name, err)
		}
		merged.Metrics.FilesScanned += res.Metrics.FilesScanned
		merged.Metrics.TotalLines += res.Metrics.TotalLines
		merged.Metrics.DuplicateGroups += res.Metrics.DuplicateGroups
		merged.Metrics.DuplicatedLines += res.Metrics.DuplicatedLines
		merged.Groups = append(merged.Groups, res.Groups...)
		merged.Suggestions = append(merged.Suggestions, res.Suggestions...)

		w.sched.Progress(job.ID, 10+60*(i+1)/len(targets), "scanned "+t.Name)
	}
	if merged.Metrics.TotalLines > 0 {
		merged.Metrics.DuplicationPct = float64(merged.Metrics.DuplicatedLines) / float64(merged.Metrics.TotalLines) * 100
	}
	merged.Metrics.Severity = scan.DuplicationSeverity(merged.Metrics.DuplicationPct)
	return merged, nil
}

// recordHistory stamps each scanned repository. Repositories tagged
// "test" are skipped so fixture scans don't shift the schedule.
func (w *DuplicateWorker) recordHistory(job *db.Job, scanType string, targets []scan.RepoTarget, result *scan.Result) {
	skip := testTaggedNames(job)
	for _, t := range targets {
		if skip[t.Name] {
			continue
		}
		rec := ScanRecord{
			JobID:      job.ID,
			ScannedAt:  w.env.Clock.Now(),
			ScanType:   scanType,
			Duplicates: result.Metrics.DuplicateGroups,
			Severity:   result.Metrics.Severity,
		}
		if err := w.repos.RecordScan(t.Name, rec); err != nil {
			// Ad-hoc scans cover repos outside the store; history for
			// those has nowhere to live.
			slog.Debug("scan history not recorded", "repo", t.Name, "err", err)
		}
	}
}

func jobRepoTargets(job *db.Job) ([]scan.RepoTarget, error) {
	raw, ok := job.Data["repositories"].([]any)
	if !ok || len(raw) == 0 {
		return nil, retry.Validationf("job %s: repositories are required", job.ID)
	}
	targets := make([]scan.RepoTarget, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, retry.Validationf("job %s: malformed repository entry", job.ID)
		}
		t := scan.RepoTarget{
			Name: stringField(entry, "name"),
			Path: stringField(entry, "path"),
		}
		if t.Name == "" || t.Path == "" {
			return nil, retry.Validationf("job %s: repository entries need name and path", job.ID)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func testTaggedNames(job *db.Job) map[string]bool {
	skip := map[string]bool{}
	raw, _ := job.Data["repositories"].([]any)
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, tag := range stringsField(entry, "tags") {
			if tag == tagTest {
				skip[stringField(entry, "name")] = true
			}
		}
	}
	return skip
}

func repoNames(targets []scan.RepoTarget) []string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	return names
}

func highestImpact(result *scan.Result) float64 {
	var top float64
	for _, g := range result.Groups {
		if g.ImpactScore > top {
			top = g.ImpactScore
		}
	}
	for _, g := range result.CrossRepo {
		if g.ImpactScore > top {
			top = g.ImpactScore
		}
	}
	return top
}
