package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNothingToCommit means the working tree had no changes to record. The
// workflow treats it as a no-op, not a failure.
var ErrNothingToCommit = errors.New("nothing to commit")

// ErrDirtyWorkingTree rejects branch creation on an unclean tree so a job
// never commits someone else's in-progress edits.
var ErrDirtyWorkingTree = errors.New("working tree has uncommitted changes")

// opTimeout bounds each git CLI invocation.
const opTimeout = 2 * time.Minute

// BranchOptions names the branch to create for one job.
type BranchOptions struct {
	JobID       string
	JobType     string
	Description string
}

// CommitOptions describes one commit.
type CommitOptions struct {
	Message string
	JobID   string
}

// PRContext is the pull request a pipeline wants opened.
type PRContext struct {
	Branch string
	Title  string
	Body   string
	Labels []string
}

// Config tunes a Workflow.
type Config struct {
	BranchPrefix string
	BaseBranch   string
	DryRun       bool
	// EnablePR gates pull request creation; off by default.
	EnablePR bool
	PRDryRun bool
	// GitHubToken authenticates pushes and the PR API. Owner/Repo are
	// inferred from the origin remote when empty.
	GitHubToken string
	GitHubOwner string
	GitHubRepo  string
}

// Workflow drives the per-job branch, commit, push, PR sequence. It holds
// no state beyond what it writes into Job.git; per-repository exclusion is
// enforced through Locks.
type Workflow struct {
	cfg   Config
	locks *Locks
}

// NewWorkflow builds a workflow manager.
func NewWorkflow(cfg Config) *Workflow {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "sidequest"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Workflow{cfg: cfg, locks: NewLocks()}
}

// Locks exposes the per-repository mutex set so pipelines driving the
// workflow manually can serialize on the same paths.
func (w *Workflow) Locks() *Locks { return w.locks }

// DryRun reports whether git operations are simulated.
func (w *Workflow) DryRun() bool { return w.cfg.DryRun }

// BranchName synthesizes the branch for one job:
// {prefix}/{jobType}/{slug}-{shortid}.
func (w *Workflow) BranchName(opts BranchOptions) string {
	slug := slugify(opts.Description)
	if slug == "" {
		slug = "job"
	}
	short := opts.JobID
	if i := strings.LastIndex(short, "-"); i >= 0 && i+1 < len(short) {
		short = short[i+1:]
	}
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	return fmt.Sprintf("%s/%s/%s-%s", w.cfg.BranchPrefix, opts.JobType, slug, short)
}

// CreateJobBranch creates the job branch off the base branch. Fails on a
// dirty working tree unless dry-run.
func (w *Workflow) CreateJobBranch(ctx context.Context, repoPath string, opts BranchOptions) (string, error) {
	branch := w.BranchName(opts)
	if w.cfg.DryRun {
		slog.Info("git dry-run: create branch", "repo", repoPath, "branch", branch)
		return branch, nil
	}

	unlock := w.locks.Lock(repoPath)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	dirty, err := workingTreeDirty(ctx, repoPath)
	if err != nil {
		return "", fmt.Errorf("check working tree: %w", err)
	}
	if dirty {
		return "", fmt.Errorf("create branch %s: %w", branch, ErrDirtyWorkingTree)
	}
	if err := runGit(ctx, repoPath, "checkout", "-b", branch, w.cfg.BaseBranch); err != nil {
		return "", fmt.Errorf("create branch: %w", err)
	}
	return branch, nil
}

// CommitChanges stages everything and commits. Returns ErrNothingToCommit
// when the tree is clean.
func (w *Workflow) CommitChanges(ctx context.Context, repoPath string, opts CommitOptions) (string, error) {
	if w.cfg.DryRun {
		sha := dryRunSHA(opts.JobID)
		slog.Info("git dry-run: commit", "repo", repoPath, "sha", sha)
		return sha, nil
	}

	unlock := w.locks.Lock(repoPath)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := runGit(ctx, repoPath, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}
	// diff --cached --quiet exits 0 when nothing is staged.
	if _, err := runGitOutput(ctx, repoPath, "diff", "--cached", "--quiet"); err == nil {
		return "", ErrNothingToCommit
	}
	if err := runGit(ctx, repoPath, "commit", "-m", opts.Message); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	return headCommit(ctx, repoPath)
}

// PushBranch pushes branchName to origin, authenticating with the
// configured token for HTTP remotes.
func (w *Workflow) PushBranch(ctx context.Context, repoPath, branchName string) error {
	branchName = strings.TrimSpace(branchName)
	if branchName == "" {
		return fmt.Errorf("push: branch name is empty")
	}
	if w.cfg.DryRun {
		slog.Info("git dry-run: push", "repo", repoPath, "branch", branchName)
		return nil
	}

	unlock := w.locks.Lock(repoPath)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	env, secrets, cleanup, err := pushAuth(w.cfg.GitHubToken)
	if err != nil {
		return err
	}
	defer cleanup()

	return runGitWithOptions(ctx, repoPath, runOptions{env: env, secrets: secrets},
		"push", "-u", "origin", branchName)
}

// CreatePullRequest opens a PR for the branch. Returns "" without error
// when PR creation is disabled; synthesizes a placeholder URL under
// PR dry-run.
func (w *Workflow) CreatePullRequest(ctx context.Context, repoPath string, pr PRContext) (string, error) {
	if !w.cfg.EnablePR {
		return "", nil
	}
	if w.cfg.DryRun || w.cfg.PRDryRun {
		u := fmt.Sprintf("https://github.example/dry-run/pull/%s", slugify(pr.Branch))
		slog.Info("git dry-run: pull request", "repo", repoPath, "branch", pr.Branch, "url", u)
		return u, nil
	}

	owner, repo := w.cfg.GitHubOwner, w.cfg.GitHubRepo
	if owner == "" || repo == "" {
		ctx2, cancel := context.WithTimeout(ctx, opTimeout)
		remote, err := remoteURL(ctx2, repoPath, "origin")
		cancel()
		if err != nil {
			return "", fmt.Errorf("infer github repo: %w", err)
		}
		owner, repo, err = parseGitHubRemote(remote)
		if err != nil {
			return "", err
		}
	}

	return createGitHubPR(ctx, w.cfg.GitHubToken, owner, repo, pr, w.cfg.BaseBranch)
}

func dryRunSHA(jobID string) string {
	const hex = "0123456789abcdef"
	sum := uint64(1469598103934665603)
	for i := 0; i < len(jobID); i++ {
		sum ^= uint64(jobID[i])
		sum *= 1099511628211
	}
	out := make([]byte, 40)
	for i := range out {
		out[i] = hex[sum%16]
		sum /= 7
		if sum == 0 {
			sum = uint64(i) + 11
		}
	}
	return string(out)
}

// slugify lowercases s and collapses runs of non-alphanumerics into single
// hyphens, capped at 40 characters.
func slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
