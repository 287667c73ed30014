// Package gitstats computes commit activity reports over local git
// repositories. Repositories are read through go-git, never by shelling
// out, so reports cannot mutate any working tree.
package gitstats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/sync/errgroup"
)

// RepoTimeout bounds the analysis of one repository.
const RepoTimeout = 5 * time.Minute

const discoverDepth = 2

var excludedDirs = map[string]bool{
	"node_modules": true, "vendor": true, "venv": true, ".venv": true,
	"bundle": true, "dist": true, "build": true, "__pycache__": true,
}

var languageByExt = map[string]string{
	".go": "Go", ".js": "JavaScript", ".jsx": "JavaScript",
	".ts": "TypeScript", ".tsx": "TypeScript", ".py": "Python",
	".rb": "Ruby", ".java": "Java", ".c": "C", ".h": "C",
	".cc": "C++", ".cpp": "C++", ".hpp": "C++", ".cs": "C#",
	".rs": "Rust", ".php": "PHP", ".swift": "Swift", ".kt": "Kotlin",
	".sh": "Shell", ".md": "Markdown", ".html": "HTML", ".css": "CSS",
	".scss": "CSS", ".sql": "SQL", ".yaml": "YAML", ".yml": "YAML",
	".toml": "TOML", ".json": "JSON",
}

// Language maps a file path to a language label, or "Other".
func Language(path string) string {
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "Other"
}

// RepoReport is the per-repository slice of an activity report.
type RepoReport struct {
	Name           string         `json:"name"`
	Path           string         `json:"path"`
	Commits        int            `json:"commits"`
	Authors        map[string]int `json:"authors,omitempty"`
	Languages      map[string]int `json:"languages,omitempty"`
	ActiveBranches int            `json:"active_branches"`
	Error          string         `json:"error,omitempty"`
}

// ActivityReport aggregates a scan window across repositories.
type ActivityReport struct {
	WindowStart  time.Time      `json:"window_start"`
	WindowEnd    time.Time      `json:"window_end"`
	TotalCommits int            `json:"total_commits"`
	ActiveRepos  int            `json:"active_repos"`
	Repos        []RepoReport   `json:"repos"`
	Languages    map[string]int `json:"languages"`
}

// DiscoverRepos finds git repositories at most two levels below each root.
func DiscoverRepos(roots []string) ([]string, error) {
	var repos []string
	seen := map[string]bool{}

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		if isRepo(dir) {
			if abs, err := filepath.Abs(dir); err == nil && !seen[abs] {
				seen[abs] = true
				repos = append(repos, abs)
			}
			return
		}
		if depth >= discoverDepth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() || excludedDirs[e.Name()] || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			walk(filepath.Join(dir, e.Name()), depth+1)
		}
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("discover repos under %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("discover repos: %s is not a directory", root)
		}
		walk(root, 0)
	}
	sort.Strings(repos)
	return repos, nil
}

func isRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// Analyze builds an activity report for the window over the given repos.
// Repositories are processed in parallel; one failing repo is recorded in
// its report entry without sinking the rest.
func Analyze(ctx context.Context, repoPaths []string, start, end time.Time, parallelism int) (*ActivityReport, error) {
	if parallelism <= 0 {
		parallelism = 4
	}

	report := &ActivityReport{
		WindowStart: start,
		WindowEnd:   end,
		Repos:       make([]RepoReport, len(repoPaths)),
		Languages:   make(map[string]int),
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, path := range repoPaths {
		g.Go(func() error {
			repoCtx, cancel := context.WithTimeout(ctx, RepoTimeout)
			defer cancel()

			rr := analyzeRepo(repoCtx, path, start, end)
			mu.Lock()
			report.Repos[i] = rr
			if rr.Commits > 0 {
				report.TotalCommits += rr.Commits
				report.ActiveRepos++
				for lang, n := range rr.Languages {
					report.Languages[lang] += n
				}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

func analyzeRepo(ctx context.Context, path string, start, end time.Time) RepoReport {
	rr := RepoReport{
		Name:      filepath.Base(path),
		Path:      path,
		Authors:   make(map[string]int),
		Languages: make(map[string]int),
	}

	repo, err := gogit.PlainOpen(path)
	if err != nil {
		rr.Error = fmt.Sprintf("open: %v", err)
		return rr
	}

	seen := map[plumbing.Hash]bool{}

	branches, err := repo.Branches()
	if err != nil {
		rr.Error = fmt.Sprintf("branches: %v", err)
		return rr
	}
	defer branches.Close()

	berr := branches.ForEach(func(ref *plumbing.Reference) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tip, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return nil
		}
		if inWindow(tip.Committer.When, start, end) {
			rr.ActiveBranches++
		}

		iter, err := repo.Log(&gogit.LogOptions{From: ref.Hash(), Since: &start, Until: &end})
		if err != nil {
			return nil
		}
		defer iter.Close()
		return iter.ForEach(func(c *object.Commit) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if seen[c.Hash] || !inWindow(c.Committer.When, start, end) {
				return nil
			}
			seen[c.Hash] = true
			rr.Commits++
			rr.Authors[c.Author.Name]++
			countLanguages(c, rr.Languages)
			return nil
		})
	})
	if berr != nil {
		rr.Error = fmt.Sprintf("walk: %v", berr)
	}
	return rr
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

// countLanguages tallies changed files by language. Stats failures (for
// example on merge commits with missing parents) are skipped silently.
func countLanguages(c *object.Commit, into map[string]int) {
	stats, err := c.Stats()
	if err != nil {
		return
	}
	for _, fs := range stats {
		into[Language(fs.Name)]++
	}
}

// Markdown renders the report as a summary the CLI and TUI display.
func (r *ActivityReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Git Activity %s — %s\n\n",
		r.WindowStart.Format("2006-01-02"), r.WindowEnd.Format("2006-01-02"))
	fmt.Fprintf(&b, "- **Commits:** %d\n- **Active repos:** %d/%d\n\n",
		r.TotalCommits, r.ActiveRepos, len(r.Repos))

	if len(r.Languages) > 0 {
		b.WriteString("## Languages\n\n")
		for _, lang := range sortedKeys(r.Languages) {
			fmt.Fprintf(&b, "- %s: %d files changed\n", lang, r.Languages[lang])
		}
		b.WriteString("\n")
	}

	b.WriteString("## Repositories\n\n")
	for _, rr := range r.Repos {
		if rr.Commits == 0 && rr.Error == "" {
			continue
		}
		if rr.Error != "" {
			fmt.Fprintf(&b, "- **%s** — error: %s\n", rr.Name, rr.Error)
			continue
		}
		fmt.Fprintf(&b, "- **%s** — %d commits, %d active branches\n",
			rr.Name, rr.Commits, rr.ActiveBranches)
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
