// Package scan finds duplicated code blocks within one repository
// (intra-project) or across a fleet of repositories (inter-project).
// Blocks are normalized, hashed, and grouped; groups are scored so the
// duplicate-detection pipeline can flag high-impact findings.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Defaults from the scanner configuration.
const (
	DefaultMinSimilarity = 0.8
	DefaultMinBlockLines = 3
	scanParallelism      = 4
)

var codeExtensions = map[string]bool{
	".go": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".rb": true, ".java": true, ".c": true, ".h": true,
	".cc": true, ".cpp": true, ".hpp": true, ".cs": true, ".rs": true,
	".php": true, ".swift": true, ".kt": true, ".sh": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "dist": true,
	"build": true, "venv": true, ".venv": true, "__pycache__": true,
	"target": true, ".next": true, "coverage": true,
}

// Options tunes a scan. Zero values pick the defaults.
type Options struct {
	MinSimilarity float64
	MinBlockLines int
}

func (o Options) normalized() Options {
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = DefaultMinSimilarity
	}
	if o.MinBlockLines <= 0 {
		o.MinBlockLines = DefaultMinBlockLines
	}
	return o
}

// Occurrence locates one copy of a duplicated block.
type Occurrence struct {
	Repository string `json:"repository,omitempty"`
	File       string `json:"file"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
}

// Group is one set of identical (post-normalization) blocks.
type Group struct {
	Hash        string       `json:"hash"`
	Lines       int          `json:"lines"`
	Occurrences []Occurrence `json:"occurrences"`
	Similarity  float64      `json:"similarity"`
	ImpactScore float64      `json:"impact_score"`
	Sample      string       `json:"sample,omitempty"`
}

// CrossRepo reports whether the group spans more than one repository.
func (g *Group) CrossRepo() bool {
	seen := map[string]bool{}
	for _, o := range g.Occurrences {
		seen[o.Repository] = true
	}
	return len(seen) > 1
}

// Metrics aggregates one scan.
type Metrics struct {
	FilesScanned    int     `json:"files_scanned"`
	TotalLines      int     `json:"total_lines"`
	DuplicateGroups int     `json:"duplicate_groups"`
	DuplicatedLines int     `json:"duplicated_lines"`
	DuplicationPct  float64 `json:"duplication_pct"`
	Severity        string  `json:"severity"`
}

// Result is the output of one scan.
type Result struct {
	ScanType    string       `json:"scan_type"`
	Metrics     Metrics      `json:"metrics"`
	Groups      []*Group     `json:"duplicate_groups,omitempty"`
	CrossRepo   []*Group     `json:"cross_repository_duplicates,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

type block struct {
	repo      string
	file      string
	startLine int
	endLine   int
	lines     int
	hash      string
	sample    string
}

// ScanRepository scans one repository tree for intra-project duplicates.
func ScanRepository(ctx context.Context, repoName, root string, opts Options) (*Result, error) {
	opts = opts.normalized()
	blocks, files, total, err := collectBlocks(ctx, repoName, root, opts)
	if err != nil {
		return nil, err
	}
	res := buildResult("intra", blocks, files, total, opts)
	return res, nil
}

// RepoTarget names one repository for an inter-project scan.
type RepoTarget struct {
	Name string
	Path string
}

// ScanAcross scans several repositories in parallel and keeps only groups
// spanning at least two of them.
func ScanAcross(ctx context.Context, targets []RepoTarget, opts Options) (*Result, error) {
	opts = opts.normalized()

	var mu sync.Mutex
	var all []block
	files, total := 0, 0

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)
	for _, t := range targets {
		g.Go(func() error {
			blocks, f, n, err := collectBlocks(ctx, t.Name, t.Path, opts)
			if err != nil {
				return fmt.Errorf("scan %s: %w", t.Name, err)
			}
			mu.Lock()
			all = append(all, blocks...)
			files += f
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := buildResult("inter", all, files, total, opts)
	cross := res.Groups[:0:0]
	for _, grp := range res.Groups {
		if grp.CrossRepo() {
			cross = append(cross, grp)
		}
	}
	res.CrossRepo = cross
	res.Groups = nil
	return res, nil
}

func collectBlocks(ctx context.Context, repoName, root string, opts Options) ([]block, int, int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, 0, 0, fmt.Errorf("scan root %s is not a directory", root)
	}

	var blocks []block
	files, totalLines := 0, 0

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !codeExtensions[filepath.Ext(path)] {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			// Unreadable files are skipped, not fatal.
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}

		fileBlocks, n := extractBlocks(repoName, rel, string(content), opts.MinBlockLines)
		blocks = append(blocks, fileBlocks...)
		files++
		totalLines += n
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return blocks, files, totalLines, nil
}

// extractBlocks splits content on blank lines and hashes each normalized
// block of at least minLines significant lines.
func extractBlocks(repo, file, content string, minLines int) ([]block, int) {
	lines := strings.Split(content, "\n")
	var out []block

	start := -1
	var significant []string
	flush := func(end int) {
		if start >= 0 && len(significant) >= minLines {
			normalized := strings.Join(significant, "\n")
			sum := sha256.Sum256([]byte(normalized))
			sample := significant[0]
			if len(sample) > 120 {
				sample = sample[:120]
			}
			out = append(out, block{
				repo:      repo,
				file:      file,
				startLine: start + 1,
				endLine:   end,
				lines:     len(significant),
				hash:      hex.EncodeToString(sum[:]),
				sample:    sample,
			})
		}
		start = -1
		significant = significant[:0]
	}

	for i, line := range lines {
		norm := normalizeLine(line)
		if norm == "" {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
		significant = append(significant, norm)
	}
	flush(len(lines))
	return out, len(lines)
}

// normalizeLine collapses whitespace and drops comment-only lines so
// formatting differences do not hide duplication.
func normalizeLine(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") ||
		strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "/*") {
		return ""
	}
	return strings.Join(strings.Fields(trimmed), " ")
}

func buildResult(scanType string, blocks []block, files, totalLines int, opts Options) *Result {
	byHash := make(map[string][]block)
	for _, b := range blocks {
		byHash[b.hash] = append(byHash[b.hash], b)
	}

	var groups []*Group
	duplicated := 0
	for hash, occ := range byHash {
		if len(occ) < 2 {
			continue
		}
		g := &Group{
			Hash:       hash,
			Lines:      occ[0].lines,
			Similarity: 1.0, // exact match after normalization
			Sample:     occ[0].sample,
		}
		for _, b := range occ {
			g.Occurrences = append(g.Occurrences, Occurrence{
				Repository: b.repo,
				File:       b.file,
				StartLine:  b.startLine,
				EndLine:    b.endLine,
			})
		}
		g.ImpactScore = ImpactScore(len(occ), g.Similarity, g.Lines)
		duplicated += g.Lines * (len(occ) - 1)
		groups = append(groups, g)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].ImpactScore != groups[j].ImpactScore {
			return groups[i].ImpactScore > groups[j].ImpactScore
		}
		return groups[i].Hash < groups[j].Hash
	})

	pct := 0.0
	if totalLines > 0 {
		pct = float64(duplicated) / float64(totalLines) * 100
	}

	res := &Result{
		ScanType: scanType,
		Metrics: Metrics{
			FilesScanned:    files,
			TotalLines:      totalLines,
			DuplicateGroups: len(groups),
			DuplicatedLines: duplicated,
			DuplicationPct:  pct,
			Severity:        DuplicationSeverity(pct),
		},
		Groups: groups,
	}
	res.Suggestions = BuildSuggestions(groups, res.Metrics)
	return res
}
