package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Scan frequencies for RepositoryConfig.
const (
	FrequencyDaily    = "daily"
	FrequencyWeekly   = "weekly"
	FrequencyBiweekly = "biweekly"
	FrequencyMonthly  = "monthly"
)

// ScanRecord is one entry in a repository's scan history.
type ScanRecord struct {
	JobID      string    `json:"jobId"`
	ScannedAt  time.Time `json:"scannedAt"`
	ScanType   string    `json:"scanType"`
	Duplicates int       `json:"duplicates"`
	Severity   string    `json:"severity,omitempty"`
}

// RepositoryConfig describes one repository the duplicate-detection
// pipeline watches.
type RepositoryConfig struct {
	Name          string       `json:"name"`
	Path          string       `json:"path"`
	Priority      string       `json:"priority,omitempty"` // critical|high|normal|low
	ScanFrequency string       `json:"scanFrequency,omitempty"`
	Enabled       bool         `json:"enabled"`
	LastScannedAt *time.Time   `json:"lastScannedAt,omitempty"`
	ScanHistory   []ScanRecord `json:"scanHistory,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
}

// HasTag reports whether the repo carries tag.
func (r *RepositoryConfig) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// scanInterval maps a frequency label to its minimum re-scan interval.
func scanInterval(frequency string) time.Duration {
	switch frequency {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyBiweekly:
		return 14 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Due reports whether the repo should be scanned again as of now.
func (r *RepositoryConfig) Due(now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.LastScannedAt == nil {
		return true
	}
	return now.Sub(*r.LastScannedAt) >= scanInterval(r.ScanFrequency)
}

const maxScanHistory = 20

// RepoStore persists RepositoryConfig entries as a JSON file next to the
// database. Writes go through a temp-file rename so a crash never leaves
// a half-written store.
type RepoStore struct {
	mu    sync.Mutex
	path  string
	repos map[string]*RepositoryConfig
}

// OpenRepoStore loads (or creates) the store at path.
func OpenRepoStore(path string) (*RepoStore, error) {
	s := &RepoStore{path: path, repos: make(map[string]*RepositoryConfig)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read repo store: %w", err)
	}

	var list []*RepositoryConfig
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode repo store %s: %w", path, err)
	}
	for _, r := range list {
		if r.Name != "" {
			s.repos[r.Name] = r
		}
	}
	return s, nil
}

// List returns every repository, sorted by name.
func (s *RepoStore) List() []*RepositoryConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RepositoryConfig, 0, len(s.repos))
	for _, r := range s.repos {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one repository by name.
func (s *RepoStore) Get(name string) (*RepositoryConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[name]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Upsert adds or replaces a repository entry and saves.
func (s *RepoStore) Upsert(repo *RepositoryConfig) error {
	if repo.Name == "" || repo.Path == "" {
		return fmt.Errorf("repo store: name and path are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *repo
	s.repos[repo.Name] = &cp
	return s.saveLocked()
}

// Due returns enabled repositories whose scan interval has elapsed,
// highest priority first.
func (s *RepoStore) Due(now time.Time) []*RepositoryConfig {
	var due []*RepositoryConfig
	for _, r := range s.List() {
		if r.Due(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return priorityRank(due[i].Priority) < priorityRank(due[j].Priority)
	})
	return due
}

// RecordScan stamps lastScannedAt and appends to the scan history, which
// is capped at the most recent entries.
func (s *RepoStore) RecordScan(name string, rec ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[name]
	if !ok {
		return fmt.Errorf("repo store: unknown repository %q", name)
	}
	t := rec.ScannedAt
	r.LastScannedAt = &t
	r.ScanHistory = append(r.ScanHistory, rec)
	if len(r.ScanHistory) > maxScanHistory {
		r.ScanHistory = r.ScanHistory[len(r.ScanHistory)-maxScanHistory:]
	}
	return s.saveLocked()
}

func (s *RepoStore) saveLocked() error {
	list := make([]*RepositoryConfig, 0, len(s.repos))
	for _, r := range s.repos {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	blob, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode repo store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create repo store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write repo store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace repo store: %w", err)
	}
	return nil
}

func priorityRank(p string) int {
	switch p {
	case "critical":
		return 0
	case "high":
		return 1
	case "low":
		return 3
	default:
		return 2
	}
}
