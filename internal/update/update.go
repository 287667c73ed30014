// Package update looks up the latest sidequest release on GitHub so the CLI
// can print an upgrade notice. The lookup is advisory: it is throttled by an
// on-disk cache and a failed check never blocks or fails startup.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sidequest/internal/config"
	"sidequest/internal/httputil"
)

const (
	latestReleaseURL = "https://api.github.com/repos/sidequest-sh/sidequest/releases/latest"

	DefaultCheckTTL = 24 * time.Hour
)

// VersionCheckCache is the persisted result of the most recent release
// lookup. CheckedAt throttles how often the API is hit.
type VersionCheckCache struct {
	CheckedAt time.Time `json:"checked_at"`
	LatestTag string    `json:"latest_tag"`
}

// Release is the subset of the GitHub release payload the notice needs.
type Release struct {
	Tag string `json:"tag_name"`
	URL string `json:"html_url"`
}

type CheckResult struct {
	CurrentVersion  string
	LatestVersion   string
	ReleaseURL      string
	UpdateAvailable bool
	Comparable      bool
}

// Checker fetches the latest release tag and caches it on disk.
type Checker struct {
	Now        func() time.Time
	ReleaseAPI string
	UserAgent  string
	StatePath  string
	Retry      httputil.RetryConfig
}

func NewChecker(currentVersion string) *Checker {
	statePath, err := config.VersionCheckPath()
	if err != nil {
		statePath = ""
	}
	return &Checker{
		Now:        time.Now,
		ReleaseAPI: latestReleaseURL,
		UserAgent:  fmt.Sprintf("sidequest/%s", currentVersion),
		StatePath:  statePath,
		// The notice runs under a short deadline before start, so keep the
		// retry budget tight.
		Retry: httputil.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}
}

// Compare reports whether latestVersion supersedes currentVersion. A
// non-semver latest is never an update; a non-semver current (dev builds)
// always is, so developers still see the notice.
func Compare(currentVersion, latestVersion string) CheckResult {
	res := CheckResult{
		CurrentVersion: canonicalVersion(currentVersion),
		LatestVersion:  canonicalVersion(latestVersion),
	}

	currSem, currOK := parseSemver(currentVersion)
	latestSem, latestOK := parseSemver(latestVersion)
	switch {
	case !latestOK:
	case !currOK:
		res.UpdateAvailable = true
	default:
		res.Comparable = true
		res.UpdateAvailable = compareSemver(currSem, latestSem) < 0
	}
	return res
}

// Latest fetches the newest release from the GitHub API.
func (c *Checker) Latest(ctx context.Context) (Release, error) {
	resp, err := httputil.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ReleaseAPI, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		if token := strings.TrimSpace(os.Getenv("GITHUB_TOKEN")); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}, c.Retry)
	if err != nil {
		return Release{}, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("fetch latest release: status %d", resp.StatusCode)
	}
	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return Release{}, fmt.Errorf("decode latest release: %w", err)
	}
	if strings.TrimSpace(rel.Tag) == "" {
		return Release{}, errors.New("latest release missing tag_name")
	}
	return rel, nil
}

// Check fetches the latest release and compares it against currentVersion.
func (c *Checker) Check(ctx context.Context, currentVersion string) (CheckResult, error) {
	rel, err := c.Latest(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	res := Compare(currentVersion, rel.Tag)
	res.ReleaseURL = rel.URL
	return res, nil
}

// RefreshCache fetches the latest release and records it on disk.
func (c *Checker) RefreshCache(ctx context.Context) (VersionCheckCache, error) {
	rel, err := c.Latest(ctx)
	if err != nil {
		return VersionCheckCache{}, err
	}
	entry := VersionCheckCache{CheckedAt: c.Now(), LatestTag: rel.Tag}
	if err := c.WriteCache(entry); err != nil {
		return VersionCheckCache{}, err
	}
	return entry, nil
}

// MarkCheckAttempt records that a lookup was attempted even though it failed,
// so a flaky network does not turn into a check on every start.
func (c *Checker) MarkCheckAttempt(latestTag string) error {
	latestTag = canonicalVersion(latestTag)
	if latestTag == "" {
		latestTag = "unknown"
	}
	return c.WriteCache(VersionCheckCache{CheckedAt: c.Now(), LatestTag: latestTag})
}

func (c *Checker) ReadCache() (VersionCheckCache, error) {
	if c.StatePath == "" {
		return VersionCheckCache{}, errors.New("version-check cache path is not configured")
	}
	buf, err := os.ReadFile(c.StatePath)
	if err != nil {
		return VersionCheckCache{}, err
	}
	var entry VersionCheckCache
	if err := json.Unmarshal(buf, &entry); err != nil {
		return VersionCheckCache{}, fmt.Errorf("decode version-check cache: %w", err)
	}
	if entry.CheckedAt.IsZero() || strings.TrimSpace(entry.LatestTag) == "" {
		return VersionCheckCache{}, errors.New("version-check cache is invalid")
	}
	return entry, nil
}

func (c *Checker) WriteCache(entry VersionCheckCache) error {
	if c.StatePath == "" {
		return errors.New("version-check cache path is not configured")
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode version-check cache: %w", err)
	}

	dir := filepath.Dir(c.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create version-check state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".version-check-*")
	if err != nil {
		return fmt.Errorf("create version-check temp file: %w", err)
	}
	_, werr := tmp.Write(buf)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), c.StatePath)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write version-check cache: %w", werr)
	}
	return nil
}

func (c *Checker) IsCacheFresh(entry VersionCheckCache, ttl time.Duration) bool {
	if entry.CheckedAt.IsZero() || ttl <= 0 {
		return false
	}
	return c.Now().Sub(entry.CheckedAt) <= ttl
}

type semVersion [3]int

func canonicalVersion(v string) string {
	if sem, ok := parseSemver(v); ok {
		return fmt.Sprintf("v%d.%d.%d", sem[0], sem[1], sem[2])
	}
	return strings.TrimSpace(v)
}

func parseSemver(v string) (semVersion, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if idx := strings.IndexAny(v, "+-"); idx >= 0 {
		v = v[:idx]
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return semVersion{}, false
	}
	var sem semVersion
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return semVersion{}, false
		}
		sem[i] = n
	}
	return sem, true
}

func compareSemver(a, b semVersion) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
