package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"sidequest/internal/update"
)

type stubReleaseChecker struct {
	res update.CheckResult
	err error
}

func (s stubReleaseChecker) Check(context.Context, string) (update.CheckResult, error) {
	return s.res, s.err
}

func TestRunUpgradePrintsReleaseNotice(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	checker := stubReleaseChecker{res: update.CheckResult{
		CurrentVersion:  "v0.3.0",
		LatestVersion:   "v0.4.0",
		ReleaseURL:      "https://example.com/releases/v0.4.0",
		UpdateAvailable: true,
		Comparable:      true,
	}}
	if err := runUpgradeWith(context.Background(), &out, checker, "v0.3.0"); err != nil {
		t.Fatalf("run upgrade: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "update available: v0.4.0 (current: v0.3.0)") {
		t.Fatalf("missing update line in output: %q", got)
	}
	if !strings.Contains(got, "https://example.com/releases/v0.4.0") {
		t.Fatalf("missing release page in output: %q", got)
	}
}

func TestRunUpgradeAlreadyLatest(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	checker := stubReleaseChecker{res: update.CheckResult{
		CurrentVersion: "v0.4.0",
		LatestVersion:  "v0.4.0",
		Comparable:     true,
	}}
	if err := runUpgradeWith(context.Background(), &out, checker, "v0.4.0"); err != nil {
		t.Fatalf("run upgrade: %v", err)
	}
	if !strings.Contains(out.String(), "already up to date (v0.4.0)") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunUpgradeReturnsCheckError(t *testing.T) {
	t.Parallel()

	checkErr := errors.New("release lookup unavailable")
	err := runUpgradeWith(context.Background(), &bytes.Buffer{}, stubReleaseChecker{err: checkErr}, "v0.4.0")
	if !errors.Is(err, checkErr) {
		t.Fatalf("expected check error, got %v", err)
	}
}
