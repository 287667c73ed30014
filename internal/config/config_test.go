package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a config.toml into a temp dir and isolates the XDG
// directories so credentials and defaults never leak from the host.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "xdg-config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(tmp, "xdg-data"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(tmp, "xdg-state"))
	path := filepath.Join(tmp, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesSectionsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
db_path = "sidequest.db"
log_level = "debug"

[server]
port = 9000

[git]
enabled = true
branch_prefix = "bot"

[retry]
attempts = 2

[workspace]
output_dir = "mirror"
scan_roots = ["code"]

[[pipelines]]
id = "duplicates"
max_concurrent = 1
retry_attempts = 5
timeout_minutes = 30
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level debug, got %q", cfg.LogLevel)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if !cfg.Git.Enabled || cfg.Git.BranchPrefix != "bot" {
		t.Fatalf("git config not parsed: %+v", cfg.Git)
	}
	if cfg.Retry.Attempts != 2 {
		t.Fatalf("expected retry attempts 2, got %d", cfg.Retry.Attempts)
	}

	// Unset fields fall back to defaults.
	if cfg.Server.RateLimitPerMin != 120 {
		t.Fatalf("expected default rate limit 120, got %d", cfg.Server.RateLimitPerMin)
	}
	if cfg.Git.BaseBranch != "main" {
		t.Fatalf("expected default base branch main, got %q", cfg.Git.BaseBranch)
	}
	if cfg.Retry.DelayMS != 1000 {
		t.Fatalf("expected default retry delay 1000, got %d", cfg.Retry.DelayMS)
	}
	if cfg.Retry.MaxAbsoluteAttempts != 5 {
		t.Fatalf("expected default max absolute attempts 5, got %d", cfg.Retry.MaxAbsoluteAttempts)
	}
	if cfg.Activity.MaxEntries != 50 {
		t.Fatalf("expected default activity max entries 50, got %d", cfg.Activity.MaxEntries)
	}
	if !slices.Equal(cfg.Notifications.Triggers, defaultNotificationTriggers) {
		t.Fatalf("expected default triggers, got %v", cfg.Notifications.Triggers)
	}

	// Relative paths resolve against the config file's directory.
	base := filepath.Dir(path)
	if cfg.DBPath != filepath.Join(base, "sidequest.db") {
		t.Fatalf("db path not resolved: %q", cfg.DBPath)
	}
	if cfg.Workspace.OutputDir != filepath.Join(base, "mirror") {
		t.Fatalf("output dir not resolved: %q", cfg.Workspace.OutputDir)
	}
	if len(cfg.Workspace.ScanRoots) != 1 || cfg.Workspace.ScanRoots[0] != filepath.Join(base, "code") {
		t.Fatalf("scan roots not resolved: %v", cfg.Workspace.ScanRoots)
	}
	if !filepath.IsAbs(cfg.LogFile) || !filepath.IsAbs(cfg.Server.PIDFile) {
		t.Fatalf("log/pid paths not absolute: %q %q", cfg.LogFile, cfg.Server.PIDFile)
	}

	p, ok := cfg.PipelineByID("duplicates")
	if !ok {
		t.Fatal("expected duplicates pipeline override")
	}
	if p.MaxConcurrent != 1 || p.RetryAttempts != 5 || p.TimeoutMinutes != 30 {
		t.Fatalf("pipeline override not parsed: %+v", p)
	}
}

func TestLoadDefaultPathsUseXDGDirs(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	data := os.Getenv("XDG_DATA_HOME")
	state := os.Getenv("XDG_STATE_HOME")
	if cfg.DBPath != filepath.Join(data, "sidequest", "sidequest.db") {
		t.Fatalf("unexpected default db path %q", cfg.DBPath)
	}
	if cfg.ReposFile != filepath.Join(data, "sidequest", "repositories.json") {
		t.Fatalf("unexpected default repos file %q", cfg.ReposFile)
	}
	if cfg.LogFile != filepath.Join(state, "sidequest", "sidequest.log") {
		t.Fatalf("unexpected default log file %q", cfg.LogFile)
	}
	if cfg.Server.PIDFile != filepath.Join(state, "sidequest", "sidequest.pid") {
		t.Fatalf("unexpected default pid file %q", cfg.Server.PIDFile)
	}
	if cfg.Server.Port != 8787 {
		t.Fatalf("expected default port 8787, got %d", cfg.Server.Port)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
`)
	t.Setenv("SIDEQUEST_PORT", "9100")
	t.Setenv("SIDEQUEST_LOG_LEVEL", "warn")
	t.Setenv("SIDEQUEST_MIGRATION_API_KEY", "env-key")
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("env override lost: port %d", cfg.Server.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env override lost: log_level %q", cfg.LogLevel)
	}
	if cfg.Server.MigrationAPIKey != "env-key" {
		t.Fatalf("env override lost: migration key %q", cfg.Server.MigrationAPIKey)
	}
	if cfg.Tokens.GitHub != "ghp_test" {
		t.Fatalf("env override lost: github token %q", cfg.Tokens.GitHub)
	}
}

func TestLoadCredentialsFileMergedBelowEnv(t *testing.T) {
	path := writeConfig(t, "")
	credDir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "sidequest")
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	creds := "github_token = \"ghp_file\"\nmigration_api_key = \"file-key\"\n"
	if err := os.WriteFile(filepath.Join(credDir, "credentials.toml"), []byte(creds), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	t.Setenv("GITHUB_TOKEN", "ghp_env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tokens.GitHub != "ghp_env" {
		t.Fatalf("env should win over credentials file, got %q", cfg.Tokens.GitHub)
	}
	if cfg.Server.MigrationAPIKey != "file-key" {
		t.Fatalf("credentials file not merged, got %q", cfg.Server.MigrationAPIKey)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad log level",
			content: "log_level = \"loud\"\n",
			wantErr: "unsupported log_level",
		},
		{
			name:    "bad port",
			content: "[server]\nport = 70000\n",
			wantErr: "invalid server.port",
		},
		{
			name:    "bad trigger",
			content: "[notifications]\ntriggers = [\"job_failed\", \"nope\"]\n",
			wantErr: "unsupported trigger",
		},
		{
			name:    "bad webhook url",
			content: "[notifications]\nwebhook_url = \"ftp://example.com/hook\"\n",
			wantErr: "invalid notifications.webhook_url",
		},
		{
			name:    "bad pipeline id",
			content: "[[pipelines]]\nid = \"Duplicates\"\n",
			wantErr: "invalid id",
		},
		{
			name:    "duplicate pipeline",
			content: "[[pipelines]]\nid = \"schema\"\n[[pipelines]]\nid = \"schema\"\n",
			wantErr: "duplicate [[pipelines]]",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNormalizeTriggersDedupesAndLowercases(t *testing.T) {
	t.Parallel()
	got, err := normalizeTriggers([]string{" Job_Failed ", "pr_created", "job_failed"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []string{"job_failed", "pr_created"}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestPipelineSettingsMergesOverrides(t *testing.T) {
	path := writeConfig(t, `
[git]
enabled = true
branch_prefix = "sq"

[retry]
attempts = 4
delay_ms = 250

[[pipelines]]
id = "repomix"
max_concurrent = 2
retry_delay_ms = 50
enable_git_workflow = false
timeout_minutes = 45
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	s := cfg.PipelineSettings("repomix")
	if s.MaxConcurrent != 2 {
		t.Fatalf("expected max_concurrent 2, got %d", s.MaxConcurrent)
	}
	if s.RetryAttempts != 4 {
		t.Fatalf("expected retry attempts to fall back to global 4, got %d", s.RetryAttempts)
	}
	if s.RetryDelay != 50*time.Millisecond {
		t.Fatalf("expected retry delay 50ms, got %v", s.RetryDelay)
	}
	if s.EnableGitWorkflow {
		t.Fatal("expected per-pipeline git workflow override to disable git")
	}
	if s.BranchPrefix != "sq" {
		t.Fatalf("expected branch prefix sq, got %q", s.BranchPrefix)
	}
	if s.Timeout != 45*time.Minute {
		t.Fatalf("expected timeout 45m, got %v", s.Timeout)
	}

	// Pipelines without an override get the global settings.
	g := cfg.PipelineSettings("schema")
	if g.MaxConcurrent != 3 || !g.EnableGitWorkflow || g.Timeout != 10*time.Minute {
		t.Fatalf("unexpected global settings: %+v", g)
	}
}

func TestSaveCredentialsRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	in := &Credentials{GitHubToken: "ghp_round", MigrationAPIKey: "key-round"}
	if err := SaveCredentials(in); err != nil {
		t.Fatalf("save credentials: %v", err)
	}

	path, err := CredentialsPath()
	if err != nil {
		t.Fatalf("credentials path: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat credentials: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %04o", perm)
	}

	out, err := LoadCredentials()
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if out.GitHubToken != in.GitHubToken || out.MigrationAPIKey != in.MigrationAPIKey {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
