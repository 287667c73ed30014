package config

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const Version = "0.1.0"

// Credentials holds secrets loaded from credentials.toml.
type Credentials struct {
	GitHubToken     string `toml:"github_token"`
	MigrationAPIKey string `toml:"migration_api_key"`
}

// LoadCredentials reads credentials.toml. Returns an empty Credentials if
// the file does not exist. Warns if the file has insecure permissions.
func LoadCredentials() (*Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return &Credentials{}, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	// Warn on insecure permissions (anything beyond owner read/write).
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("credentials file has insecure permissions",
			"path", path, "mode", fmt.Sprintf("%04o", perm))
	}

	creds := &Credentials{}
	if _, err := toml.DecodeFile(path, creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.toml with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(creds); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), fs.FileMode(0o600)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type Config struct {
	DBPath    string `toml:"db_path" env:"SIDEQUEST_DB_PATH"`
	ReposFile string `toml:"repos_file" env:"SIDEQUEST_REPOS_FILE"`
	LogLevel  string `toml:"log_level" env:"SIDEQUEST_LOG_LEVEL"`
	LogFile   string `toml:"log_file" env:"SIDEQUEST_LOG_FILE"`

	Server        ServerConfig        `toml:"server"`
	Git           GitConfig           `toml:"git"`
	Retry         RetryConfig         `toml:"retry"`
	Activity      ActivityConfig      `toml:"activity"`
	Workspace     WorkspaceConfig     `toml:"workspace"`
	Tokens        TokensConfig        `toml:"tokens"`
	Notifications NotificationsConfig `toml:"notifications"`

	Pipelines []PipelineConfig `toml:"pipelines"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-" env:"-"`
}

type ServerConfig struct {
	Port            int    `toml:"port" env:"SIDEQUEST_PORT"`
	MigrationAPIKey string `toml:"migration_api_key" env:"SIDEQUEST_MIGRATION_API_KEY"`
	RateLimitPerMin int    `toml:"rate_limit_per_min" env:"SIDEQUEST_RATE_LIMIT_PER_MIN"`
	PIDFile         string `toml:"pid_file"`
}

type GitConfig struct {
	Enabled          bool   `toml:"enabled" env:"SIDEQUEST_GIT_ENABLED"`
	BranchPrefix     string `toml:"branch_prefix" env:"SIDEQUEST_GIT_BRANCH_PREFIX"`
	BaseBranch       string `toml:"base_branch" env:"SIDEQUEST_GIT_BASE_BRANCH"`
	DryRun           bool   `toml:"dry_run" env:"SIDEQUEST_GIT_DRY_RUN"`
	EnablePRCreation bool   `toml:"enable_pr_creation" env:"SIDEQUEST_ENABLE_PR_CREATION"`
	PRDryRun         bool   `toml:"pr_dry_run" env:"SIDEQUEST_PR_DRY_RUN"`
}

type RetryConfig struct {
	Attempts            int `toml:"attempts" env:"SIDEQUEST_RETRY_ATTEMPTS"`
	DelayMS             int `toml:"delay_ms" env:"SIDEQUEST_RETRY_DELAY_MS"`
	MaxAbsoluteAttempts int `toml:"max_absolute_attempts" env:"SIDEQUEST_RETRY_MAX_ABSOLUTE_ATTEMPTS"`
}

type ActivityConfig struct {
	MaxEntries int `toml:"max_entries" env:"SIDEQUEST_MAX_ACTIVITIES"`
}

// WorkspaceConfig locates the directories the pipelines read and write.
type WorkspaceConfig struct {
	// OutputDir receives mirrored repomix output.
	OutputDir string `toml:"output_dir" env:"SIDEQUEST_OUTPUT_DIR"`
	// ScanRoots are searched for git repositories by the activity pipeline.
	ScanRoots []string `toml:"scan_roots"`
}

type TokensConfig struct {
	GitHub string `toml:"github" env:"GITHUB_TOKEN"`
}

type NotificationsConfig struct {
	WebhookURL   string   `toml:"webhook_url" env:"SIDEQUEST_NOTIFY_WEBHOOK_URL"`
	SlackWebhook string   `toml:"slack_webhook" env:"SIDEQUEST_NOTIFY_SLACK_WEBHOOK"`
	Desktop      bool     `toml:"desktop"`
	Triggers     []string `toml:"triggers"`
}

const (
	TriggerJobFailed      = "job_failed"
	TriggerRetryExhausted = "retry_exhausted"
	TriggerPRCreated      = "pr_created"
	TriggerHighImpact     = "high_impact_scan"
)

var defaultNotificationTriggers = []string{
	TriggerJobFailed,
	TriggerRetryExhausted,
	TriggerPRCreated,
	TriggerHighImpact,
}

// PipelineConfig overrides scheduler and git settings for one pipeline.
// Zero values fall back to the global sections.
type PipelineConfig struct {
	ID                string `toml:"id"`
	MaxConcurrent     int    `toml:"max_concurrent"`
	RetryAttempts     int    `toml:"retry_attempts"`
	RetryDelayMS      int    `toml:"retry_delay_ms"`
	EnableGitWorkflow *bool  `toml:"enable_git_workflow"`
	BranchPrefix      string `toml:"branch_prefix"`
	TimeoutMinutes    int    `toml:"timeout_minutes"`
}

// PipelineSettings is the fully resolved per-pipeline tuning after global
// defaults and overrides are merged.
type PipelineSettings struct {
	ID                string
	MaxConcurrent     int
	RetryAttempts     int
	RetryDelay        time.Duration
	EnableGitWorkflow bool
	BranchPrefix      string
	Timeout           time.Duration
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	// Snapshot secrets from the config file before credentials/env are
	// merged in, so the warning only fires for literals in config.toml.
	fileToken := cfg.Tokens.GitHub
	fileKey := cfg.Server.MigrationAPIKey
	applyDefaults(cfg)
	if err := applyCredentialsAndEnv(cfg); err != nil {
		return nil, err
	}
	warnSecretsInFile(fileToken, fileKey)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

// LoadMinimal loads config without running validate(). Used by
// `sidequest init` where pipelines may not be configured yet.
func LoadMinimal(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(path)
	applyDefaults(cfg)
	if err := applyCredentialsAndEnv(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		if d, err := DataDir(); err == nil {
			cfg.DBPath = filepath.Join(d, "sidequest.db")
		} else {
			cfg.DBPath = "sidequest.db"
		}
	}
	if cfg.ReposFile == "" {
		if d, err := DataDir(); err == nil {
			cfg.ReposFile = filepath.Join(d, "repositories.json")
		} else {
			cfg.ReposFile = "repositories.json"
		}
	}
	if cfg.LogFile == "" {
		if d, err := StateDir(); err == nil {
			cfg.LogFile = filepath.Join(d, "sidequest.log")
		} else {
			cfg.LogFile = "sidequest.log"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8787
	}
	if cfg.Server.RateLimitPerMin == 0 {
		cfg.Server.RateLimitPerMin = 120
	}
	if cfg.Server.PIDFile == "" {
		if d, err := StateDir(); err == nil {
			cfg.Server.PIDFile = filepath.Join(d, "sidequest.pid")
		} else {
			cfg.Server.PIDFile = "sidequest.pid"
		}
	}
	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = "sidequest"
	}
	if cfg.Git.BaseBranch == "" {
		cfg.Git.BaseBranch = "main"
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.DelayMS == 0 {
		cfg.Retry.DelayMS = 1000
	}
	if cfg.Retry.MaxAbsoluteAttempts == 0 {
		cfg.Retry.MaxAbsoluteAttempts = 5
	}
	if cfg.Activity.MaxEntries == 0 {
		cfg.Activity.MaxEntries = 50
	}
	if cfg.Workspace.OutputDir == "" {
		if d, err := DataDir(); err == nil {
			cfg.Workspace.OutputDir = filepath.Join(d, "repomix")
		} else {
			cfg.Workspace.OutputDir = "repomix-output"
		}
	}
	if cfg.Notifications.Triggers == nil {
		cfg.Notifications.Triggers = slices.Clone(defaultNotificationTriggers)
	}
}

// applyCredentialsAndEnv merges secrets from credentials.toml and then
// overlays environment variables. Priority (highest to lowest):
// env > credentials.toml > config file.
func applyCredentialsAndEnv(cfg *Config) error {
	creds, err := LoadCredentials()
	if err != nil {
		slog.Warn("failed to load credentials", "error", err)
	}
	if creds != nil {
		if creds.GitHubToken != "" {
			cfg.Tokens.GitHub = creds.GitHubToken
		}
		if creds.MigrationAPIKey != "" {
			cfg.Server.MigrationAPIKey = creds.MigrationAPIKey
		}
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	return nil
}

// warnSecretsInFile warns only when a secret was literally written in
// config.toml rather than credentials.toml or the environment.
func warnSecretsInFile(githubToken, migrationKey string) {
	if githubToken != "" {
		slog.Warn("github token found in config file; prefer credentials.toml or GITHUB_TOKEN env var")
	}
	if migrationKey != "" {
		slog.Warn("migration api key found in config file; prefer credentials.toml or SIDEQUEST_MIGRATION_API_KEY env var")
	}
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", cfg.Server.Port)
	}
	if cfg.Server.RateLimitPerMin < 1 {
		return fmt.Errorf("invalid server.rate_limit_per_min: %d", cfg.Server.RateLimitPerMin)
	}
	if cfg.Retry.Attempts < 1 {
		return fmt.Errorf("invalid retry.attempts: %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.DelayMS < 0 {
		return fmt.Errorf("invalid retry.delay_ms: %d", cfg.Retry.DelayMS)
	}
	if cfg.Retry.MaxAbsoluteAttempts < 1 {
		return fmt.Errorf("invalid retry.max_absolute_attempts: %d", cfg.Retry.MaxAbsoluteAttempts)
	}
	if cfg.Activity.MaxEntries < 1 {
		return fmt.Errorf("invalid activity.max_entries: %d", cfg.Activity.MaxEntries)
	}
	normalizedTriggers, err := validateNotificationsConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	cfg.Notifications.Triggers = normalizedTriggers

	seen := make(map[string]struct{}, len(cfg.Pipelines))
	for i, p := range cfg.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("pipelines[%d]: id is required", i)
		}
		if !validPipelineID(p.ID) {
			return fmt.Errorf("pipelines[%d]: invalid id %q (lowercase letters, digits, hyphens)", i, p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate [[pipelines]] entry for %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("pipeline %q: invalid max_concurrent %d", p.ID, p.MaxConcurrent)
		}
		if p.RetryAttempts < 0 {
			return fmt.Errorf("pipeline %q: invalid retry_attempts %d", p.ID, p.RetryAttempts)
		}
		if p.TimeoutMinutes < 0 {
			return fmt.Errorf("pipeline %q: invalid timeout_minutes %d", p.ID, p.TimeoutMinutes)
		}
	}
	return nil
}

func validPipelineID(id string) bool {
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' && i > 0:
		default:
			return false
		}
	}
	return id != ""
}

func validateNotificationsConfig(cfg NotificationsConfig) ([]string, error) {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.SlackWebhook != "" {
		if err := validateWebhookURL(cfg.SlackWebhook); err != nil {
			return nil, fmt.Errorf("invalid notifications.slack_webhook: %w", err)
		}
	}
	normalized, err := normalizeTriggers(cfg.Triggers)
	if err != nil {
		return nil, fmt.Errorf("invalid notifications.triggers: %w", err)
	}
	return normalized, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeTriggers(triggers []string) ([]string, error) {
	out := make([]string, 0, len(triggers))
	seen := make(map[string]struct{}, len(triggers))
	for i, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if normalized == "" {
			return nil, fmt.Errorf("trigger at index %d is empty", i)
		}
		if !isValidTrigger(normalized) {
			return nil, fmt.Errorf("unsupported trigger %q", normalized)
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out, nil
}

func isValidTrigger(trigger string) bool {
	switch trigger {
	case TriggerJobFailed, TriggerRetryExhausted, TriggerPRCreated, TriggerHighImpact:
		return true
	default:
		return false
	}
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	cfg.ReposFile = absPath(cfg.BaseDir, cfg.ReposFile)
	cfg.Server.PIDFile = absPath(cfg.BaseDir, cfg.Server.PIDFile)
	cfg.Workspace.OutputDir = absPath(cfg.BaseDir, cfg.Workspace.OutputDir)
	for i, root := range cfg.Workspace.ScanRoots {
		cfg.Workspace.ScanRoots[i] = absPath(cfg.BaseDir, root)
	}
	if cfg.LogFile != "" {
		cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// PipelineByID returns the raw [[pipelines]] entry for id, if present.
func (cfg *Config) PipelineByID(id string) (*PipelineConfig, bool) {
	for i := range cfg.Pipelines {
		if cfg.Pipelines[i].ID == id {
			return &cfg.Pipelines[i], true
		}
	}
	return nil, false
}

// PipelineSettings resolves the effective tuning for a pipeline, merging
// global defaults with any [[pipelines]] override.
func (cfg *Config) PipelineSettings(id string) PipelineSettings {
	out := PipelineSettings{
		ID:                id,
		MaxConcurrent:     3,
		RetryAttempts:     cfg.Retry.Attempts,
		RetryDelay:        time.Duration(cfg.Retry.DelayMS) * time.Millisecond,
		EnableGitWorkflow: cfg.Git.Enabled,
		BranchPrefix:      cfg.Git.BranchPrefix,
		Timeout:           10 * time.Minute,
	}
	p, ok := cfg.PipelineByID(id)
	if !ok {
		return out
	}
	if p.MaxConcurrent > 0 {
		out.MaxConcurrent = p.MaxConcurrent
	}
	if p.RetryAttempts > 0 {
		out.RetryAttempts = p.RetryAttempts
	}
	if p.RetryDelayMS > 0 {
		out.RetryDelay = time.Duration(p.RetryDelayMS) * time.Millisecond
	}
	if p.EnableGitWorkflow != nil {
		out.EnableGitWorkflow = *p.EnableGitWorkflow
	}
	if p.BranchPrefix != "" {
		out.BranchPrefix = p.BranchPrefix
	}
	if p.TimeoutMinutes > 0 {
		out.Timeout = time.Duration(p.TimeoutMinutes) * time.Minute
	}
	return out
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
