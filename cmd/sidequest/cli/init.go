package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sidequest/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up Sidequest config and credentials",
	Long:  "Interactive wizard that creates ~/.config/sidequest/ with config.toml and credentials.toml.",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	// Explicit --config means project-local init.
	if cfgPath != "" {
		return runLocalInit()
	}
	return runGlobalInit()
}

func runGlobalInit() error {
	reader := bufio.NewReader(os.Stdin)

	configDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	cfgFile, err := config.GlobalConfigPath()
	if err != nil {
		return err
	}
	credsFile, err := config.CredentialsPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(credsFile); err == nil {
		fmt.Printf("Existing credentials found at %s\n", credsFile)
		fmt.Print("Re-run setup? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	// GitHub token, masked. Only needed for push/PR; empty is fine.
	fmt.Print("GitHub token (input is hidden, leave empty to skip): ")
	tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))

	if token == "" {
		if envToken := os.Getenv("GITHUB_TOKEN"); envToken != "" {
			fmt.Print("GITHUB_TOKEN env var detected. Save it to credentials.toml? [Y/n]: ")
			answer, _ := reader.ReadString('\n')
			answer = strings.TrimSpace(strings.ToLower(answer))
			if answer == "" || answer == "y" || answer == "yes" {
				token = envToken
			}
		}
	}

	creds, err := config.LoadCredentials()
	if err != nil {
		creds = &config.Credentials{}
	}
	if token != "" {
		creds.GitHubToken = token
	}
	if err := config.SaveCredentials(creds); err != nil {
		return err
	}
	fmt.Printf("Credentials saved: %s\n", credsFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.WriteFile(cfgFile, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Config created: %s\n", cfgFile)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgFile)
	}

	cfg, err := config.LoadMinimal(cfgFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Printf("Database initialized: %s\n", cfg.DBPath)

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit your config:    sidequest config")
	fmt.Println("  2. Start the daemon:    sidequest start")
	fmt.Println("  3. Watch the dashboard: sidequest tui")
	return nil
}

func runLocalInit() error {
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := os.WriteFile(cfgPath, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("write config template: %w", err)
		}
		fmt.Printf("Created config template: %s\n", cfgPath)
		return nil
	}
	fmt.Printf("Config already exists: %s\n", cfgPath)
	return nil
}

const configTemplate = `# Sidequest configuration
#
# Tokens: store in ~/.config/sidequest/credentials.toml or set env vars
# (GITHUB_TOKEN, SIDEQUEST_MIGRATION_API_KEY)
#
# Data files (DB, repos.json, repomix output) default to ~/.local/share/sidequest/
# State files (logs, PID) default to ~/.local/state/sidequest/
# Override with XDG_DATA_HOME / XDG_STATE_HOME or set paths explicitly below.

log_level = "info"              # debug|info|warn|error

[server]
port = 8787
rate_limit_per_min = 120
# migration_api_key = ""        # required for POST /api/jobs/bulk-import

[git]
enabled = false                 # set true to branch/commit/push job output
branch_prefix = "sidequest"
base_branch = "main"
dry_run = false
enable_pr_creation = false
pr_dry_run = false

[retry]
attempts = 3
delay_ms = 1000
max_absolute_attempts = 5

[workspace]
# output_dir = "~/.local/share/sidequest/repomix"
# scan_roots = ["~/code"]       # searched for repos by the git-activity pipeline

[notifications]
# webhook_url = "https://example.com/hook"                 # generic JSON webhook
# slack_webhook = "https://hooks.slack.com/services/..."   # Slack incoming webhook
# desktop = true                                            # macOS desktop notifications
# triggers = ["job_failed", "retry_exhausted", "pr_created", "high_impact_scan"]
# Set triggers = [] to disable all notifications.

# --- per-pipeline overrides ---
# [[pipelines]]
# id = "repomix"
# max_concurrent = 3
# retry_attempts = 3
# timeout_minutes = 10

# [[pipelines]]
# id = "schema-enhancement"
# enable_git_workflow = true
# branch_prefix = "schema"
`
