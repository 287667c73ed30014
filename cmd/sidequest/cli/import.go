package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var importAPIKey string

var importCmd = &cobra.Command{
	Use:   "import <jobs.json>",
	Short: "Bulk-import jobs from a JSON export",
	Long: `Import jobs exported from another system into the daemon.

The file must contain either a JSON array of job records or an object
with a "jobs" array. Import is all-or-nothing per batch; records whose
ID already exists are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importAPIKey, "api-key", "", "migration API key (defaults to the configured one)")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read import file: %w", err)
	}

	// Accept either a bare array or the wrapped request shape.
	var jobs []json.RawMessage
	if err := json.Unmarshal(raw, &jobs); err != nil {
		var wrapped struct {
			Jobs []json.RawMessage `json:"jobs"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return fmt.Errorf("parse import file: %w", err)
		}
		jobs = wrapped.Jobs
	}
	if len(jobs) == 0 {
		return fmt.Errorf("import file contains no jobs")
	}

	key := importAPIKey
	if key == "" {
		key = cfg.Server.MigrationAPIKey
	}
	if key == "" {
		return fmt.Errorf("no migration API key configured; set [server] migration_api_key or pass --api-key")
	}

	data, err := apiCall(cfg, "POST", "/api/jobs/bulk-import",
		map[string]any{"jobs": jobs},
		map[string]string{"X-API-Key": key})
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(data)
		return nil
	}
	imported, _ := data["imported"].(float64)
	skipped, _ := data["skipped"].(float64)
	fmt.Printf("Imported %d jobs, skipped %d.\n", int(imported), int(skipped))
	if errs, ok := data["errors"].([]any); ok {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "warning: %v\n", e)
		}
	}
	return nil
}
