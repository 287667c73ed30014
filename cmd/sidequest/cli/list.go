package cli

import (
	"fmt"
	"strings"
	"time"

	"sidequest/internal/db"

	"github.com/spf13/cobra"
)

var (
	listPipeline string
	listStatus   string
	listPage     int
	listPageSize int
	listAll      bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with filters",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listPipeline, "pipeline", "", "filter by pipeline id")
	listCmd.Flags().StringVar(&listStatus, "status", "all", "filter by status")
	listCmd.Flags().IntVar(&listPage, "page", 1, "page number (1-based)")
	listCmd.Flags().IntVar(&listPageSize, "page-size", 20, "number of rows per page")
	listCmd.Flags().BoolVar(&listAll, "all", false, "disable pagination and show full output")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	status, err := normalizeListStatus(listStatus)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := db.ListOptions{
		PipelineID: listPipeline,
		Status:     status,
	}
	if !listAll {
		if listPage < 1 {
			return fmt.Errorf("invalid page value %d; expected >= 1", listPage)
		}
		if listPageSize < 1 {
			return fmt.Errorf("invalid page-size value %d; expected >= 1", listPageSize)
		}
		opts.Limit = listPageSize
		opts.Offset = (listPage - 1) * listPageSize
	}

	jobs, err := store.ListJobs(cmd.Context(), opts)
	if err != nil {
		return err
	}
	total, err := store.CountJobs(cmd.Context(), opts)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(struct {
			Jobs     []*db.Job `json:"jobs"`
			Page     int       `json:"page"`
			PageSize int       `json:"pageSize"`
			Total    int       `json:"total"`
		}{
			Jobs:     jobs,
			Page:     listPage,
			PageSize: listPageSize,
			Total:    total,
		})
		return nil
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found. Run 'sidequest trigger <pipeline>' to create one.")
		return nil
	}

	if !listAll {
		pages := (total + listPageSize - 1) / listPageSize
		fmt.Printf("Page %d/%d, total rows: %d\n", listPage, pages, total)
	}

	fmt.Printf("%-34s %-14s %-10s %-6s %-28s %s\n", "JOB", "PIPELINE", "STATUS", "RETRY", "OPERATION", "CREATED")
	fmt.Println(strings.Repeat("-", 110))

	queued, running, failed := 0, 0, 0
	for _, j := range jobs {
		fmt.Printf("%-34s %-14s %-10s %-6s %-28s %s\n",
			truncate(j.ID, 34), truncate(j.PipelineID, 14), j.Status,
			fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
			truncate(j.CurrentOperation, 28),
			j.CreatedAt.Local().Format(time.DateTime))

		switch j.Status {
		case db.StatusQueued:
			queued++
		case db.StatusRunning:
			running++
		case db.StatusFailed:
			failed++
		}
	}
	fmt.Printf("Total: %d jobs (%d queued, %d running, %d failed)\n", total, queued, running, failed)
	return nil
}

func normalizeListStatus(status string) (db.Status, error) {
	if status == "" || status == "all" {
		return "", nil
	}
	st := db.Status(status)
	if !db.ValidStatus(st) {
		return "", fmt.Errorf("invalid --status %q (expected one of: all, queued, running, completed, failed, cancelled)", status)
	}
	return st, nil
}
