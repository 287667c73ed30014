package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"sidequest/internal/db"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details for one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(job)
		return nil
	}

	fmt.Printf("Job:       %s\n", job.ID)
	fmt.Printf("Pipeline:  %s\n", job.PipelineID)
	fmt.Printf("Status:    %s\n", job.Status)
	fmt.Printf("Retries:   %d/%d\n", job.RetryCount, job.MaxRetries)
	fmt.Printf("Created:   %s\n", job.CreatedAt.Local().Format(time.DateTime))
	if job.StartedAt != nil {
		fmt.Printf("Started:   %s\n", job.StartedAt.Local().Format(time.DateTime))
	}
	if job.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", job.CompletedAt.Local().Format(time.DateTime))
	}
	if job.Duration > 0 {
		fmt.Printf("Duration:  %s\n", time.Duration(job.Duration)*time.Millisecond)
	}
	if job.Status == db.StatusRunning {
		fmt.Printf("Progress:  %d%%", job.Progress)
		if job.CurrentOperation != "" {
			fmt.Printf(" (%s)", job.CurrentOperation)
		}
		fmt.Println()
	}
	if job.Error != nil {
		fmt.Printf("Error:     %s", job.Error.Message)
		if job.Error.Code != "" {
			fmt.Printf(" [%s]", job.Error.Code)
		}
		fmt.Println()
	}
	if job.Git != nil {
		if job.Git.BranchName != "" {
			fmt.Printf("Branch:    %s\n", job.Git.BranchName)
		}
		if job.Git.PullRequestURL != "" {
			fmt.Printf("PR:        %s\n", job.Git.PullRequestURL)
		}
	}
	if len(job.Data) > 0 {
		fmt.Println("\nData:")
		printIndentedJSON(job.Data)
	}
	if job.Result != nil {
		fmt.Println("\nResult:")
		printIndentedJSON(job.Result)
	}
	return nil
}

func printIndentedJSON(v any) {
	b, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		fmt.Printf("  %v\n", v)
		return
	}
	fmt.Printf("  %s\n", b)
}
