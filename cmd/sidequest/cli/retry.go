package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed job as a new job",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := apiCall(cfg, "POST", "/api/jobs/"+args[0]+"/retry", nil, nil)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(data)
		return nil
	}
	newID, _ := data["newJobId"].(string)
	fmt.Printf("Retry queued as %s.\n", newID)
	return nil
}
