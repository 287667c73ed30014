package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := apiCall(cfg, "POST", "/api/jobs/"+args[0]+"/cancel", nil, nil)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(data)
		return nil
	}
	reason, _ := data["reason"].(string)
	if reason != "" {
		fmt.Printf("Job %s cancelled (%s).\n", args[0], reason)
	} else {
		fmt.Printf("Job %s cancelled.\n", args[0])
	}
	return nil
}
