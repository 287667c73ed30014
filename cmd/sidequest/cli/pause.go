package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <pipeline>",
	Short: "Pause a pipeline (running jobs finish, queued jobs wait)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPipelinePaused(args[0], true) },
}

var resumeCmd = &cobra.Command{
	Use:   "resume <pipeline>",
	Short: "Resume a paused pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPipelinePaused(args[0], false) },
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
}

func setPipelinePaused(pipelineID string, paused bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	action := "resume"
	if paused {
		action = "pause"
	}
	data, err := apiCall(cfg, "POST", "/api/pipelines/"+pipelineID+"/"+action, nil, nil)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(data)
		return nil
	}
	if paused {
		fmt.Printf("Pipeline %s paused.\n", pipelineID)
	} else {
		fmt.Printf("Pipeline %s resumed.\n", pipelineID)
	}
	return nil
}
