package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var activityLimit int

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show the daemon's recent activity feed",
	RunE:  runActivity,
}

func init() {
	activityCmd.Flags().IntVar(&activityLimit, "limit", 20, "maximum entries to show")
	rootCmd.AddCommand(activityCmd)
}

func runActivity(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := apiCall(cfg, "GET", "/api/activity?limit="+strconv.Itoa(activityLimit), nil, nil)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(data)
		return nil
	}

	entries, _ := data["activities"].([]any)
	if len(entries) == 0 {
		fmt.Println("No recent activity.")
		return nil
	}

	for _, raw := range entries {
		e, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		ts := ""
		if s, ok := e["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				ts = t.Local().Format("15:04:05")
			}
		}
		typ, _ := e["type"].(string)
		jobID, _ := e["jobId"].(string)
		pipeline, _ := e["pipelineId"].(string)
		line := fmt.Sprintf("%s  %-16s", ts, typ)
		if pipeline != "" {
			line += "  " + pipeline
		}
		if jobID != "" {
			line += "  " + jobID
		}
		fmt.Println(line)
	}

	if stats, ok := data["stats"].(map[string]any); ok {
		hour, _ := stats["lastHour"].(float64)
		day, _ := stats["lastDay"].(float64)
		fmt.Printf("\n%d events in the last hour, %d in the last day.\n", int(hour), int(day))
	}
	return nil
}
