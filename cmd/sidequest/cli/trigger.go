package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var triggerData string

var triggerCmd = &cobra.Command{
	Use:   "trigger <pipeline> [key=value ...]",
	Short: "Trigger a pipeline job via the daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerData, "data", "", "job parameters as a JSON object")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	params := map[string]any{}
	if triggerData != "" {
		if err := json.Unmarshal([]byte(triggerData), &params); err != nil {
			return fmt.Errorf("parse --data: %w", err)
		}
	}
	for _, kv := range args[1:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid parameter %q; expected key=value", kv)
		}
		params[key] = coerceParam(value)
	}

	data, err := apiCall(cfg, "POST", "/api/pipelines/"+args[0]+"/trigger", params, nil)
	if err != nil {
		return err
	}

	if jsonOut {
		printJSON(data)
		return nil
	}
	if job, ok := data["job"].(map[string]any); ok {
		if id, ok := job["id"].(string); ok {
			fmt.Printf("Job %s queued on pipeline %s.\n", id, args[0])
			return nil
		}
	}
	fmt.Printf("Job queued on pipeline %s.\n", args[0])
	return nil
}

// coerceParam keeps bools and numbers typed so pipeline parameter
// validation sees the same shapes an API client would send.
func coerceParam(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	var n float64
	if err := json.Unmarshal([]byte(value), &n); err == nil {
		return n
	}
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	}
	return value
}
