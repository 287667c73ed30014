package cli

import (
	"fmt"

	"sidequest/internal/notify"

	"github.com/spf13/cobra"
)

var notifyTest bool

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send notification test events",
	RunE:  runNotify,
}

func init() {
	notifyCmd.Flags().BoolVar(&notifyTest, "test", false, "send a test notification to all configured channels")
	rootCmd.AddCommand(notifyCmd)
}

type notifyTestOutput struct {
	Test    bool                   `json:"test"`
	Success bool                   `json:"success"`
	Results []notify.ChannelResult `json:"results"`
	Error   string                 `json:"error,omitempty"`
}

func runNotify(cmd *cobra.Command, args []string) error {
	if !notifyTest {
		return fmt.Errorf("notify currently supports only --test")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	notifier := notify.New(cfg.Notifications, nil)
	var results []notify.ChannelResult
	if !notifier.Enabled() {
		err = fmt.Errorf("no notification channels configured")
	} else {
		results = notifier.SendTest(cmd.Context())
		successes := 0
		for _, result := range results {
			if result.Success {
				successes++
			}
		}
		if successes == 0 {
			err = fmt.Errorf("all notification channels failed")
		} else {
			err = nil
		}
	}

	if jsonOut {
		out := notifyTestOutput{Test: true, Success: err == nil, Results: results}
		if err != nil {
			out.Error = err.Error()
		}
		printJSON(out)
		return err
	}

	for _, result := range results {
		if result.Success {
			fmt.Printf("%s: ok\n", result.Channel)
			continue
		}
		if result.Error != "" {
			fmt.Printf("%s: failed (%s)\n", result.Channel, result.Error)
			continue
		}
		fmt.Printf("%s: failed\n", result.Channel)
	}
	if err != nil {
		return err
	}
	fmt.Println("notification test succeeded")
	return nil
}
