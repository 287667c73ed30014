package cli

import (
	"fmt"
	"sort"
	"strings"

	"sidequest/internal/daemon"

	"github.com/spf13/cobra"
)

type statusJobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

type statusOutput struct {
	Running       bool            `json:"running"`
	PID           int             `json:"pid,omitempty"`
	UptimeSeconds float64         `json:"uptimeSeconds,omitempty"`
	JobCounts     statusJobCounts `json:"jobCounts"`
	Paused        []string        `json:"pausedPipelines,omitempty"`
}

const (
	statusSectionSeparator  = " · "
	statusSectionLabelWidth = 10
)

type statusSectionEntry struct {
	label string
	count int
}

func renderStatusSection(title string, values []statusSectionEntry) (string, bool) {
	parts := make([]string, 0, len(values))
	hasNonZero := false
	for _, value := range values {
		if value.count != 0 {
			hasNonZero = true
		}
		parts = append(parts, fmt.Sprintf("%d %s", value.count, value.label))
	}
	return fmt.Sprintf("%-*s %s", statusSectionLabelWidth, title+":", strings.Join(parts, statusSectionSeparator)), hasNonZero
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and queue depth",
	RunE:  runStatus,
}

var statusShort bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusShort, "short", false, "print one-line status summary")
}

func renderShortStatusSummary(running bool, queued int, active int) string {
	state := "stopped"
	if running {
		state = "running"
	}
	return fmt.Sprintf("%s | %d queued, %d running", state, queued, active)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pid, running := daemon.Running(cfg.Server.PIDFile)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Reader.QueryContext(cmd.Context(), `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return err
	}

	jobCounts := statusJobCounts{
		Queued:    counts["queued"],
		Running:   counts["running"],
		Completed: counts["completed"],
		Failed:    counts["failed"],
		Cancelled: counts["cancelled"],
	}

	// When the daemon is up, enrich with its live view.
	var uptime float64
	var paused []string
	if running {
		if stats, err := apiCall(cfg, "GET", "/api/stats", nil, nil); err == nil {
			if v, ok := stats["uptimeSeconds"].(float64); ok {
				uptime = v
			}
			if pipelines, ok := stats["pipelines"].(map[string]any); ok {
				for id, raw := range pipelines {
					if p, ok := raw.(map[string]any); ok {
						if isPaused, _ := p["paused"].(bool); isPaused {
							paused = append(paused, id)
						}
					}
				}
				sort.Strings(paused)
			}
		}
	}

	if jsonOut {
		printJSON(statusOutput{
			Running:       running,
			PID:           pid,
			UptimeSeconds: uptime,
			JobCounts:     jobCounts,
			Paused:        paused,
		})
		return nil
	}

	if statusShort {
		fmt.Println(renderShortStatusSummary(running, jobCounts.Queued, jobCounts.Running))
		return nil
	}

	if running {
		if uptime > 0 {
			fmt.Printf("Daemon: running (PID %d, up %s)\n", pid, formatUptime(uptime))
		} else {
			fmt.Printf("Daemon: running (PID %d)\n", pid)
		}
	} else {
		fmt.Println("Daemon: stopped")
	}

	sections := []struct {
		title  string
		values []statusSectionEntry
	}{
		{
			title: "Pipeline",
			values: []statusSectionEntry{
				{label: "queued", count: jobCounts.Queued},
				{label: "running", count: jobCounts.Running},
			},
		},
		{
			title: "Done",
			values: []statusSectionEntry{
				{label: "completed", count: jobCounts.Completed},
			},
		},
		{
			title: "Problems",
			values: []statusSectionEntry{
				{label: "failed", count: jobCounts.Failed},
				{label: "cancelled", count: jobCounts.Cancelled},
			},
		},
	}

	sectionLines := make([]string, 0, len(sections))
	for _, section := range sections {
		line, hasNonZero := renderStatusSection(section.title, section.values)
		if hasNonZero {
			sectionLines = append(sectionLines, line)
		}
	}

	if len(sectionLines) > 0 {
		fmt.Println()
		for _, line := range sectionLines {
			fmt.Println(line)
		}
	}

	if len(paused) > 0 {
		fmt.Printf("\nPaused:    %s\n", strings.Join(paused, ", "))
	}

	return nil
}

func formatUptime(seconds float64) string {
	s := int(seconds)
	switch {
	case s >= 86400:
		return fmt.Sprintf("%dd%dh", s/86400, (s%86400)/3600)
	case s >= 3600:
		return fmt.Sprintf("%dh%dm", s/3600, (s%3600)/60)
	case s >= 60:
		return fmt.Sprintf("%dm", s/60)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
