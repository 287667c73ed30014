package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"sidequest/internal/update"

	"github.com/spf13/cobra"
)

var upgradeCheckTimeout = 10 * time.Second

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Check whether a newer sidequest release is available",
	RunE:  runUpgrade,
}

type releaseChecker interface {
	Check(context.Context, string) (update.CheckResult, error)
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), upgradeCheckTimeout)
	defer cancel()
	return runUpgradeWith(ctx, os.Stdout, update.NewChecker(version), version)
}

func runUpgradeWith(ctx context.Context, out io.Writer, checker releaseChecker, currentVersion string) error {
	res, err := checker.Check(ctx, currentVersion)
	if err != nil {
		return err
	}
	if !res.UpdateAvailable {
		fmt.Fprintf(out, "already up to date (%s)\n", nonEmptyVersion(res.CurrentVersion, currentVersion))
		return nil
	}
	fmt.Fprintf(out, "update available: %s (current: %s)\n", res.LatestVersion, nonEmptyVersion(res.CurrentVersion, currentVersion))
	if res.ReleaseURL != "" {
		fmt.Fprintf(out, "release page: %s\n", res.ReleaseURL)
	}
	fmt.Fprintln(out, "Reinstall via your package manager or download the release binary for your platform.")
	return nil
}

func nonEmptyVersion(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	if fallback != "" {
		return fallback
	}
	return "unknown"
}
