package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/yamatovision/bluelamp/internal/session"
	"github.com/yamatovision/bluelamp/internal/storage"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old sessions",
	Long: `Delete old sessions according to the retention policy.

The newest sessions are kept (session.retention_count in the config, or
BLUELAMP_RETENTION_COUNT). Sessions held open by a running bluelamp process
are never removed.

Examples:
  bluelamp cleanup              # Keep the configured number of sessions
  bluelamp cleanup --keep 5     # Keep the 5 newest sessions
  bluelamp cleanup --dry-run    # Preview what would be deleted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		keep, _ := cmd.Flags().GetInt("keep")
		if !cmd.Flags().Changed("keep") {
			keep = settings.Session.RetentionCount
		}

		ctx := cmd.Context()
		store, err := storage.NewFileStore(ctx, &storage.Config{Root: settings.Session.Root})
		if err != nil {
			return fmt.Errorf("failed to open session root: %w", err)
		}

		out := cmd.OutOrStdout()
		if dryRun {
			fmt.Fprintf(out, "%s\n", color.YellowString("DRY RUN MODE - No sessions will be deleted"))
		}
		fmt.Fprintf(out, "Scanning %s (keeping %s newest)...\n\n", settings.Session.Root, formatNumber(keep))

		res, err := session.Cleanup(ctx, store, keep, dryRun)
		if err != nil {
			return fmt.Errorf("session cleanup failed: %w", err)
		}
		for _, m := range res.Removed {
			fmt.Fprintf(out, "  %s %s (%s)\n", color.RedString("-"), m.SessionID, m.Agent)
		}
		for _, m := range res.Skipped {
			fmt.Fprintf(out, "  %s %s is in use\n", color.YellowString("!"), m.SessionID)
		}

		fmt.Fprintln(out)
		if dryRun {
			fmt.Fprintf(out, "Would delete %s session(s)\n", formatNumber(len(res.Removed)))
			fmt.Fprintf(out, "Run without --dry-run to perform cleanup\n")
		} else {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Fprintf(out, "%s Deleted %s session(s), kept %s\n", green("✓"),
				formatNumber(len(res.Removed)), formatNumber(len(res.Kept)))
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Bool("dry-run", false, "Preview what would be deleted without actually deleting")
	cleanupCmd.Flags().Int("keep", 0, "Number of newest sessions to keep (default from config)")
	rootCmd.AddCommand(cleanupCmd)
}

// formatNumber formats an integer with thousand separators
func formatNumber(n int) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
	}
	// Billions
	return fmt.Sprintf("%d,%03d,%03d,%03d", n/1000000000, (n/1000000)%1000, (n/1000)%1000, n%1000)
}
