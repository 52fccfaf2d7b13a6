package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/yamatovision/bluelamp/internal/session"
	"github.com/yamatovision/bluelamp/internal/storage"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved sessions",
	Long: `List the sessions stored under the session root, newest first.

Resume one with:
  bluelamp --resume <session_id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := storage.NewFileStore(ctx, &storage.Config{Root: settings.Session.Root})
		if err != nil {
			return fmt.Errorf("failed to open session root: %w", err)
		}
		list, err := session.List(ctx, store)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Fprintf(out, "%s No sessions in %s\n", yellow("ℹ"), settings.Session.Root)
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tCREATED\tAGENT\tWORKSPACE")
		for _, m := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.SessionID, m.CreatedAt.Local().Format(time.DateTime), m.Agent, m.Workspace)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
