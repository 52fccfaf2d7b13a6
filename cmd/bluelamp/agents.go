package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yamatovision/bluelamp/internal/agent"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the registered agents",
	Long: `List every agent role with its delegation tool and the roles it can
delegate to. Any of them can start a session with --agent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tTITLE\tTOOL\tDELEGATES TO")
		for _, r := range agent.Roles() {
			var delegates []string
			for _, d := range r.Delegates() {
				delegates = append(delegates, string(d))
			}
			to := "-"
			if len(delegates) > 0 {
				to = strings.Join(delegates, ", ")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r, r.Title(), r.DelegateTool(), to)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}
