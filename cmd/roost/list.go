package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// listCmd implements `roost list`, grounded on the reference's cmd/wt/main.go
// tabwriter-based instance listing.
func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveDataDir()
			if err != nil {
				return err
			}
			instances, err := controlClient(dataDir).List()
			if err != nil {
				return fmt.Errorf("list instances: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCOMMAND\tPHASE\tSTATE\tLOCKED")
			for _, inst := range instances {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\n",
					inst.ID, inst.Name, joinCommand(inst.Command), inst.Phase, inst.State, inst.Locked)
			}
			return tw.Flush()
		},
	}
}

func joinCommand(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
