package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// killCmd implements `roost kill <instance-id>`.
func killCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "kill <instance-id>",
		Short: "Kill a single instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveDataDir()
			if err != nil {
				return err
			}
			if err := controlClient(dataDir).Kill(args[0], force); err != nil {
				return fmt.Errorf("kill %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "force kill (SIGKILL) instead of the default polite shutdown")
	return cmd
}
