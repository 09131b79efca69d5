package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// killServerCmd implements `roost kill-server`: asks the running daemon to
// shut down gracefully over the control socket rather than sending it a
// signal directly, so the request still works when the CLI is run from a
// different process tree (e.g. over SSH) than the daemon.
func killServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-server",
		Short: "Ask the running roost daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveDataDir()
			if err != nil {
				return err
			}
			if err := controlClient(dataDir).Shutdown(); err != nil {
				return fmt.Errorf("shut down server: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "server shutting down")
			return nil
		},
	}
}
