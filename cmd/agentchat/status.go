package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check that the agent runtime answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", headerStyle.Render(a.cfg.Backend.kind().String()), a.cfg.Backend.endpoint())

		if err := a.gateway.Health(cmd.Context()); err != nil {
			fmt.Fprintln(out, systemStyle.Render("unreachable"))
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Fprintln(out, successStyle.Render("ok"))
		return nil
	},
}
