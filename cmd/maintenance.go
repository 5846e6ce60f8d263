package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete scans older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := app.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			cmd.Printf("deleted %d scans and %d jobs\n", res.ScansDeleted, res.JobsDeleted)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context())
		},
	}
}
