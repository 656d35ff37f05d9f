// File: cmd/import.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/internal/observability"
	"github.com/xkilldash9x/ctibridge/internal/syncer"
)

func newImportCmd() *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Run a forward connector once, from a provider into the platform",
	}
	importCmd.AddCommand(newImportJobCmd("silobreaker", "Import documents from the Silobreaker lists",
		func(c *components) (syncer.Job, error) { return c.silobreakerJob() }))
	importCmd.AddCommand(newImportJobCmd("threatmatch", "Import profiles, alerts and indicators from ThreatMatch",
		func(c *components) (syncer.Job, error) { return c.threatmatchJob() }))
	return importCmd
}

func newImportJobCmd(name, short string, build func(*components) (syncer.Job, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			comps, err := initializeComponents(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer comps.Shutdown()

			job, err := build(comps)
			if err != nil {
				return err
			}
			if err := comps.driver().RunOnce(ctx, job); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Import aborted gracefully", zap.String("connector", job.Name()))
				}
				return fmt.Errorf("%s import failed: %w", job.Name(), err)
			}
			return nil
		},
	}
}
