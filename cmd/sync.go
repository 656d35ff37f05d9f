// File: cmd/sync.go
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

func newSyncCmd(v *viper.Viper) *cobra.Command {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a security product with a local candidate set",
	}
	syncCmd.AddCommand(newSyncSentinelCmd(v))
	return syncCmd
}

func newSyncSentinelCmd(v *viper.Viper) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Reconcile Sentinel indicators with the observables in a JSON file",
		Long: `Reads a JSON array of platform observables and creates, updates or skips the
matching remote indicators. With --prune, remote indicators without a local
counterpart are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			candidates, err := readObservables(cmd, file)
			if err != nil {
				return err
			}

			comps, err := initializeComponents(ctx, cfg, logger, false)
			if err != nil {
				return err
			}
			defer comps.Shutdown()
			reconciler, err := comps.reconciler()
			if err != nil {
				return err
			}

			res, err := reconciler.Reconcile(ctx, candidates, cfg.Sentinel.Prune)
			if err != nil {
				return fmt.Errorf("sentinel reconciliation failed: %w", err)
			}
			logger.Info("Reconciliation finished",
				zap.Int("created", res.Created),
				zap.Int("updated", res.Updated),
				zap.Int("deleted", res.Deleted),
				zap.Int("skipped", res.Skipped),
				zap.Int("failed", res.Failed))
			fmt.Fprintf(cmd.OutOrStdout(), "created=%d updated=%d deleted=%d skipped=%d failed=%d\n",
				res.Created, res.Updated, res.Deleted, res.Skipped, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d observable(s) could not be reconciled", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file of observables, - for stdin")
	cmd.Flags().Bool("prune", false, "delete remote indicators with no local counterpart")
	_ = cmd.MarkFlagRequired("file")
	_ = v.BindPFlag("sentinel.prune", cmd.Flags().Lookup("prune"))
	return cmd
}

func readObservables(cmd *cobra.Command, file string) ([]schemas.Observable, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read observables: %w", err)
	}
	return schemas.DecodeObservables(data)
}
