package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-snapshot/internal/modules"
	"github.com/celerix-dev/celerix-snapshot/internal/storage"
	"github.com/celerix-dev/celerix-snapshot/internal/transfer"
)

// newMigrateCmd copies the whole installation from the configured store into another
// one by exporting and importing a snapshot in memory.
func newMigrateCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		to         string
		toDataDir  string
		toSQLite   string
		dryRun     bool
		reportMode string
	)
	cmd := &cobra.Command{
		Use:   "migrate --to memory|sqlite",
		Short: "Copy the installation into another record store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			src, err := openEnv(cmd, stderr, false)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := src.Close(); err == nil {
					err = cerr
				}
			}()

			if toDataDir == "" {
				toDataDir = src.cfg.DataDir
			}
			target := storage.Options{Driver: to, DataDir: toDataDir, SQLitePath: toSQLite, Logger: src.logger}
			source := storage.Options{Driver: src.cfg.Store, DataDir: src.cfg.DataDir, SQLitePath: src.cfg.SQLitePath}
			if to == source.Driver && target.Location() == source.Location() {
				return fmt.Errorf("target store is the source store")
			}
			dst, err := storage.Open(target)
			if err != nil {
				return fmt.Errorf("open target %s store: %w", to, err)
			}
			defer func() {
				if cerr := dst.Close(); err == nil {
					err = cerr
				}
			}()
			reg, err := transfer.NewRegistry(src.logger, modules.Builtin(src.cfg.EnabledModules())...)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			snap, err := src.engine.Export(ctx, nil)
			if err != nil {
				return err
			}
			report, err := transfer.New(dst, reg, transfer.WithLogger(src.logger)).Import(ctx, snap, transfer.ImportOptions{DryRun: dryRun})
			if report != nil {
				if rerr := printReport(stdout, report, reportMode); rerr != nil && err == nil {
					err = rerr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target store: memory or sqlite")
	cmd.Flags().StringVar(&toDataDir, "to-data-dir", "", "target data directory (default the source data directory)")
	cmd.Flags().StringVar(&toSQLite, "to-sqlite-path", "", "target SQLite file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "replay into the target and roll back")
	cmd.Flags().StringVar(&reportMode, "output", "table", "report format: table or json")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
