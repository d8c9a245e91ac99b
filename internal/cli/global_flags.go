package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-snapshot/internal/archive"
	"github.com/celerix-dev/celerix-snapshot/internal/config"
	"github.com/celerix-dev/celerix-snapshot/internal/logging"
	"github.com/celerix-dev/celerix-snapshot/internal/modules"
	"github.com/celerix-dev/celerix-snapshot/internal/storage"
	"github.com/celerix-dev/celerix-snapshot/internal/transfer"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

func addGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("store", "", "record store: memory or sqlite (env CELERIX_STORE)")
	f.String("data-dir", "", "data directory (env CELERIX_DATA_DIR)")
	f.String("sqlite-path", "", "SQLite database file (env CELERIX_SQLITE_PATH)")
	f.StringSlice("modules", nil, "installed modules, comma separated (env CELERIX_MODULES)")
	f.String("archive", "", "archive backend: dir or badger (env CELERIX_ARCHIVE)")
	f.String("archive-dir", "", "archive location (env CELERIX_ARCHIVE_DIR)")
	f.String("log-level", "", "debug, info, warn or error (env CELERIX_LOG_LEVEL)")
	f.String("log-format", "", "text or json (env CELERIX_LOG_FORMAT)")
}

// loadConfig reads the environment and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if err := config.ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	strFlags := map[string]*string{
		"store":       &cfg.Store,
		"data-dir":    &cfg.DataDir,
		"sqlite-path": &cfg.SQLitePath,
		"archive":     &cfg.ArchiveBackend,
		"archive-dir": &cfg.ArchiveDir,
		"log-level":   &cfg.LogLevel,
		"log-format":  &cfg.LogFormat,
	}
	for name, dst := range strFlags {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
	if cmd.Flags().Changed("modules") {
		cfg.Modules, _ = cmd.Flags().GetStringSlice("modules")
	}
	return cfg, cfg.Validate()
}

// env is what a command needs to reach the installation.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	store   sdk.Store
	engine  *transfer.Engine
	archive archive.Archive
}

func openEnv(cmd *cobra.Command, stderr io.Writer, withArchive bool) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := loggerFor(cfg, stderr)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Options{
		Driver: cfg.Store, DataDir: cfg.DataDir, SQLitePath: cfg.SQLitePath, Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	reg, err := transfer.NewRegistry(logger, modules.Builtin(cfg.EnabledModules())...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	e := &env{
		cfg:    cfg,
		logger: logger,
		store:  store,
		engine: transfer.New(store, reg, transfer.WithLogger(logger)),
	}
	if withArchive {
		if e.archive, err = openArchive(cfg, logger); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return e, nil
}

func loggerFor(cfg config.Config, stderr io.Writer) (*slog.Logger, error) {
	return logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
}

func openArchive(cfg config.Config, logger *slog.Logger) (archive.Archive, error) {
	a, err := archive.Open(archive.Options{Backend: cfg.ArchiveBackend, Path: cfg.ArchivePath(), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return a, nil
}

func (e *env) Close() error {
	var errs []error
	if e.archive != nil {
		errs = append(errs, e.archive.Close())
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
