// Package storage selects and opens the record store backing an installation.
package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/celerix-dev/celerix-snapshot/internal/engine"
	"github.com/celerix-dev/celerix-snapshot/internal/storage/sqlite"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Options selects a store.
type Options struct {
	Driver string
	// DataDir holds the JSON partitions of the memory driver. Empty keeps it in memory.
	DataDir string
	// SQLitePath defaults to celerix.db inside DataDir.
	SQLitePath string
	Logger     *slog.Logger
}

// Open opens the store named by opts.Driver.
func Open(opts Options) (sdk.Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Driver {
	case DriverMemory, "":
		return engine.Open(opts.DataDir, engine.WithLogger(logger))
	case DriverSQLite:
		return sqlite.Open(opts.Location())
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}

// Location is the directory or database file the store reads from.
func (o Options) Location() string {
	if o.Driver != DriverSQLite {
		return filepath.Clean(o.DataDir)
	}
	if o.SQLitePath == "" {
		return filepath.Join(o.DataDir, "celerix.db")
	}
	return filepath.Clean(o.SQLitePath)
}
