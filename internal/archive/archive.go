// Package archive keeps exported snapshots by name so they can be listed and
// imported later. Two backends exist: plain files in a directory and BadgerDB.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/celerix-dev/celerix-snapshot/internal/vault"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

var (
	// ErrNotFound is returned when no snapshot is archived under a name.
	ErrNotFound = errors.New("archived snapshot not found")
	// ErrInvalidName is returned for names that are not safe as keys and file names.
	ErrInvalidName = errors.New("invalid snapshot name")
	// ErrCorrupt is returned when stored bytes no longer match their checksum.
	ErrCorrupt = errors.New("archived snapshot is corrupt")
)

// Backend names accepted by Open.
const (
	BackendDir    = "dir"
	BackendBadger = "badger"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Entry describes one archived snapshot.
type Entry struct {
	Name    string          `json:"name"`
	Format  snapshot.Format `json:"format"`
	Size    int64           `json:"size"`
	SHA256  string          `json:"sha256"`
	Sealed  bool            `json:"sealed"`
	SavedAt time.Time       `json:"saved_at"`
}

// Archive stores snapshot bytes under a name. Saving an existing name replaces it.
type Archive interface {
	Save(ctx context.Context, name string, format snapshot.Format, data []byte) (Entry, error)
	Load(ctx context.Context, name string) (Entry, []byte, error)
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	Path    string
	Logger  *slog.Logger
}

// Open returns the archive selected by opts. An empty backend selects the directory backend.
func Open(opts Options) (Archive, error) {
	switch opts.Backend {
	case "", BackendDir:
		return NewDir(opts.Path)
	case BackendBadger:
		return OpenBadger(BadgerConfig{Path: opts.Path, SyncWrites: true, Logger: opts.Logger})
	}
	return nil, fmt.Errorf("unknown archive backend %q", opts.Backend)
}

// DefaultName names a snapshot taken at t.
func DefaultName(t time.Time) string {
	return "snapshot-" + t.UTC().Format("20060102-150405")
}

func checkName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func newEntry(name string, format snapshot.Format, data []byte, now time.Time) Entry {
	return Entry{
		Name:    name,
		Format:  format,
		Size:    int64(len(data)),
		SHA256:  checksum(data),
		Sealed:  vault.IsSealed(data),
		SavedAt: now.UTC(),
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func verify(e Entry, data []byte) error {
	if checksum(data) != e.SHA256 {
		return fmt.Errorf("%w: %s", ErrCorrupt, e.Name)
	}
	return nil
}

// sortEntries orders newest first, then by name.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SavedAt.Equal(entries[j].SavedAt) {
			return entries[i].SavedAt.After(entries[j].SavedAt)
		}
		return entries[i].Name < entries[j].Name
	})
}
