package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

const (
	entryFile = "entry.json"
	blobFile  = "snapshot.bin"
)

// Dir keeps each snapshot in its own sub-directory: the bytes and an entry file.
type Dir struct {
	root string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewDir returns a directory archive rooted at root, creating it if needed.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Dir{root: root, now: time.Now}, nil
}

func (d *Dir) Save(ctx context.Context, name string, format snapshot.Format, data []byte) (Entry, error) {
	if err := checkName(name); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	e := newEntry(name, format, data, d.now())
	meta, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Entry{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	dir := filepath.Join(d.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Entry{}, fmt.Errorf("create %s: %w", dir, err)
	}
	// The entry is written last, so a crash mid-save leaves no listed entry for the new bytes.
	if err := writeAtomic(filepath.Join(dir, blobFile), data); err != nil {
		return Entry{}, err
	}
	if err := writeAtomic(filepath.Join(dir, entryFile), meta); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (d *Dir) Load(ctx context.Context, name string) (Entry, []byte, error) {
	if err := checkName(name); err != nil {
		return Entry{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, err := d.readEntry(name)
	if err != nil {
		return Entry{}, nil, err
	}
	data, err := os.ReadFile(filepath.Join(d.root, name, blobFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Entry{}, nil, err
	}
	if err := verify(e, data); err != nil {
		return Entry{}, nil, err
	}
	return e, data, nil
}

func (d *Dir) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	dirs, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirs))
	for _, de := range dirs {
		if !de.IsDir() || checkName(de.Name()) != nil {
			continue
		}
		e, err := d.readEntry(de.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

func (d *Dir) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dir := filepath.Join(d.root, name)
	if _, err := os.Stat(filepath.Join(dir, entryFile)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return os.RemoveAll(dir)
}

func (d *Dir) Close() error { return nil }

func (d *Dir) readEntry(name string) (Entry, error) {
	raw, err := os.ReadFile(filepath.Join(d.root, name, entryFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
	}
	return e, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
