package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	centralFile = "central.json"
	tenantsDir  = "tenants"
)

// Persistence handles the disk I/O for the MemStore. The central partition lives in
// central.json and each tenant partition in tenants/<escaped id>.json.
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	logger  *slog.Logger

	// written holds the generation last written per file. A save carrying an
	// older generation is dropped.
	written map[string]uint64
	gen     uint64
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string) (*Persistence, error) {
	if err := os.MkdirAll(filepath.Join(dir, tenantsDir), 0o755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir, logger: slog.Default(), written: make(map[string]uint64)}, nil
}

// Next returns a generation newer than every one handed out before.
func (p *Persistence) Next() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	return p.gen
}

// SaveCentral writes the central partition atomically unless a newer generation
// has already been written.
func (p *Persistence) SaveCentral(gen uint64, s CentralState) error {
	return p.write(filepath.Join(p.DataDir, centralFile), gen, s)
}

// SaveTenant writes one tenant partition atomically unless a newer generation has
// already been written.
func (p *Persistence) SaveTenant(gen uint64, tenantID string, s TenantState) error {
	name := url.PathEscape(tenantID) + ".json"
	return p.write(filepath.Join(p.DataDir, tenantsDir, name), gen, s)
}

func (p *Persistence) write(filePath string, gen uint64, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen <= p.written[filePath] {
		return nil
	}

	tempPath := filePath + ".tmp"
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	// Readers see either the old file or the new one, never a torn write.
	if err := os.Rename(tempPath, filePath); err != nil {
		return err
	}
	p.written[filePath] = gen
	return nil
}

// LoadAll returns everything persisted in the data directory. Unreadable tenant files
// are skipped with a warning; an unreadable central file is an error.
func (p *Persistence) LoadAll() (*State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := &State{Tenants: make(map[string]TenantState)}

	content, err := os.ReadFile(filepath.Join(p.DataDir, centralFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(content, &state.Central); err != nil {
			return nil, fmt.Errorf("decode %s: %w", centralFile, err)
		}
	}

	files, err := os.ReadDir(filepath.Join(p.DataDir, tenantsDir))
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		tenantID, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			p.logger.Warn("skipping tenant file with invalid name", "file", file.Name(), "error", err)
			continue
		}
		content, err := os.ReadFile(filepath.Join(p.DataDir, tenantsDir, file.Name()))
		if err != nil {
			p.logger.Warn("could not read tenant file", "file", file.Name(), "error", err)
			continue
		}
		var ts TenantState
		if err := json.Unmarshal(content, &ts); err != nil {
			p.logger.Warn("could not decode tenant file", "file", file.Name(), "error", err)
			continue
		}
		state.Tenants[tenantID] = ts
	}
	return state, nil
}
