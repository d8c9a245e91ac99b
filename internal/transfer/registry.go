// Package transfer moves an installation in and out of a snapshot: central entities
// first, then every tenant partition under its own scope, with user ids reconciled
// across the two.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

// ErrNoValidSections is returned in strict mode when none of the requested sections exist.
var ErrNoValidSections = errors.New("no valid sections requested")

// binding is the capability a module registered for one tenant section.
type binding struct {
	module sdk.Module
	source sdk.RecordSource
	sink   sdk.RecordSink
}

// Registry knows the section catalogue and which module serves each tenant section.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]binding
	logger   *slog.Logger
}

// NewRegistry returns a registry with modules registered.
func NewRegistry(logger *slog.Logger, modules ...sdk.Module) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{bindings: make(map[string]binding), logger: logger}
	for _, m := range modules {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register binds the tenant sections a module owns. A section can only be bound once.
func (r *Registry) Register(m sdk.Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range m.Sections() {
		sec, ok := schema.Lookup(key)
		if !ok || sec.Scope != schema.ScopeTenant {
			return fmt.Errorf("module %s: %q is not a tenant section", m.Name(), key)
		}
		if prev, taken := r.bindings[key]; taken {
			return fmt.Errorf("module %s: section %q already bound to %s", m.Name(), key, prev.module.Name())
		}
		r.bindings[key] = binding{module: m, source: m.Source(key), sink: m.Sink(key)}
	}
	return nil
}

// Sections returns the catalogue in dependency order.
func (r *Registry) Sections() []schema.Section {
	return schema.Catalogue()
}

// Normalize turns a caller's section list into the canonical filter: nil means every
// section; otherwise the known keys in catalogue order. A request naming no known
// section at all degrades to nil.
func (r *Registry) Normalize(requested []string) []string {
	out, err := r.normalize(requested, false)
	if err != nil {
		return nil
	}
	return out
}

func (r *Registry) normalize(requested []string, strict bool) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(requested))
	var unknown []string
	for _, key := range requested {
		key = strings.TrimSpace(key)
		if _, ok := schema.Lookup(key); ok {
			want[key] = true
		} else if key != "" {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		r.logger.Warn("ignoring unknown sections", "sections", unknown)
	}
	if len(want) == 0 {
		if strict {
			return nil, fmt.Errorf("%w: %s", ErrNoValidSections, strings.Join(requested, ","))
		}
		r.logger.Warn("no known section requested, selecting all", "requested", requested)
		return nil, nil
	}

	out := make([]string, 0, len(want))
	for _, key := range schema.Keys() {
		if want[key] {
			out = append(out, key)
		}
	}
	return out, nil
}

// lookup returns the binding of an installed module for section.
func (r *Registry) lookup(ctx context.Context, section string) (binding, bool) {
	r.mu.RLock()
	b, ok := r.bindings[section]
	r.mu.RUnlock()
	if !ok || b.source == nil || b.sink == nil || !b.module.Present(ctx) {
		return binding{}, false
	}
	return b, true
}

// Served reports whether an installed module reads and writes section.
func (r *Registry) Served(ctx context.Context, section string) bool {
	_, ok := r.lookup(ctx, section)
	return ok
}

// selected reports whether key passes a normalized filter.
func selected(filter []string, key string) bool {
	return filter == nil || slices.Contains(filter, key)
}

// wantsTenantData reports whether a normalized filter selects any tenant section.
func wantsTenantData(filter []string) bool {
	if filter == nil {
		return true
	}
	for _, key := range filter {
		if sec, ok := schema.Lookup(key); ok && sec.Scope == schema.ScopeTenant {
			return true
		}
	}
	return false
}
