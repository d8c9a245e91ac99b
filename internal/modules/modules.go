// Package modules provides the built-in domain modules (content, hr, loans). Each one
// reads and writes its tenant sections straight through the tenant scope.
package modules

import (
	"context"
	"slices"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

// Module is a domain module whose sections are stored as plain rows of the tenant partition.
type Module struct {
	name     string
	sections []string
	present  bool
}

// New returns an installed module owning sections.
func New(name string, sections ...string) *Module {
	return &Module{name: name, sections: sections, present: true}
}

// Absent returns a module that is known but not installed in this build. The engine
// skips its sections.
func Absent(name string, sections ...string) *Module {
	return &Module{name: name, sections: sections}
}

func (m *Module) Name() string                     { return m.name }
func (m *Module) Present(ctx context.Context) bool { return m.present }
func (m *Module) Sections() []string               { return slices.Clone(m.sections) }

// Source returns nil for sections the module does not own.
func (m *Module) Source(section string) sdk.RecordSource {
	if !slices.Contains(m.sections, section) {
		return nil
	}
	return scopeTable{section: section}
}

// Sink returns nil for sections the module does not own.
func (m *Module) Sink(section string) sdk.RecordSink {
	if !slices.Contains(m.sections, section) {
		return nil
	}
	return scopeTable{section: section}
}

// scopeTable maps one section onto the tenant scope.
type scopeTable struct {
	section string
}

func (t scopeTable) ListAll(ctx context.Context, scope sdk.TenantScope) ([]schema.Record, error) {
	return scope.List(ctx, t.section)
}

func (t scopeTable) UpsertByNaturalKey(ctx context.Context, scope sdk.TenantScope, rec schema.Record) (bool, error) {
	return scope.Upsert(ctx, t.section, rec)
}

// Builtin returns one module per owner in the section catalogue. Modules whose names are
// not in enabled are returned as absent; a nil enabled list installs all of them.
func Builtin(enabled []string) []sdk.Module {
	var names []string
	owned := make(map[string][]string)
	for _, sec := range schema.TenantSections() {
		if _, seen := owned[sec.Module]; !seen {
			names = append(names, sec.Module)
		}
		owned[sec.Module] = append(owned[sec.Module], sec.Key)
	}

	out := make([]sdk.Module, 0, len(names))
	for _, name := range names {
		if enabled == nil || slices.Contains(enabled, name) {
			out = append(out, New(name, owned[name]...))
		} else {
			out = append(out, Absent(name, owned[name]...))
		}
	}
	return out
}
