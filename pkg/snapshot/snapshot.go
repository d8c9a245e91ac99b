// Package snapshot defines the versioned, self-describing artifact produced by an
// export and consumed by an import, together with its encodings.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
)

// FormatVersion is the only snapshot version this build can import.
const FormatVersion = 1

var (
	// ErrFormat is returned for snapshots that cannot be parsed or are structurally invalid.
	ErrFormat = errors.New("malformed snapshot")
	// ErrUnsupportedVersion is returned when the snapshot version differs from FormatVersion.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// Central holds the data that is not partitioned by tenant.
type Central struct {
	Tenants         []schema.Record `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Users           []schema.Record `json:"users,omitempty" yaml:"users,omitempty"`
	UserPreferences []schema.Record `json:"user_preferences,omitempty" yaml:"user_preferences,omitempty"`
	TenantUser      []schema.Record `json:"tenant_user,omitempty" yaml:"tenant_user,omitempty"`
	// SiteSettings is nil when the section was not exported and empty when no row exists.
	SiteSettings *schema.Record `json:"site_settings,omitempty" yaml:"site_settings,omitempty"`
}

// IsEmpty reports whether no central section was exported.
func (c Central) IsEmpty() bool {
	return len(c.Tenants) == 0 && len(c.Users) == 0 && len(c.UserPreferences) == 0 &&
		len(c.TenantUser) == 0 && c.SiteSettings == nil
}

// TenantBag maps a section key to the rows exported for one tenant.
type TenantBag map[string][]schema.Record

// Snapshot is a full or partial copy of an installation.
type Snapshot struct {
	Version    int       `json:"version" yaml:"version"`
	ID         string    `json:"id,omitempty" yaml:"id,omitempty"`
	ExportedAt time.Time `json:"exported_at" yaml:"exported_at"`
	// Sections is the normalized section filter of the export; empty means everything.
	Sections   []string             `json:"sections,omitempty" yaml:"sections,omitempty"`
	Central    Central              `json:"central" yaml:"central"`
	TenantData map[string]TenantBag `json:"tenant_data" yaml:"tenant_data"`
}

// New returns an empty snapshot stamped with the current format version.
func New(sections []string, now time.Time) *Snapshot {
	return &Snapshot{
		Version:    FormatVersion,
		ID:         uuid.NewString(),
		ExportedAt: now.UTC(),
		Sections:   sections,
		TenantData: make(map[string]TenantBag),
	}
}

// Check rejects snapshots this build must not import.
func (s *Snapshot) Check() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrFormat)
	}
	if s.Version != FormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, s.Version, FormatVersion)
	}
	for id := range s.TenantData {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty tenant id in tenant_data", ErrFormat)
		}
	}
	return nil
}

// TenantIDs returns the tenant ids present in tenant_data, sorted.
func (s *Snapshot) TenantIDs() []string {
	ids := make([]string, 0, len(s.TenantData))
	for id := range s.TenantData {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecordCount returns the number of rows carried by the snapshot.
func (s *Snapshot) RecordCount() int {
	n := len(s.Central.Tenants) + len(s.Central.Users) + len(s.Central.UserPreferences) + len(s.Central.TenantUser)
	if s.Central.SiteSettings != nil && s.Central.SiteSettings.Len() > 0 {
		n++
	}
	for _, bag := range s.TenantData {
		for _, rows := range bag {
			n += len(rows)
		}
	}
	return n
}

// coerce converts every catalogued field to its declared kind. Decoders call it so
// that all encodings yield the same value types.
func (s *Snapshot) coerce() {
	s.Central.Tenants = coerceRows(schema.SectionTenants, s.Central.Tenants)
	s.Central.Users = coerceRows(schema.SectionUsers, s.Central.Users)
	s.Central.UserPreferences = coerceRows(schema.SectionUserPreferences, s.Central.UserPreferences)
	s.Central.TenantUser = coerceRows(schema.SectionTenantUser, s.Central.TenantUser)
	if s.Central.SiteSettings != nil {
		sec, _ := schema.Describe(schema.SectionSiteSettings)
		rec := sec.Coerce(*s.Central.SiteSettings)
		s.Central.SiteSettings = &rec
	}
	for _, bag := range s.TenantData {
		for key, rows := range bag {
			bag[key] = coerceRows(key, rows)
		}
	}
}

func coerceRows(key string, rows []schema.Record) []schema.Record {
	sec, ok := schema.Describe(key)
	if !ok {
		return rows
	}
	for i, rec := range rows {
		rows[i] = sec.Coerce(rec)
	}
	return rows
}
