// Package sdk declares the contracts the snapshot engine consumes: the record store,
// its tenant directory and scopes, and the domain modules that own tenant sections.
package sdk

import (
	"context"
	"errors"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
)

var (
	// ErrNotFound is returned when a tenant, user or row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrScopeActive is returned when a tenant scope is requested while another one is open.
	ErrScopeActive = errors.New("another tenant scope is active")
	// ErrScopeReleased is returned when a released scope or transaction is used again.
	ErrScopeReleased = errors.New("scope already released")
)

// CentralPartition is the reserved partition name for data not owned by any tenant.
const CentralPartition = "_central"

// Tenant identifies one tenant partition.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// --- Functional Interfaces (Interface Segregation) ---

// TenantDirectory lists and resolves tenants.
type TenantDirectory interface {
	ListTenants(ctx context.Context) ([]Tenant, error)
	// FindTenant returns ErrNotFound when the tenant does not exist.
	FindTenant(ctx context.Context, id string) (Tenant, error)
}

// CentralReader reads the global entities of an installation.
type CentralReader interface {
	Tenants(ctx context.Context) ([]schema.Record, error)
	Users(ctx context.Context) ([]schema.Record, error)
	UserPreferences(ctx context.Context) ([]schema.Record, error)
	TenantUsers(ctx context.Context) ([]schema.Record, error)
	// SiteSettings returns the singleton settings row, or false when none exists.
	SiteSettings(ctx context.Context) (schema.Record, bool, error)
}

// CentralWriter writes the global entities of an installation.
// Every upsert reports whether a new row was created.
type CentralWriter interface {
	// CreateTenantIfAbsent creates the tenant under its original id and never overwrites.
	CreateTenantIfAbsent(ctx context.Context, rec schema.Record) (bool, error)
	// FindUserByEmail returns ErrNotFound when no user has that email.
	FindUserByEmail(ctx context.Context, email string) (int64, error)
	// CreateUser stores a new user and returns the id the store assigned.
	CreateUser(ctx context.Context, rec schema.Record) (int64, error)
	// UpsertUserPreference is keyed by (user_id, key).
	UpsertUserPreference(ctx context.Context, rec schema.Record) (bool, error)
	// UpsertTenantUser is keyed by (tenant_id, user_id).
	UpsertTenantUser(ctx context.Context, rec schema.Record) (bool, error)
	// UpsertSiteSettings is keyed by id when present, otherwise targets the single settings row.
	UpsertSiteSettings(ctx context.Context, rec schema.Record) (bool, error)
}

// CentralTx is an all-or-nothing unit of central writes.
type CentralTx interface {
	CentralReader
	CentralWriter
	Commit() error
	// Rollback discards uncommitted writes. It is a no-op after Commit.
	Rollback() error
}

// CentralStore gives access to central data.
type CentralStore interface {
	CentralReader
	BeginCentral(ctx context.Context) (CentralTx, error)
}

// TenantScope is the explicit handle to one tenant's partition. Every tenant-scoped
// read and write goes through it; writes become visible on Commit.
type TenantScope interface {
	Tenant() Tenant
	// List returns every row of a section, soft-deleted rows included, ordered by id.
	List(ctx context.Context, section string) ([]schema.Record, error)
	// Upsert is keyed by the composite (row id, tenant id).
	Upsert(ctx context.Context, section string, rec schema.Record) (bool, error)
	Commit() error
	// Release discards uncommitted writes and closes the scope. It is safe to call twice.
	Release() error
}

// TenantStore opens tenant scopes.
type TenantStore interface {
	OpenScope(ctx context.Context, tenant Tenant) (TenantScope, error)
}

// --- Composite Interfaces ---

// Store is a complete record store for one installation.
type Store interface {
	TenantDirectory
	CentralStore
	TenantStore
	Close() error
}

// RecordSource reads every row of one tenant section.
type RecordSource interface {
	ListAll(ctx context.Context, scope TenantScope) ([]schema.Record, error)
}

// RecordSink writes one row of a tenant section, keyed by its natural key.
type RecordSink interface {
	UpsertByNaturalKey(ctx context.Context, scope TenantScope, rec schema.Record) (bool, error)
}

// Module is a domain module that owns tenant sections.
type Module interface {
	Name() string
	// Present reports whether the module is installed in this build.
	Present(ctx context.Context) bool
	// Sections returns the keys of the tenant sections the module owns.
	Sections() []string
	Source(section string) RecordSource
	Sink(section string) RecordSink
}
