package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-snapshot/internal/engine"
	"github.com/celerix-dev/celerix-snapshot/internal/modules"
	"github.com/celerix-dev/celerix-snapshot/internal/storage/sqlite"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemStore(t *testing.T) *engine.MemStore {
	t.Helper()
	return engine.NewMemStore(nil, nil, engine.WithClock(func() time.Time { return testNow }))
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	s.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEngine(t *testing.T, store sdk.Store, mods ...sdk.Module) *Engine {
	t.Helper()
	if len(mods) == 0 {
		mods = modules.Builtin(nil)
	}
	reg, err := NewRegistry(quietLogger(), mods...)
	require.NoError(t, err)
	return New(store, reg, WithLogger(quietLogger()), WithClock(func() time.Time { return testNow }))
}

// seedCentral writes central rows in one transaction. Users are created in order, so
// the first user gets id 1 in an empty store.
func seedCentral(t *testing.T, store sdk.Store, users []schema.Record, tenants []schema.Record, links []schema.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.BeginCentral(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	for _, u := range users {
		_, err := tx.CreateUser(ctx, u)
		require.NoError(t, err)
	}
	for _, tn := range tenants {
		_, err := tx.CreateTenantIfAbsent(ctx, tn)
		require.NoError(t, err)
	}
	for _, l := range links {
		_, err := tx.UpsertTenantUser(ctx, l)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func seedTenant(t *testing.T, store sdk.Store, tenantID string, rows map[string][]schema.Record) {
	t.Helper()
	ctx := context.Background()
	scope, err := store.OpenScope(ctx, sdk.Tenant{ID: tenantID})
	require.NoError(t, err)
	defer scope.Release()
	for section, recs := range rows {
		for _, rec := range recs {
			_, err := scope.Upsert(ctx, section, rec)
			require.NoError(t, err)
		}
	}
	require.NoError(t, scope.Commit())
}

// seedSource builds a small installation:
// users ada (1) and bob (2); tenants acme and globex; HR and loan data in acme, loans in globex.
func seedSource(t *testing.T, store sdk.Store) {
	t.Helper()
	seedCentral(t, store,
		[]schema.Record{
			schema.NewRecord("name", "Ada", "email", "ada@example.com", "password", "$2y$10$ada", "is_admin", true, "remember_token", "tok"),
			schema.NewRecord("name", "Bob", "email", "bob@example.com", "password", "$2y$10$bob", "is_admin", false),
		},
		[]schema.Record{
			schema.NewRecord("id", "acme", "name", "Acme", "slug", "acme", "created_by", 1, "data", map[string]any{"plan": "pro"}),
			schema.NewRecord("id", "globex", "name", "Globex", "slug", "globex", "created_by", 2),
		},
		[]schema.Record{
			schema.NewRecord("tenant_id", "acme", "user_id", 1, "role", "owner"),
			schema.NewRecord("tenant_id", "globex", "user_id", 2, "role", "owner"),
		},
	)

	ctx := context.Background()
	tx, err := store.BeginCentral(ctx)
	require.NoError(t, err)
	_, err = tx.UpsertUserPreference(ctx, schema.NewRecord("user_id", 1, "key", "locale", "value", "en"))
	require.NoError(t, err)
	_, err = tx.UpsertSiteSettings(ctx, schema.NewRecord("id", 1, "site_name", "Celerix", "maintenance_mode", false))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	seedTenant(t, store, "acme", map[string][]schema.Record{
		schema.SectionScriptTypes: {schema.NewRecord("id", 1, "name", "Header", "slug", "header")},
		schema.SectionScripts: {
			schema.NewRecord("id", 1, "script_type_id", 1, "name", "ga", "body", "<script/>", "enabled", true, "created_by", 1),
		},
		schema.SectionHRStaff: {
			schema.NewRecord("id", 1, "user_id", 2, "first_name", "Bob", "salary", 3000.0, "deleted_at", nil),
			schema.NewRecord("id", 2, "user_id", nil, "first_name", "Eve", "salary", 2500.5, "deleted_at", "2025-01-01T00:00:00Z"),
		},
		schema.SectionHRProjects: {schema.NewRecord("id", 1, "name", "Launch", "owner_id", 1, "created_by", 2)},
		schema.SectionHRTasks: {
			schema.NewRecord("id", 1, "project_id", 1, "staff_id", 1, "title", "Plan", "assigned_to", 2, "created_by", 1),
		},
	})
	seedTenant(t, store, "globex", map[string][]schema.Record{
		schema.SectionLoanPackages: {schema.NewRecord("id", 1, "name", "Starter", "interest_rate", 4.5, "term_months", 12, "active", true)},
		schema.SectionLoans: {
			schema.NewRecord("id", 1, "package_id", 1, "borrower_id", 2, "created_by", 1, "principal", 1000.0, "status", "open"),
		},
		schema.SectionLoanPayments: {schema.NewRecord("id", 1, "loan_id", 1, "amount", 100.0, "recorded_by", 1)},
	})
}

func tenantRows(t *testing.T, store sdk.Store, tenantID, section string) []schema.Record {
	t.Helper()
	ctx := context.Background()
	scope, err := store.OpenScope(ctx, sdk.Tenant{ID: tenantID})
	require.NoError(t, err)
	defer scope.Release()
	rows, err := scope.List(ctx, section)
	require.NoError(t, err)
	return rows
}

// recordingModule serves sections through the scope and records write order. It fails
// writes for the tenant named in failTenant and calls after once a row is written.
type recordingModule struct {
	*modules.Module
	writes     *[]string
	failTenant string
	after      func(tenant, section string)
}

var errSinkFailed = errors.New("sink failed")

func newRecordingModule(name string, writes *[]string, failTenant string, sections ...string) *recordingModule {
	return &recordingModule{Module: modules.New(name, sections...), writes: writes, failTenant: failTenant}
}

func (m *recordingModule) Sink(section string) sdk.RecordSink {
	inner := m.Module.Sink(section)
	if inner == nil {
		return nil
	}
	return recordingSink{section: section, inner: inner, m: m}
}

type recordingSink struct {
	section string
	inner   sdk.RecordSink
	m       *recordingModule
}

func (s recordingSink) UpsertByNaturalKey(ctx context.Context, scope sdk.TenantScope, rec schema.Record) (bool, error) {
	if scope.Tenant().ID == s.m.failTenant {
		return false, errSinkFailed
	}
	*s.m.writes = append(*s.m.writes, scope.Tenant().ID+"/"+s.section)
	created, err := s.inner.UpsertByNaturalKey(ctx, scope, rec)
	if err == nil && s.m.after != nil {
		s.m.after(scope.Tenant().ID, s.section)
	}
	return created, err
}
