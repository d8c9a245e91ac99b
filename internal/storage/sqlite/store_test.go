package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path)
	require.NoError(t, err)
	store.SetClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(" ")
	require.Error(t, err)
}

func TestOpenRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	openStore(t, path)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	for _, table := range []string{"tenants", "users", "user_preferences", "tenant_user", "site_settings", "tenant_records"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestCentralTransaction(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "records.db"))

	tx, err := store.BeginCentral(ctx)
	require.NoError(t, err)

	created, err := tx.CreateTenantIfAbsent(ctx, schema.NewRecord("id", "acme", "name", "Acme", "slug", "acme"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = tx.CreateTenantIfAbsent(ctx, schema.NewRecord("id", "acme", "name", "Other"))
	require.NoError(t, err)
	assert.False(t, created)

	id, err := tx.CreateUser(ctx, schema.NewRecord("id", 77, "name", "Ada", "email", "Ada@Example.com", "remember_token", "t"))
	require.NoError(t, err)
	found, err := tx.FindUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, found)
	_, err = tx.FindUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, sdk.ErrNotFound)

	created, err = tx.UpsertUserPreference(ctx, schema.NewRecord("id", 5, "user_id", id, "key", "locale", "value", "en"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = tx.UpsertUserPreference(ctx, schema.NewRecord("user_id", id, "key", "locale", "value", "fr"))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = tx.UpsertTenantUser(ctx, schema.NewRecord("tenant_id", "acme", "user_id", id, "role", "owner"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = tx.UpsertTenantUser(ctx, schema.NewRecord("tenant_id", "acme", "user_id", id, "role", "admin"))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = tx.UpsertSiteSettings(ctx, schema.NewRecord("id", 3, "site_name", "One", "maintenance_mode", false))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = tx.UpsertSiteSettings(ctx, schema.NewRecord("id", 8, "site_name", "Two"))
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	users, err := store.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.False(t, users[0].Has("remember_token"))
	assert.Equal(t, "2025-06-01T12:00:00Z", users[0].String("created_at"))
	uid, _ := users[0].Int("id")
	assert.Equal(t, id, uid)

	prefs, err := store.UserPreferences(ctx)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "fr", prefs[0].String("value"))

	links, err := store.TenantUsers(ctx)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "admin", links[0].String("role"))

	settings, ok, err := store.SiteSettings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Two", settings.String("site_name"))
	sid, _ := settings.Int("id")
	assert.Equal(t, int64(3), sid)
	mm, _ := settings.Get("maintenance_mode")
	assert.Equal(t, false, mm)

	tenants, err := store.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []sdk.Tenant{{ID: "acme", Name: "Acme", Slug: "acme"}}, tenants)
}

func TestCentralRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "records.db"))

	tx, err := store.BeginCentral(ctx)
	require.NoError(t, err)
	_, err = tx.CreateTenantIfAbsent(ctx, schema.NewRecord("id", "ghost"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	_, err = store.FindTenant(ctx, "ghost")
	assert.ErrorIs(t, err, sdk.ErrNotFound)
	assert.ErrorIs(t, tx.Commit(), sdk.ErrScopeReleased)
}

func TestTenantScope(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")
	store := openStore(t, path)

	scope, err := store.OpenScope(ctx, sdk.Tenant{ID: "acme"})
	require.NoError(t, err)
	for _, id := range []int{10, 2} {
		created, err := scope.Upsert(ctx, schema.SectionHRStaff, schema.NewRecord("id", id, "salary", 3000.0))
		require.NoError(t, err)
		assert.True(t, created)
	}
	created, err := scope.Upsert(ctx, schema.SectionHRStaff, schema.NewRecord("id", 2, "salary", 3100.5))
	require.NoError(t, err)
	assert.False(t, created)
	_, err = scope.Upsert(ctx, schema.SectionHRStaff, schema.NewRecord("salary", 1))
	assert.ErrorIs(t, err, ErrMissingID)
	require.NoError(t, scope.Commit())
	require.NoError(t, scope.Release())

	other, err := store.OpenScope(ctx, sdk.Tenant{ID: "globex"})
	require.NoError(t, err)
	rows, err := other.List(ctx, schema.SectionHRStaff)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = other.Upsert(ctx, schema.SectionHRStaff, schema.NewRecord("id", 1))
	require.NoError(t, err)
	require.NoError(t, other.Release())

	acme, err := store.OpenScope(ctx, sdk.Tenant{ID: "acme"})
	require.NoError(t, err)
	defer acme.Release()
	rows, err = acme.List(ctx, schema.SectionHRStaff)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	first, _ := rows[0].Int("id")
	assert.Equal(t, int64(2), first)
	salary, _ := rows[1].Get("salary")
	assert.Equal(t, 3000.0, salary)

	_, err = acme.List(ctx, schema.SectionHRStaff)
	require.NoError(t, err)
}
