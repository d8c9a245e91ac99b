// Package sqlite stores installation records in a SQLite database through modernc.org/sqlite.
// Rows are kept as ordered JSON payloads next to the columns that form their keys.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/celerix-dev/celerix-snapshot/internal/storage/sqlite/migrations"
	"github.com/celerix-dev/celerix-snapshot/internal/storage/sqlitemigrate"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

const timeFormat = time.RFC3339

var (
	// ErrMissingID is returned when a row that is keyed by id has none.
	ErrMissingID = errors.New("row has no id")
	// ErrMissingKey is returned when a row lacks one of the columns of its natural key.
	ErrMissingKey = errors.New("row is missing a natural key column")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides a SQLite-backed implementation of sdk.Store.
type Store struct {
	reader
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a SQLite store at the provided path and runs its migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{reader: reader{q: sqlDB}, sqlDB: sqlDB, now: time.Now}, nil
}

// SetClock overrides the clock used for system-managed timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// ListTenants returns every tenant ordered by id.
func (s *Store) ListTenants(ctx context.Context) ([]sdk.Tenant, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT id, name, slug FROM tenants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []sdk.Tenant
	for rows.Next() {
		var t sdk.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindTenant returns sdk.ErrNotFound when the tenant does not exist.
func (s *Store) FindTenant(ctx context.Context, id string) (sdk.Tenant, error) {
	t := sdk.Tenant{ID: id}
	err := s.sqlDB.QueryRowContext(ctx, "SELECT name, slug FROM tenants WHERE id = ?", id).Scan(&t.Name, &t.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return sdk.Tenant{}, fmt.Errorf("tenant %q: %w", id, sdk.ErrNotFound)
	}
	if err != nil {
		return sdk.Tenant{}, fmt.Errorf("find tenant: %w", err)
	}
	return t, nil
}

// BeginCentral opens an immediate write transaction on the central tables.
func (s *Store) BeginCentral(ctx context.Context) (sdk.CentralTx, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin central tx: %w", err)
	}
	return &centralTx{reader: reader{q: tx}, tx: tx, now: s.now}, nil
}

// OpenScope opens a write transaction limited to one tenant's rows.
func (s *Store) OpenScope(ctx context.Context, tenant sdk.Tenant) (sdk.TenantScope, error) {
	if tenant.ID == "" {
		return nil, fmt.Errorf("open scope: %w", ErrMissingID)
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tenant tx: %w", err)
	}
	return &tenantScope{tenant: tenant, tx: tx}, nil
}

// reader implements sdk.CentralReader over a pool or a transaction.
type reader struct {
	q querier
}

func (r reader) Tenants(ctx context.Context) ([]schema.Record, error) {
	return r.list(ctx, schema.SectionTenants, "SELECT payload FROM tenants ORDER BY id")
}

func (r reader) Users(ctx context.Context) ([]schema.Record, error) {
	return r.list(ctx, schema.SectionUsers, "SELECT payload FROM users ORDER BY id")
}

func (r reader) UserPreferences(ctx context.Context) ([]schema.Record, error) {
	return r.list(ctx, schema.SectionUserPreferences, "SELECT payload FROM user_preferences ORDER BY id")
}

func (r reader) TenantUsers(ctx context.Context) ([]schema.Record, error) {
	return r.list(ctx, schema.SectionTenantUser, "SELECT payload FROM tenant_user ORDER BY tenant_id, user_id")
}

func (r reader) SiteSettings(ctx context.Context) (schema.Record, bool, error) {
	rows, err := r.list(ctx, schema.SectionSiteSettings, "SELECT payload FROM site_settings ORDER BY id LIMIT 1")
	if err != nil || len(rows) == 0 {
		return schema.Record{}, false, err
	}
	return rows[0], true, nil
}

func (r reader) list(ctx context.Context, section, query string, args ...any) ([]schema.Record, error) {
	return queryRecords(ctx, r.q, section, query, args...)
}

func queryRecords(ctx context.Context, q querier, section, query string, args ...any) ([]schema.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", section, err)
	}
	defer rows.Close()

	sec, known := schema.Describe(section)
	var out []schema.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan %s: %w", section, err)
		}
		rec, err := decodePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", section, err)
		}
		if known {
			rec = sec.Coerce(rec)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodePayload(rec schema.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodePayload(payload string) (schema.Record, error) {
	var rec schema.Record
	err := json.Unmarshal([]byte(payload), &rec)
	return rec, err
}

var _ sdk.Store = (*Store)(nil)
