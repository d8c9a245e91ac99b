package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

// centralTx works on a private copy of the central partition. It is not safe for
// concurrent use.
type centralTx struct {
	store *MemStore
	c     *central
	done  bool
}

func (tx *centralTx) check(ctx context.Context) error {
	if tx.done {
		return sdk.ErrScopeReleased
	}
	return ctx.Err()
}

func (tx *centralTx) Tenants(ctx context.Context) ([]schema.Record, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	return tx.c.tenantRows(), nil
}

func (tx *centralTx) Users(ctx context.Context) ([]schema.Record, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	return tx.c.userRows(), nil
}

func (tx *centralTx) UserPreferences(ctx context.Context) ([]schema.Record, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	return tx.c.prefRows(), nil
}

func (tx *centralTx) TenantUsers(ctx context.Context) ([]schema.Record, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	return tx.c.membershipRows(), nil
}

func (tx *centralTx) SiteSettings(ctx context.Context) (schema.Record, bool, error) {
	if err := tx.check(ctx); err != nil {
		return schema.Record{}, false, err
	}
	return tx.c.siteSettings()
}

func (tx *centralTx) CreateTenantIfAbsent(ctx context.Context, rec schema.Record) (bool, error) {
	if err := tx.check(ctx); err != nil {
		return false, err
	}
	key, ok := rec.RowKey()
	if !ok {
		return false, fmt.Errorf("tenant: %w", ErrMissingID)
	}
	if _, exists := tx.c.tenants[key]; exists {
		return false, nil
	}
	out := rec.Clone()
	out.Set(schema.FieldID, key)
	tx.c.tenants[key] = out
	return true, nil
}

func (tx *centralTx) FindUserByEmail(ctx context.Context, email string) (int64, error) {
	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	want := schema.NormalizeEmail(email)
	for id, rec := range tx.c.users {
		if schema.NormalizeEmail(rec.String(schema.FieldEmail)) == want {
			return id, nil
		}
	}
	return 0, fmt.Errorf("user %q: %w", email, sdk.ErrNotFound)
}

func (tx *centralTx) CreateUser(ctx context.Context, rec schema.Record) (int64, error) {
	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	if schema.NormalizeEmail(rec.String(schema.FieldEmail)) == "" {
		return 0, fmt.Errorf("user: %w", ErrMissingKey)
	}
	tx.c.lastUserID++
	id := tx.c.lastUserID
	tx.c.users[id] = tx.stamp(id, rec.Without(schema.SystemManagedUserFields...))
	return id, nil
}

func (tx *centralTx) UpsertUserPreference(ctx context.Context, rec schema.Record) (bool, error) {
	if err := tx.check(ctx); err != nil {
		return false, err
	}
	key, ok := prefKey(rec)
	if !ok {
		return false, fmt.Errorf("user preference: %w", ErrMissingKey)
	}
	body := rec.Without(schema.FieldID, "created_at", "updated_at")
	if existing, ok := tx.c.prefs[key]; ok {
		tx.c.prefs[key] = merge(existing, body, tx.store.now())
		return false, nil
	}
	tx.c.lastPrefID++
	tx.c.prefs[key] = tx.stamp(tx.c.lastPrefID, body)
	return true, nil
}

func (tx *centralTx) UpsertTenantUser(ctx context.Context, rec schema.Record) (bool, error) {
	if err := tx.check(ctx); err != nil {
		return false, err
	}
	key, ok := membershipKey(rec)
	if !ok {
		return false, fmt.Errorf("tenant_user: %w", ErrMissingKey)
	}
	_, exists := tx.c.memberships[key]
	tx.c.memberships[key] = rec.Clone()
	return !exists, nil
}

// UpsertSiteSettings writes the singleton settings row. An existing row keeps its id.
func (tx *centralTx) UpsertSiteSettings(ctx context.Context, rec schema.Record) (bool, error) {
	if err := tx.check(ctx); err != nil {
		return false, err
	}
	if tx.c.settings != nil {
		merged := merge(*tx.c.settings, rec.Without(schema.FieldID), tx.store.now())
		tx.c.settings = &merged
		return false, nil
	}
	id, ok := rec.Int(schema.FieldID)
	if !ok {
		id = 1
	}
	out := schema.NewRecord(schema.FieldID, id)
	for _, k := range rec.Keys() {
		v, _ := rec.Get(k)
		out.Set(k, v)
	}
	tx.c.settings = &out
	return true, nil
}

func (tx *centralTx) Commit() error {
	if tx.done {
		return sdk.ErrScopeReleased
	}
	tx.done = true
	tx.store.commitCentral(tx.c)
	tx.store.release()
	return nil
}

func (tx *centralTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.release()
	return nil
}

// stamp returns rec with id first and fresh timestamps, the way a newly created row looks.
func (tx *centralTx) stamp(id int64, rec schema.Record) schema.Record {
	now := tx.store.now().UTC().Format(time.RFC3339)
	out := schema.NewRecord(schema.FieldID, id)
	for _, k := range rec.Keys() {
		v, _ := rec.Get(k)
		out.Set(k, v)
	}
	out.Set("created_at", now)
	out.Set("updated_at", now)
	return out
}

// merge overwrites the fields of existing with those of update and bumps updated_at.
func merge(existing, update schema.Record, now time.Time) schema.Record {
	out := existing.Clone()
	for _, k := range update.Keys() {
		v, _ := update.Get(k)
		out.Set(k, v)
	}
	if out.Has("updated_at") && !update.Has("updated_at") {
		out.Set("updated_at", now.UTC().Format(time.RFC3339))
	}
	return out
}

// tenantScope works on a private copy of one tenant partition.
type tenantScope struct {
	store  *MemStore
	tenant sdk.Tenant
	part   partition
	done   bool
}

func (s *tenantScope) Tenant() sdk.Tenant { return s.tenant }

func (s *tenantScope) List(ctx context.Context, section string) ([]schema.Record, error) {
	if s.done {
		return nil, sdk.ErrScopeReleased
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sortedRows(s.part[section]), nil
}

func (s *tenantScope) Upsert(ctx context.Context, section string, rec schema.Record) (bool, error) {
	if s.done {
		return false, sdk.ErrScopeReleased
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key, ok := rec.RowKey()
	if !ok {
		return false, fmt.Errorf("%s: %w", section, ErrMissingID)
	}
	bucket := s.part[section]
	if bucket == nil {
		bucket = make(map[string]schema.Record)
		s.part[section] = bucket
	}
	_, exists := bucket[key]
	bucket[key] = rec.Clone()
	return !exists, nil
}

func (s *tenantScope) Commit() error {
	if s.done {
		return sdk.ErrScopeReleased
	}
	s.done = true
	s.store.commitTenant(s.tenant.ID, s.part)
	s.store.release()
	return nil
}

func (s *tenantScope) Release() error {
	if s.done {
		return nil
	}
	s.done = true
	s.store.release()
	return nil
}
