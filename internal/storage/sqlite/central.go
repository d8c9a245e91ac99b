package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

type centralTx struct {
	reader
	tx  *sql.Tx
	now func() time.Time
}

func (c *centralTx) CreateTenantIfAbsent(ctx context.Context, rec schema.Record) (bool, error) {
	id, ok := rec.RowKey()
	if !ok {
		return false, fmt.Errorf("tenant: %w", ErrMissingID)
	}
	rec = rec.Clone()
	rec.Set(schema.FieldID, id)
	payload, err := encodePayload(rec)
	if err != nil {
		return false, err
	}
	res, err := c.tx.ExecContext(ctx,
		"INSERT INTO tenants (id, name, slug, payload) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		id, rec.String("name"), rec.String("slug"), payload)
	if err != nil {
		return false, fmt.Errorf("insert tenant: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (c *centralTx) FindUserByEmail(ctx context.Context, email string) (int64, error) {
	var id int64
	err := c.tx.QueryRowContext(ctx, "SELECT id FROM users WHERE email = ?", schema.NormalizeEmail(email)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("user %q: %w", email, sdk.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("find user: %w", err)
	}
	return id, nil
}

func (c *centralTx) CreateUser(ctx context.Context, rec schema.Record) (int64, error) {
	email := schema.NormalizeEmail(rec.String(schema.FieldEmail))
	if email == "" {
		return 0, fmt.Errorf("user: %w", ErrMissingKey)
	}
	res, err := c.tx.ExecContext(ctx, "INSERT INTO users (email, payload) VALUES (?, '{}')", email)
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	payload, err := encodePayload(c.stamp(id, rec.Without(schema.SystemManagedUserFields...)))
	if err != nil {
		return 0, err
	}
	if _, err := c.tx.ExecContext(ctx, "UPDATE users SET payload = ? WHERE id = ?", payload, id); err != nil {
		return 0, fmt.Errorf("store user payload: %w", err)
	}
	return id, nil
}

func (c *centralTx) UpsertUserPreference(ctx context.Context, rec schema.Record) (bool, error) {
	userID, ok := rec.Int("user_id")
	key := rec.String("key")
	if !ok || key == "" {
		return false, fmt.Errorf("user preference: %w", ErrMissingKey)
	}
	body := rec.Without(schema.FieldID, "created_at", "updated_at")

	var (
		id      int64
		current string
	)
	err := c.tx.QueryRowContext(ctx,
		"SELECT id, payload FROM user_preferences WHERE user_id = ? AND pref_key = ?", userID, key,
	).Scan(&id, &current)
	switch {
	case err == nil:
		existing, err := decodePayload(current)
		if err != nil {
			return false, fmt.Errorf("decode user preference: %w", err)
		}
		return false, c.updatePayload(ctx, "user_preferences", id, c.merge(existing, body))
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("find user preference: %w", err)
	}

	res, err := c.tx.ExecContext(ctx,
		"INSERT INTO user_preferences (user_id, pref_key, payload) VALUES (?, ?, '{}')", userID, key)
	if err != nil {
		return false, fmt.Errorf("insert user preference: %w", err)
	}
	if id, err = res.LastInsertId(); err != nil {
		return false, err
	}
	return true, c.updatePayload(ctx, "user_preferences", id, c.stamp(id, body))
}

func (c *centralTx) UpsertTenantUser(ctx context.Context, rec schema.Record) (bool, error) {
	tenantID := rec.String(schema.FieldTenantID)
	userID, ok := rec.Int("user_id")
	if !ok || tenantID == "" {
		return false, fmt.Errorf("tenant_user: %w", ErrMissingKey)
	}
	payload, err := encodePayload(rec)
	if err != nil {
		return false, err
	}

	var found int
	err = c.tx.QueryRowContext(ctx,
		"SELECT 1 FROM tenant_user WHERE tenant_id = ? AND user_id = ?", tenantID, userID).Scan(&found)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("find tenant_user: %w", err)
	}
	if _, err := c.tx.ExecContext(ctx, `INSERT INTO tenant_user (tenant_id, user_id, payload) VALUES (?, ?, ?)
ON CONFLICT(tenant_id, user_id) DO UPDATE SET payload = excluded.payload`, tenantID, userID, payload); err != nil {
		return false, fmt.Errorf("upsert tenant_user: %w", err)
	}
	return found == 0, nil
}

// UpsertSiteSettings writes the singleton settings row. An existing row keeps its id.
func (c *centralTx) UpsertSiteSettings(ctx context.Context, rec schema.Record) (bool, error) {
	current, ok, err := c.SiteSettings(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		id, _ := current.Int(schema.FieldID)
		return false, c.updatePayload(ctx, "site_settings", id, c.merge(current, rec.Without(schema.FieldID)))
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
	payload, err := encodePayload(out)
	if err != nil {
		return false, err
	}
	if _, err := c.tx.ExecContext(ctx, "INSERT INTO site_settings (id, payload) VALUES (?, ?)", id, payload); err != nil {
		return false, fmt.Errorf("insert site settings: %w", err)
	}
	return true, nil
}

func (c *centralTx) Commit() error {
	if err := c.tx.Commit(); err != nil {
		return translateDone(err)
	}
	return nil
}

func (c *centralTx) Rollback() error {
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (c *centralTx) updatePayload(ctx context.Context, table string, id int64, rec schema.Record) error {
	payload, err := encodePayload(rec)
	if err != nil {
		return err
	}
	if _, err := c.tx.ExecContext(ctx, "UPDATE "+table+" SET payload = ? WHERE id = ?", payload, id); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// stamp returns rec with id first and fresh timestamps, the way a newly created row looks.
func (c *centralTx) stamp(id int64, rec schema.Record) schema.Record {
	now := c.now().UTC().Format(timeFormat)
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
func (c *centralTx) merge(existing, update schema.Record) schema.Record {
	out := existing.Clone()
	for _, k := range update.Keys() {
		v, _ := update.Get(k)
		out.Set(k, v)
	}
	if out.Has("updated_at") && !update.Has("updated_at") {
		out.Set("updated_at", c.now().UTC().Format(timeFormat))
	}
	return out
}

func translateDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return sdk.ErrScopeReleased
	}
	return err
}
