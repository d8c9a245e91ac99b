package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

type tenantScope struct {
	tenant sdk.Tenant
	tx     *sql.Tx
	done   bool
}

func (s *tenantScope) Tenant() sdk.Tenant { return s.tenant }

func (s *tenantScope) List(ctx context.Context, section string) ([]schema.Record, error) {
	if s.done {
		return nil, sdk.ErrScopeReleased
	}
	rows, err := queryRecords(ctx, s.tx, section,
		"SELECT payload FROM tenant_records WHERE tenant_id = ? AND section = ?", s.tenant.ID, section)
	if err != nil {
		return nil, err
	}
	schema.SortByID(rows)
	return rows, nil
}

func (s *tenantScope) Upsert(ctx context.Context, section string, rec schema.Record) (bool, error) {
	if s.done {
		return false, sdk.ErrScopeReleased
	}
	rowID, ok := rec.RowKey()
	if !ok {
		return false, fmt.Errorf("%s: %w", section, ErrMissingID)
	}
	payload, err := encodePayload(rec)
	if err != nil {
		return false, err
	}

	var found int
	err = s.tx.QueryRowContext(ctx,
		"SELECT 1 FROM tenant_records WHERE tenant_id = ? AND section = ? AND row_id = ?",
		s.tenant.ID, section, rowID).Scan(&found)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("find %s row: %w", section, err)
	}
	if _, err := s.tx.ExecContext(ctx, `INSERT INTO tenant_records (tenant_id, section, row_id, payload) VALUES (?, ?, ?, ?)
ON CONFLICT(tenant_id, section, row_id) DO UPDATE SET payload = excluded.payload`,
		s.tenant.ID, section, rowID, payload); err != nil {
		return false, fmt.Errorf("upsert %s row: %w", section, err)
	}
	return found == 0, nil
}

func (s *tenantScope) Commit() error {
	if s.done {
		return sdk.ErrScopeReleased
	}
	s.done = true
	return translateDone(s.tx.Commit())
}

func (s *tenantScope) Release() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
