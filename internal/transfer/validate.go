package transfer

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

// userRow is the part of a user record an import depends on.
type userRow struct {
	Email string `json:"email" validate:"required,email"`
}

// membershipRow is the natural key of a tenant_user record.
type membershipRow struct {
	TenantID string `json:"tenant_id" validate:"required"`
	UserID   *int64 `json:"user_id" validate:"required"`
}

// validateSnapshot rejects a snapshot whose selected rows cannot be written at all,
// before anything is written. Every failure wraps snapshot.ErrFormat.
func validateSnapshot(v *validator.Validate, s *snapshot.Snapshot, filter []string) error {
	var errs []error
	if selected(filter, schema.SectionUsers) {
		for i, rec := range s.Central.Users {
			if err := validateRow[userRow](v, rec); err != nil {
				errs = append(errs, fmt.Errorf("users[%d]: %w", i, err))
			}
		}
	}
	if selected(filter, schema.SectionTenants) {
		for i, rec := range s.Central.Tenants {
			if _, ok := rec.RowKey(); !ok {
				errs = append(errs, fmt.Errorf("tenants[%d]: missing id", i))
			}
		}
	}
	if selected(filter, schema.SectionTenantUser) {
		for i, rec := range s.Central.TenantUser {
			if err := validateRow[membershipRow](v, rec); err != nil {
				errs = append(errs, fmt.Errorf("tenant_user[%d]: %w", i, err))
			}
		}
	}
	for _, tenant := range s.TenantIDs() {
		for key, rows := range s.TenantData[tenant] {
			if !selected(filter, key) {
				continue
			}
			for i, rec := range rows {
				if _, ok := rec.RowKey(); !ok {
					errs = append(errs, fmt.Errorf("tenant_data[%s][%s][%d]: missing id", tenant, key, i))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", snapshot.ErrFormat, errors.Join(errs...))
	}
	return nil
}

func validateRow[T any](v *validator.Validate, rec schema.Record) error {
	row, err := sdk.Decode[T](rec)
	if err != nil {
		return err
	}
	return v.Struct(row)
}
