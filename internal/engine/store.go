// Package engine implements the in-memory record store: a central partition plus one
// partition per tenant, with copy-on-begin transactions and JSON file persistence.
package engine

import (
	"errors"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

var (
	// ErrMissingID is returned when a row that is keyed by id has none.
	ErrMissingID = errors.New("row has no id")
	// ErrMissingKey is returned when a row lacks one of the columns of its natural key.
	ErrMissingKey = errors.New("row is missing a natural key column")
)

// State is the durable content of a store, as loaded from and saved to disk.
type State struct {
	Central CentralState
	Tenants map[string]TenantState
}

// CentralState holds the rows of the central partition.
type CentralState struct {
	Tenants         []schema.Record `json:"tenants"`
	Users           []schema.Record `json:"users"`
	UserPreferences []schema.Record `json:"user_preferences"`
	TenantUser      []schema.Record `json:"tenant_user"`
	SiteSettings    *schema.Record  `json:"site_settings,omitempty"`
}

// TenantState maps a section key to the rows of one tenant partition.
type TenantState map[string][]schema.Record

var _ sdk.Store = (*MemStore)(nil)
