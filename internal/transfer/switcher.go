package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

// Switcher hands out tenant scopes one at a time.
type Switcher struct {
	dir    sdk.TenantDirectory
	store  sdk.TenantStore
	mu     sync.Mutex
	active string
}

// NewSwitcher resolves tenants through dir and opens their scopes from store.
func NewSwitcher(dir sdk.TenantDirectory, store sdk.TenantStore) *Switcher {
	return &Switcher{dir: dir, store: store}
}

// WithTenant runs fn inside the scope of tenantID and reports whether it ran. An unknown
// tenant is not an error: fn is skipped and ran is false. The scope is released on every
// return path, panics included; fn commits it when its writes should stay.
func (s *Switcher) WithTenant(ctx context.Context, tenantID string, fn func(context.Context, sdk.TenantScope) error) (ran bool, err error) {
	tenant, err := s.dir.FindTenant(ctx, tenantID)
	if errors.Is(err, sdk.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}

	if err := s.activate(tenantID); err != nil {
		return false, err
	}
	defer s.deactivate()

	scope, err := s.store.OpenScope(ctx, tenant)
	if err != nil {
		return false, fmt.Errorf("open scope %s: %w", tenantID, err)
	}
	defer func() {
		if rerr := scope.Release(); rerr != nil && err == nil {
			err = fmt.Errorf("release scope %s: %w", tenantID, rerr)
		}
	}()

	return true, fn(ctx, scope)
}

// Active returns the tenant whose scope is open, or "".
func (s *Switcher) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Switcher) activate(tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return fmt.Errorf("%w: %s is open, %s requested", sdk.ErrScopeActive, s.active, tenantID)
	}
	s.active = tenantID
	return nil
}

func (s *Switcher) deactivate() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
}

// overlay is a tenant directory that also knows tenants created by an uncommitted
// central replay, so a dry run can walk their partitions.
type overlay struct {
	sdk.TenantDirectory
	extra map[string]sdk.Tenant
}

func (o overlay) FindTenant(ctx context.Context, id string) (sdk.Tenant, error) {
	if t, ok := o.extra[id]; ok {
		return t, nil
	}
	return o.TenantDirectory.FindTenant(ctx, id)
}
