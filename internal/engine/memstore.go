package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

// central is the working form of the central partition.
type central struct {
	tenants     map[string]schema.Record
	users       map[int64]schema.Record
	prefs       map[string]schema.Record // user id + key
	memberships map[string]schema.Record // tenant id + user id
	settings    *schema.Record
	lastUserID  int64
	lastPrefID  int64
}

// partition is the working form of one tenant partition: [section][row key]record.
type partition map[string]map[string]schema.Record

// MemStore is a thread-safe record store held entirely in memory.
// Writes go through transactions that copy the partition they touch on begin and
// swap it in on commit. Only one transaction or tenant scope is open at a time.
type MemStore struct {
	mu      sync.RWMutex
	central *central
	tenants map[string]partition

	// writer is a one-slot semaphore held by the open transaction or scope.
	writer chan struct{}

	persister *Persistence
	wg        sync.WaitGroup
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a MemStore.
type Option func(*MemStore)

// WithLogger sets the logger used for background persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *MemStore) { m.logger = l }
}

// WithClock overrides the clock used for system-managed timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *MemStore) { m.now = now }
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and a persister; both may be nil.
func NewMemStore(initial *State, p *Persistence, opts ...Option) *MemStore {
	m := &MemStore{
		central:   newCentral(),
		tenants:   make(map[string]partition),
		writer:    make(chan struct{}, 1),
		persister: p,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if initial != nil {
		m.load(initial)
	}
	return m
}

// Open loads the store persisted under dir. An empty dir yields a store that
// lives in memory only.
func Open(dir string, opts ...Option) (*MemStore, error) {
	if dir == "" {
		return NewMemStore(nil, nil, opts...), nil
	}
	p, err := NewPersistence(dir)
	if err != nil {
		return nil, fmt.Errorf("init persistence: %w", err)
	}
	m := NewMemStore(nil, p, opts...)
	p.logger = m.logger
	state, err := p.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	m.load(state)
	return m, nil
}

func newCentral() *central {
	return &central{
		tenants:     make(map[string]schema.Record),
		users:       make(map[int64]schema.Record),
		prefs:       make(map[string]schema.Record),
		memberships: make(map[string]schema.Record),
	}
}

func (m *MemStore) load(s *State) {
	c := newCentral()
	for _, rec := range s.Central.Tenants {
		if key, ok := rec.RowKey(); ok {
			c.tenants[key] = rec
		}
	}
	for _, rec := range s.Central.Users {
		rec = coerce(schema.SectionUsers, rec)
		if id, ok := rec.Int(schema.FieldID); ok {
			c.users[id] = rec
			c.lastUserID = max(c.lastUserID, id)
		}
	}
	for _, rec := range s.Central.UserPreferences {
		rec = coerce(schema.SectionUserPreferences, rec)
		if key, ok := prefKey(rec); ok {
			c.prefs[key] = rec
			if id, ok := rec.Int(schema.FieldID); ok {
				c.lastPrefID = max(c.lastPrefID, id)
			}
		}
	}
	for _, rec := range s.Central.TenantUser {
		if key, ok := membershipKey(rec); ok {
			c.memberships[key] = rec
		}
	}
	if s.Central.SiteSettings != nil {
		rec := s.Central.SiteSettings.Clone()
		c.settings = &rec
	}

	tenants := make(map[string]partition, len(s.Tenants))
	for id, ts := range s.Tenants {
		part := make(partition, len(ts))
		for section, rows := range ts {
			bucket := make(map[string]schema.Record, len(rows))
			for _, rec := range rows {
				if key, ok := rec.RowKey(); ok {
					bucket[key] = coerce(section, rec)
				}
			}
			part[section] = bucket
		}
		tenants[id] = part
	}

	m.mu.Lock()
	m.central = c
	m.tenants = tenants
	m.mu.Unlock()
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// Close flushes pending writes.
func (m *MemStore) Close() error {
	m.Wait()
	return nil
}

// --- TenantDirectory ---

func (m *MemStore) ListTenants(ctx context.Context) ([]sdk.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tenantList(m.central.tenants), nil
}

func (m *MemStore) FindTenant(ctx context.Context, id string) (sdk.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return sdk.Tenant{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.central.tenants[id]
	if !ok {
		return sdk.Tenant{}, fmt.Errorf("tenant %q: %w", id, sdk.ErrNotFound)
	}
	return tenantOf(rec), nil
}

// --- CentralReader ---

func (m *MemStore) Tenants(ctx context.Context) ([]schema.Record, error) {
	return m.readCentral(ctx, func(c *central) []schema.Record { return c.tenantRows() })
}

func (m *MemStore) Users(ctx context.Context) ([]schema.Record, error) {
	return m.readCentral(ctx, func(c *central) []schema.Record { return c.userRows() })
}

func (m *MemStore) UserPreferences(ctx context.Context) ([]schema.Record, error) {
	return m.readCentral(ctx, func(c *central) []schema.Record { return c.prefRows() })
}

func (m *MemStore) TenantUsers(ctx context.Context) ([]schema.Record, error) {
	return m.readCentral(ctx, func(c *central) []schema.Record { return c.membershipRows() })
}

func (m *MemStore) SiteSettings(ctx context.Context) (schema.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return schema.Record{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.central.siteSettings()
}

func (m *MemStore) readCentral(ctx context.Context, fn func(*central) []schema.Record) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.central), nil
}

// --- Transactions ---

func (m *MemStore) acquire(ctx context.Context) error {
	select {
	case m.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemStore) release() {
	<-m.writer
}

// BeginCentral opens a central transaction. It blocks while another transaction
// or tenant scope is open.
func (m *MemStore) BeginCentral(ctx context.Context) (sdk.CentralTx, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	work := m.central.clone()
	m.mu.RUnlock()
	return &centralTx{store: m, c: work}, nil
}

// OpenScope opens the partition of tenant for reading and writing. The tenant does not
// have to exist in the central partition yet.
func (m *MemStore) OpenScope(ctx context.Context, tenant sdk.Tenant) (sdk.TenantScope, error) {
	if tenant.ID == "" {
		return nil, fmt.Errorf("open scope: %w", ErrMissingID)
	}
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	work := m.tenants[tenant.ID].clone()
	m.mu.RUnlock()
	return &tenantScope{store: m, tenant: tenant, part: work}, nil
}

func (m *MemStore) commitCentral(c *central) {
	m.mu.Lock()
	m.central = c
	state := c.state()
	gen := m.generation()
	m.mu.Unlock()

	if m.persister != nil {
		m.wg.Add(1)
		go func(s CentralState) {
			defer m.wg.Done()
			if err := m.persister.SaveCentral(gen, s); err != nil {
				m.logger.Error("persist central partition", "error", err)
			}
		}(state)
	}
}

func (m *MemStore) commitTenant(id string, part partition) {
	m.mu.Lock()
	m.tenants[id] = part
	state := part.state()
	gen := m.generation()
	m.mu.Unlock()

	if m.persister != nil {
		m.wg.Add(1)
		go func(tID string, s TenantState) {
			defer m.wg.Done()
			if err := m.persister.SaveTenant(gen, tID, s); err != nil {
				m.logger.Error("persist tenant partition", "tenant", tID, "error", err)
			}
		}(id, state)
	}
}

// generation stamps a commit; callers hold m.mu so stamps follow commit order.
func (m *MemStore) generation() uint64 {
	if m.persister == nil {
		return 0
	}
	return m.persister.Next()
}

// --- central helpers ---

func (c *central) clone() *central {
	out := &central{
		tenants:     cloneBucket(c.tenants),
		users:       make(map[int64]schema.Record, len(c.users)),
		prefs:       cloneBucket(c.prefs),
		memberships: cloneBucket(c.memberships),
		lastUserID:  c.lastUserID,
		lastPrefID:  c.lastPrefID,
	}
	for id, rec := range c.users {
		out.users[id] = rec.Clone()
	}
	if c.settings != nil {
		rec := c.settings.Clone()
		out.settings = &rec
	}
	return out
}

func (c *central) tenantRows() []schema.Record { return sortedRows(c.tenants) }

func (c *central) userRows() []schema.Record {
	ids := make([]int64, 0, len(c.users))
	for id := range c.users {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]schema.Record, len(ids))
	for i, id := range ids {
		out[i] = c.users[id].Clone()
	}
	return out
}

func (c *central) prefRows() []schema.Record {
	rows := make([]schema.Record, 0, len(c.prefs))
	for _, rec := range c.prefs {
		rows = append(rows, rec.Clone())
	}
	schema.SortByID(rows)
	return rows
}

func (c *central) membershipRows() []schema.Record {
	keys := make([]string, 0, len(c.memberships))
	for k := range c.memberships {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]schema.Record, len(keys))
	for i, k := range keys {
		out[i] = c.memberships[k].Clone()
	}
	return out
}

func (c *central) siteSettings() (schema.Record, bool, error) {
	if c.settings == nil {
		return schema.Record{}, false, nil
	}
	return c.settings.Clone(), true, nil
}

func (c *central) state() CentralState {
	s := CentralState{
		Tenants:         c.tenantRows(),
		Users:           c.userRows(),
		UserPreferences: c.prefRows(),
		TenantUser:      c.membershipRows(),
	}
	if rec, ok, _ := c.siteSettings(); ok {
		s.SiteSettings = &rec
	}
	return s
}

// --- partition helpers ---

func (p partition) clone() partition {
	out := make(partition, len(p))
	for section, bucket := range p {
		out[section] = cloneBucket(bucket)
	}
	return out
}

func (p partition) state() TenantState {
	out := make(TenantState, len(p))
	for section, bucket := range p {
		out[section] = sortedRows(bucket)
	}
	return out
}

func cloneBucket(in map[string]schema.Record) map[string]schema.Record {
	out := make(map[string]schema.Record, len(in))
	for k, rec := range in {
		out[k] = rec.Clone()
	}
	return out
}

func sortedRows(bucket map[string]schema.Record) []schema.Record {
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, schema.CompareKeys)
	out := make([]schema.Record, len(keys))
	for i, k := range keys {
		out[i] = bucket[k].Clone()
	}
	return out
}

// coerce restores declared kinds that JSON cannot carry, such as integral floats.
func coerce(section string, rec schema.Record) schema.Record {
	if sec, ok := schema.Describe(section); ok {
		return sec.Coerce(rec)
	}
	return rec
}

func tenantOf(rec schema.Record) sdk.Tenant {
	return sdk.Tenant{ID: rec.String(schema.FieldID), Name: rec.String("name"), Slug: rec.String("slug")}
}

func tenantList(tenants map[string]schema.Record) []sdk.Tenant {
	out := make([]sdk.Tenant, 0, len(tenants))
	for _, rec := range tenants {
		out = append(out, tenantOf(rec))
	}
	slices.SortFunc(out, func(a, b sdk.Tenant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func prefKey(rec schema.Record) (string, bool) {
	uid, ok := rec.Int("user_id")
	key := rec.String("key")
	if !ok || key == "" {
		return "", false
	}
	return strconv.FormatInt(uid, 10) + "\x00" + key, true
}

func membershipKey(rec schema.Record) (string, bool) {
	tid := rec.String(schema.FieldTenantID)
	uid, ok := rec.Int("user_id")
	if !ok || tid == "" {
		return "", false
	}
	return tid + "\x00" + strconv.FormatInt(uid, 10), true
}
