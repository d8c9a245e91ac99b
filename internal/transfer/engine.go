package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/celerix-dev/celerix-snapshot/internal/metrics"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

// ImportOptions tunes one import run.
type ImportOptions struct {
	// Sections limits the run to these section keys; empty means every section.
	Sections []string
	// DryRun performs every step inside transactions and rolls them all back.
	DryRun bool
	// Dangling is the policy for unresolved user references; empty means keep.
	Dangling DanglingPolicy
	// StrictSections fails with ErrNoValidSections instead of selecting everything when
	// no requested section exists.
	StrictSections bool
}

// Engine exports an installation to a snapshot and imports snapshots into it.
// Runs are serialized.
type Engine struct {
	store    sdk.Store
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
	now      func() time.Time

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records runs on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the clock stamping snapshots and reports.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an engine over store whose tenant sections are served by reg.
func New(store sdk.Store, reg *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: reg,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the section registry the engine uses.
func (e *Engine) Registry() *Registry { return e.registry }

// Export copies the selected sections of the whole installation into a snapshot.
// Unknown section names are ignored; an empty or all-unknown list exports everything.
func (e *Engine) Export(ctx context.Context, sections []string) (snap *snapshot.Snapshot, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	defer func() { e.metrics.ObserveRun(metrics.KindExport, e.now().Sub(start), err) }()

	filter := e.registry.Normalize(sections)
	snap = snapshot.New(filter, start)
	log := e.logger.With("run", snap.ID, "kind", metrics.KindExport)
	log.Info("export started", "sections", filter)

	if snap.Central, err = exportCentral(ctx, e.store, filter); err != nil {
		return nil, err
	}

	if wantsTenantData(filter) {
		tenants, err := e.store.ListTenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		sw := NewSwitcher(e.store, e.store)
		for _, t := range tenants {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			_, err := sw.WithTenant(ctx, t.ID, func(ctx context.Context, scope sdk.TenantScope) error {
				bag, err := exportTenant(ctx, scope, e.registry, filter, log)
				if err != nil {
					return err
				}
				snap.TenantData[t.ID] = bag
				rows := 0
				for key, recs := range bag {
					rows += len(recs)
					e.metrics.AddRecords(key, "exported", len(recs))
				}
				log.Debug("tenant exported", "tenant", t.ID, "rows", rows)
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("export tenant %s: %w", t.ID, err)
			}
		}
	}

	log.Info("export finished", "tenants", len(snap.TenantData), "rows", snap.RecordCount(),
		"duration", e.now().Sub(start))
	return snap, nil
}

// Import replays snap into the installation. Nothing is written when the snapshot is
// malformed or of another version. Central data is committed before any tenant; each
// tenant then commits on its own, so a failing tenant leaves earlier tenants committed.
// A non-nil report on error means central data was committed.
func (e *Engine) Import(ctx context.Context, snap *snapshot.Snapshot, opts ImportOptions) (report *Report, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	defer func() { e.metrics.ObserveRun(metrics.KindImport, e.now().Sub(start), err) }()

	if err := snap.Check(); err != nil {
		return nil, err
	}
	filter, err := e.registry.normalize(opts.Sections, opts.StrictSections)
	if err != nil {
		return nil, err
	}
	if err := validateSnapshot(e.validate, snap, filter); err != nil {
		return nil, err
	}
	policy := opts.Dangling
	if policy == "" {
		policy = DanglingKeep
	}
	if _, err := ParseDanglingPolicy(string(policy)); err != nil {
		return nil, err
	}

	report = newReport(snap.ID, filter, opts.DryRun, start)
	log := e.logger.With("run", snap.ID, "kind", metrics.KindImport, "dry_run", opts.DryRun)
	log.Info("import started", "sections", filter, "tenants", len(snap.TenantData), "dangling", string(policy))

	ids := NewIdentityMap()
	rm := remapper{ids: ids, policy: policy}

	created, err := e.importCentral(ctx, snap, filter, rm, report, log, opts.DryRun)
	if err != nil {
		// The central transaction rolled back and no tenant was opened.
		return nil, err
	}

	var dir sdk.TenantDirectory = e.store
	if opts.DryRun {
		dir = overlay{TenantDirectory: e.store, extra: created}
	}
	sw := NewSwitcher(dir, e.store)
	ti := &tenantImporter{
		reg: e.registry, filter: filter, remap: rm, report: report,
		logger: log, metrics: e.metrics, dryRun: opts.DryRun,
	}
	if wantsTenantData(filter) {
		for _, id := range snap.TenantIDs() {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			ran, err := sw.WithTenant(ctx, id, func(ctx context.Context, scope sdk.TenantScope) error {
				return ti.run(ctx, scope, snap.TenantData[id])
			})
			if err != nil {
				log.Error("tenant import failed", "tenant", id, "error", err)
				return report, fmt.Errorf("import tenant %s: %w", id, err)
			}
			if !ran {
				log.Warn("skipping tenant missing from target", "tenant", id)
				report.SkippedTenants = append(report.SkippedTenants, id)
				e.metrics.Skipped("unknown_tenant")
				continue
			}
			report.Tenants = append(report.Tenants, id)
		}
	}

	report.Duration = e.now().Sub(start)
	log.Info("import finished", "tenants", len(report.Tenants), "skipped_tenants", len(report.SkippedTenants),
		"users_created", report.Users.Created, "users_matched", report.Users.Matched, "duration", report.Duration)
	return report, nil
}

// importCentral replays the central bag in one transaction and returns the tenants it created.
func (e *Engine) importCentral(ctx context.Context, snap *snapshot.Snapshot, filter []string, rm remapper,
	report *Report, log *slog.Logger, dryRun bool) (map[string]sdk.Tenant, error) {
	tx, err := e.store.BeginCentral(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin central import: %w", err)
	}
	defer tx.Rollback()

	ci := &centralImporter{
		tx: tx, filter: filter, ids: rm.ids, remap: rm, report: report,
		logger: log, metrics: e.metrics, created: make(map[string]sdk.Tenant),
	}
	if err := ci.run(ctx, snap.Central); err != nil {
		return nil, fmt.Errorf("import central: %w", err)
	}
	if dryRun {
		return ci.created, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit central import: %w", err)
	}
	log.Debug("central data committed", "tenants_created", len(ci.created), "users_mapped", rm.ids.Len())
	return ci.created, nil
}
