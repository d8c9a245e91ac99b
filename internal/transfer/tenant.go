package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/celerix-dev/celerix-snapshot/internal/metrics"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

// exportTenant reads every selected, served section of the tenant behind scope.
// Soft-deleted rows are included. The bag is never nil.
func exportTenant(ctx context.Context, scope sdk.TenantScope, reg *Registry, filter []string, logger *slog.Logger) (snapshot.TenantBag, error) {
	bag := make(snapshot.TenantBag)
	for _, sec := range schema.TenantSections() {
		if !selected(filter, sec.Key) {
			continue
		}
		b, ok := reg.lookup(ctx, sec.Key)
		if !ok {
			logger.Debug("no module serves section", "section", sec.Key)
			continue
		}
		rows, err := b.source.ListAll(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", sec.Key, err)
		}
		if rows == nil {
			rows = []schema.Record{}
		}
		bag[sec.Key] = rows
	}
	return bag, nil
}

// tenantImporter replays one tenant bag inside that tenant's scope.
type tenantImporter struct {
	reg     *Registry
	filter  []string
	remap   remapper
	report  *Report
	logger  *slog.Logger
	metrics *metrics.Metrics
	dryRun  bool
}

// run writes the bag in catalogue order, whatever order its keys came in, and commits
// the scope unless this is a dry run.
func (ti *tenantImporter) run(ctx context.Context, scope sdk.TenantScope, bag snapshot.TenantBag) error {
	tenant := scope.Tenant().ID
	for key := range bag {
		if sec, ok := schema.Lookup(key); !ok || sec.Scope != schema.ScopeTenant {
			ti.logger.Warn("ignoring unknown tenant section", "tenant", tenant, "section", key)
			ti.report.ignore(key)
		}
	}

	for _, sec := range schema.TenantSections() {
		rows := bag[sec.Key]
		if len(rows) == 0 || !selected(ti.filter, sec.Key) {
			continue
		}
		b, ok := ti.reg.lookup(ctx, sec.Key)
		if !ok {
			ti.logger.Debug("no module serves section, skipping", "tenant", tenant, "section", sec.Key, "rows", len(rows))
			ti.report.ignore(sec.Key)
			ti.report.Section(sec.Key).Skipped += len(rows)
			ti.metrics.Skipped("absent_module")
			continue
		}

		var created, updated int
		for _, rec := range rows {
			out, keep, dangling := ti.remap.rewrite(sec, rec)
			noteDangling(ti.logger, ti.metrics, ti.report, ti.remap.policy, sec.Key, tenant, dangling)
			if !keep {
				ti.report.Section(sec.Key).Skipped++
				continue
			}
			isNew, err := b.sink.UpsertByNaturalKey(ctx, scope, out)
			if err != nil {
				return fmt.Errorf("write %s row %s: %w", sec.Key, rec.String(schema.FieldID), err)
			}
			ti.report.written(sec.Key, isNew)
			if isNew {
				created++
			} else {
				updated++
			}
		}
		ti.metrics.AddRecords(sec.Key, "created", created)
		ti.metrics.AddRecords(sec.Key, "updated", updated)
		ti.logger.Debug("section replayed", "tenant", tenant, "section", sec.Key, "rows", len(rows),
			"created", created, "updated", updated)
	}

	if ti.dryRun {
		return nil
	}
	if err := scope.Commit(); err != nil {
		return fmt.Errorf("commit tenant %s: %w", tenant, err)
	}
	return nil
}
