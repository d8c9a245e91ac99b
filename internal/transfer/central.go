package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/celerix-dev/celerix-snapshot/internal/metrics"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

// exportCentral reads the central sections selected by filter.
func exportCentral(ctx context.Context, r sdk.CentralReader, filter []string) (snapshot.Central, error) {
	var c snapshot.Central
	var err error

	if selected(filter, schema.SectionTenants) {
		if c.Tenants, err = r.Tenants(ctx); err != nil {
			return c, fmt.Errorf("read tenants: %w", err)
		}
	}
	if selected(filter, schema.SectionUsers) {
		users, err := r.Users(ctx)
		if err != nil {
			return c, fmt.Errorf("read users: %w", err)
		}
		for i := range users {
			users[i] = users[i].Without(schema.FieldRememberToken)
		}
		c.Users = users
		if c.UserPreferences, err = r.UserPreferences(ctx); err != nil {
			return c, fmt.Errorf("read user preferences: %w", err)
		}
	}
	if selected(filter, schema.SectionTenantUser) {
		if c.TenantUser, err = r.TenantUsers(ctx); err != nil {
			return c, fmt.Errorf("read tenant_user: %w", err)
		}
	}
	if selected(filter, schema.SectionSiteSettings) {
		rec, _, err := r.SiteSettings(ctx)
		if err != nil {
			return c, fmt.Errorf("read site settings: %w", err)
		}
		c.SiteSettings = &rec
	}
	return c, nil
}

// centralImporter replays the central bag inside one transaction and fills the identity map.
type centralImporter struct {
	tx      sdk.CentralTx
	filter  []string
	ids     *IdentityMap
	remap   remapper
	report  *Report
	logger  *slog.Logger
	metrics *metrics.Metrics

	// created lists the tenants this run added to the central partition.
	created map[string]sdk.Tenant
}

func (ci *centralImporter) run(ctx context.Context, c snapshot.Central) error {
	for _, sec := range schema.CentralSections() {
		if !selected(ci.filter, sec.Key) {
			continue
		}
		if err := ci.section(ctx, sec.Key, c); err != nil {
			return err
		}
	}
	return nil
}

func (ci *centralImporter) section(ctx context.Context, key string, c snapshot.Central) error {
	switch key {
	case schema.SectionUsers:
		if err := ci.users(ctx, c.Users); err != nil {
			return err
		}
		return ci.preferences(ctx, c.UserPreferences)
	case schema.SectionTenants:
		return ci.tenants(ctx, c.Tenants)
	case schema.SectionTenantUser:
		return ci.memberships(ctx, c.TenantUser)
	case schema.SectionSiteSettings:
		if c.SiteSettings == nil || c.SiteSettings.Len() == 0 {
			return nil
		}
		created, err := ci.tx.UpsertSiteSettings(ctx, *c.SiteSettings)
		if err != nil {
			return fmt.Errorf("write site settings: %w", err)
		}
		ci.report.written(schema.SectionSiteSettings, created)
		ci.metrics.AddRecords(schema.SectionSiteSettings, action(created), 1)
	}
	return nil
}

// users matches every exported user by email or creates it, building the identity map.
func (ci *centralImporter) users(ctx context.Context, users []schema.Record) error {
	for _, rec := range users {
		oldID, hasID := rec.Int(schema.FieldID)
		email := rec.String(schema.FieldEmail)

		newID, err := ci.tx.FindUserByEmail(ctx, email)
		switch {
		case err == nil:
			ci.report.Users.Matched++
			ci.report.Section(schema.SectionUsers).Skipped++
		case errors.Is(err, sdk.ErrNotFound):
			if newID, err = ci.tx.CreateUser(ctx, rec.Without(schema.SystemManagedUserFields...)); err != nil {
				return fmt.Errorf("create user %s: %w", email, err)
			}
			ci.report.Users.Created++
			ci.report.Section(schema.SectionUsers).Created++
			ci.metrics.AddRecords(schema.SectionUsers, "created", 1)
		default:
			return fmt.Errorf("find user %s: %w", email, err)
		}
		if hasID {
			ci.ids.Set(oldID, newID)
		}
	}
	ci.logger.Debug("users replayed", "rows", len(users), "mapped", ci.ids.Len())
	return nil
}

func (ci *centralImporter) preferences(ctx context.Context, prefs []schema.Record) error {
	for _, rec := range prefs {
		rewritten, ok := ci.mapUser(schema.SectionUserPreferences, rec)
		if !ok {
			continue
		}
		created, err := ci.tx.UpsertUserPreference(ctx, rewritten)
		if err != nil {
			return fmt.Errorf("write user preference: %w", err)
		}
		ci.report.written(schema.SectionUserPreferences, created)
	}
	return nil
}

// tenants creates missing tenants under their original ids. Existing tenants are never touched.
func (ci *centralImporter) tenants(ctx context.Context, tenants []schema.Record) error {
	for _, rec := range tenants {
		out, keep := ci.rewrite(schema.SectionTenants, rec)
		if !keep {
			continue
		}
		created, err := ci.tx.CreateTenantIfAbsent(ctx, out)
		if err != nil {
			return fmt.Errorf("create tenant %s: %w", rec.String(schema.FieldID), err)
		}
		if !created {
			ci.report.Section(schema.SectionTenants).Skipped++
			continue
		}
		ci.report.Section(schema.SectionTenants).Created++
		ci.metrics.AddRecords(schema.SectionTenants, "created", 1)
		id, _ := out.RowKey()
		ci.created[id] = sdk.Tenant{ID: id, Name: out.String("name"), Slug: out.String("slug")}
	}
	return nil
}

// memberships replays tenant_user rows whose user made it into the identity map.
func (ci *centralImporter) memberships(ctx context.Context, rows []schema.Record) error {
	for _, rec := range rows {
		rewritten, ok := ci.mapUser(schema.SectionTenantUser, rec)
		if !ok {
			continue
		}
		created, err := ci.tx.UpsertTenantUser(ctx, rewritten)
		if err != nil {
			return fmt.Errorf("write tenant_user: %w", err)
		}
		ci.report.written(schema.SectionTenantUser, created)
		ci.metrics.AddRecords(schema.SectionTenantUser, action(created), 1)
	}
	return nil
}

// mapUser rewrites user_id through the identity map. Rows of unmapped users are
// dropped silently whatever the dangling policy.
func (ci *centralImporter) mapUser(section string, rec schema.Record) (schema.Record, bool) {
	old, ok := rec.Int("user_id")
	if ok {
		if id, mapped := ci.ids.Lookup(old); mapped {
			out := rec.Clone()
			out.Set("user_id", id)
			return out, true
		}
	}
	ci.report.Section(section).Skipped++
	ci.metrics.Skipped("unmapped_user")
	return schema.Record{}, false
}

func (ci *centralImporter) rewrite(section string, rec schema.Record) (schema.Record, bool) {
	sec, _ := schema.Describe(section)
	out, keep, dangling := ci.remap.rewrite(sec, rec)
	noteDangling(ci.logger, ci.metrics, ci.report, ci.remap.policy, section, "", dangling)
	if !keep {
		ci.report.Section(section).Skipped++
	}
	return out, keep
}

func noteDangling(logger *slog.Logger, m *metrics.Metrics, report *Report, policy DanglingPolicy, section, tenant string, refs []danglingRef) {
	for _, ref := range refs {
		report.Section(section).Dangling++
		m.Dangling(section, ref.Field, string(policy))
		logger.Warn("dangling user reference",
			"section", section, "tenant", tenant, "field", ref.Field, "value", ref.Value, "policy", string(policy))
	}
}

func action(created bool) string {
	if created {
		return "created"
	}
	return "updated"
}
