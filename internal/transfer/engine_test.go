package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-snapshot/internal/modules"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

func exportSource(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	src := newMemStore(t)
	seedSource(t, src)
	snap, err := newEngine(t, src).Export(context.Background(), nil)
	require.NoError(t, err)
	return snap
}

func tenantDataJSON(t *testing.T, s *snapshot.Snapshot) string {
	t.Helper()
	b, err := json.Marshal(s.TenantData)
	require.NoError(t, err)
	return string(b)
}

func TestExport_Full(t *testing.T) {
	snap := exportSource(t)

	assert.Equal(t, snapshot.FormatVersion, snap.Version)
	assert.NotEmpty(t, snap.ID)
	assert.Nil(t, snap.Sections)
	require.Len(t, snap.Central.Users, 2)
	assert.False(t, snap.Central.Users[0].Has(schema.FieldRememberToken))
	assert.Len(t, snap.Central.Tenants, 2)
	assert.Len(t, snap.Central.UserPreferences, 1)
	assert.Len(t, snap.Central.TenantUser, 2)
	require.NotNil(t, snap.Central.SiteSettings)
	assert.Equal(t, "Celerix", snap.Central.SiteSettings.String("site_name"))

	assert.Equal(t, []string{"acme", "globex"}, snap.TenantIDs())
	acme := snap.TenantData["acme"]
	assert.Len(t, acme[schema.SectionHRStaff], 2, "soft-deleted staff are exported")
	assert.NotNil(t, acme[schema.SectionLoans])
	assert.Empty(t, acme[schema.SectionLoans])
	assert.Len(t, snap.TenantData["globex"][schema.SectionLoans], 1)
}

func TestExport_SectionFilter(t *testing.T) {
	src := newMemStore(t)
	seedSource(t, src)

	snap, err := newEngine(t, src).Export(context.Background(), []string{"hr_staff", "bogus"})
	require.NoError(t, err)

	assert.Equal(t, []string{schema.SectionHRStaff}, snap.Sections)
	assert.True(t, snap.Central.IsEmpty())
	require.Len(t, snap.TenantData, 2)
	for id, bag := range snap.TenantData {
		assert.Len(t, bag, 1, "tenant %s", id)
		assert.Contains(t, bag, schema.SectionHRStaff)
	}
}

func TestExport_CentralOnlyFilterSkipsTenants(t *testing.T) {
	src := newMemStore(t)
	seedSource(t, src)

	snap, err := newEngine(t, src).Export(context.Background(), []string{"users"})
	require.NoError(t, err)

	assert.Empty(t, snap.TenantData)
	assert.Len(t, snap.Central.Users, 2)
	assert.Empty(t, snap.Central.Tenants)
	assert.Nil(t, snap.Central.SiteSettings)
}

func TestRoundTrip_IntoEmptyInstallation(t *testing.T) {
	for _, f := range []snapshot.Format{snapshot.FormatJSON, snapshot.FormatYAML, snapshot.FormatXML} {
		t.Run(string(f), func(t *testing.T) {
			ctx := context.Background()
			snap := exportSource(t)
			data, err := snapshot.Marshal(snap, f)
			require.NoError(t, err)
			decoded, err := snapshot.Unmarshal(data, f)
			require.NoError(t, err)

			dst := newMemStore(t)
			eng := newEngine(t, dst)
			report, err := eng.Import(ctx, decoded, ImportOptions{})
			require.NoError(t, err)
			assert.Equal(t, 2, report.Users.Created)
			assert.Equal(t, []string{"acme", "globex"}, report.Tenants)

			again, err := eng.Export(ctx, nil)
			require.NoError(t, err)
			assert.JSONEq(t, tenantDataJSON(t, snap), tenantDataJSON(t, again))

			require.Len(t, again.Central.Users, 2)
			for i, u := range again.Central.Users {
				assert.Equal(t, snap.Central.Users[i].String("email"), u.String("email"))
				assert.Equal(t, snap.Central.Users[i].String("password"), u.String("password"))
			}
			assert.Equal(t, "Celerix", again.Central.SiteSettings.String("site_name"))
			assert.Len(t, again.Central.TenantUser, 2)
		})
	}
}

func TestImport_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)
	dst := newMemStore(t)
	eng := newEngine(t, dst)

	_, err := eng.Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	first, err := eng.Export(ctx, nil)
	require.NoError(t, err)

	report, err := eng.Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Users.Matched)
	assert.Zero(t, report.Users.Created)
	assert.Equal(t, 2, report.Section(schema.SectionTenants).Skipped)
	assert.Zero(t, report.Section(schema.SectionHRStaff).Created)
	assert.Equal(t, 2, report.Section(schema.SectionHRStaff).Updated)

	second, err := eng.Export(ctx, nil)
	require.NoError(t, err)
	assert.JSONEq(t, tenantDataJSON(t, first), tenantDataJSON(t, second))
	assert.Len(t, second.Central.Users, 2)
}

func TestImport_RemapsUsersByEmail(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)

	dst := newMemStore(t)
	seedCentral(t, dst, []schema.Record{
		schema.NewRecord("name", "Carol", "email", "carol@example.com"),
		schema.NewRecord("name", "Robert", "email", "BOB@Example.com"),
	}, nil, nil)

	report, err := newEngine(t, dst).Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Users.Matched)
	assert.Equal(t, 1, report.Users.Created)

	// ada (source 1) is created as 3, bob (source 2) matches target 2.
	tenant, err := dst.FindTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", tenant.Name)
	tenants, err := dst.Tenants(ctx)
	require.NoError(t, err)
	createdBy, _ := tenants[0].Int("created_by")
	assert.Equal(t, int64(3), createdBy)

	users, err := dst.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "Robert", users[1].String("name"), "matched users are not overwritten")

	project := tenantRows(t, dst, "acme", schema.SectionHRProjects)[0]
	owner, _ := project.Int("owner_id")
	creator, _ := project.Int("created_by")
	assert.Equal(t, int64(3), owner)
	assert.Equal(t, int64(2), creator)

	staff := tenantRows(t, dst, "acme", schema.SectionHRStaff)
	v, _ := staff[1].Get("user_id")
	assert.Nil(t, v, "nil references stay nil")

	prefs, err := dst.UserPreferences(ctx)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	prefUser, _ := prefs[0].Int("user_id")
	assert.Equal(t, int64(3), prefUser)
}

func TestImport_SkipsTenantsMissingFromTarget(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)
	dst := newMemStore(t)

	report, err := newEngine(t, dst).Import(ctx, snap, ImportOptions{Sections: []string{"hr_staff"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, report.SkippedTenants)
	assert.Empty(t, report.Tenants)

	tenants, err := dst.ListTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)
	assert.Empty(t, tenantRows(t, dst, "acme", schema.SectionHRStaff))
}

func TestImport_RejectsBeforeWriting(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*snapshot.Snapshot)
		want   error
	}{
		{"future version", func(s *snapshot.Snapshot) { s.Version = 2 }, snapshot.ErrUnsupportedVersion},
		{"bad email", func(s *snapshot.Snapshot) { s.Central.Users[1].Set("email", "not-an-email") }, snapshot.ErrFormat},
		{"tenant without id", func(s *snapshot.Snapshot) { s.Central.Tenants[1].Delete("id") }, snapshot.ErrFormat},
		{"membership without user", func(s *snapshot.Snapshot) { s.Central.TenantUser[0].Delete("user_id") }, snapshot.ErrFormat},
		{"row without id", func(s *snapshot.Snapshot) { s.TenantData["globex"][schema.SectionLoans][0].Delete("id") }, snapshot.ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			snap := exportSource(t)
			tt.mutate(snap)
			dst := newMemStore(t)

			report, err := newEngine(t, dst).Import(ctx, snap, ImportOptions{})
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, report)

			users, err := dst.Users(ctx)
			require.NoError(t, err)
			assert.Empty(t, users)
			tenants, err := dst.ListTenants(ctx)
			require.NoError(t, err)
			assert.Empty(t, tenants)
		})
	}
}

func TestImport_StrictSections(t *testing.T) {
	snap := exportSource(t)
	eng := newEngine(t, newMemStore(t))

	_, err := eng.Import(context.Background(), snap, ImportOptions{Sections: []string{"nope"}, StrictSections: true})
	require.ErrorIs(t, err, ErrNoValidSections)
}

func TestImport_RejectsUnknownPolicy(t *testing.T) {
	snap := exportSource(t)
	eng := newEngine(t, newMemStore(t))

	_, err := eng.Import(context.Background(), snap, ImportOptions{Dangling: "explode"})
	require.Error(t, err)
}

func TestImport_DanglingPolicies(t *testing.T) {
	tests := []struct {
		policy   DanglingPolicy
		rows     int
		assigned any
	}{
		{DanglingKeep, 1, int64(2)},
		{DanglingNull, 1, nil},
		{DanglingDrop, 0, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			ctx := context.Background()
			snap := exportSource(t)
			dst := newMemStore(t)
			seedCentral(t, dst, nil, []schema.Record{schema.NewRecord("id", "acme", "name", "Acme")}, nil)

			// Users are not selected, so every user reference is dangling.
			report, err := newEngine(t, dst).Import(ctx, snap, ImportOptions{
				Sections: []string{"hr_tasks"},
				Dangling: tt.policy,
			})
			require.NoError(t, err)
			counts := report.Section(schema.SectionHRTasks)
			assert.Equal(t, 1-tt.rows, counts.Skipped)

			rows := tenantRows(t, dst, "acme", schema.SectionHRTasks)
			require.Len(t, rows, tt.rows)
			if tt.policy == DanglingDrop {
				assert.Equal(t, 1, counts.Dangling, "drop stops at the first dangling field")
				return
			}
			assert.Equal(t, 2, counts.Dangling)
			v, _ := rows[0].Get("assigned_to")
			if tt.assigned == nil {
				assert.Nil(t, v)
			} else {
				got, _ := schema.AsInt(v)
				assert.Equal(t, tt.assigned, got)
			}
		})
	}
}

func TestImport_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)
	dst := newMemStore(t)

	report, err := newEngine(t, dst).Import(ctx, snap, ImportOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Users.Created)
	assert.Equal(t, []string{"acme", "globex"}, report.Tenants, "tenants created by the run are walked")
	assert.Equal(t, 2, report.Section(schema.SectionHRStaff).Created)

	users, err := dst.Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	tenants, err := dst.ListTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)
	assert.Empty(t, tenantRows(t, dst, "acme", schema.SectionHRStaff))
}

func TestImport_WritesInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)

	var writes []string
	hr := newRecordingModule(schema.ModuleHR, &writes, "",
		schema.SectionHRTasks, schema.SectionHRProjects, schema.SectionHRStaff, schema.SectionHRAssets)
	eng := newEngine(t, newMemStore(t),
		modules.New(schema.ModuleContent, schema.SectionScriptTypes, schema.SectionScripts, schema.SectionThemeSettings),
		hr,
		modules.New(schema.ModuleLoans, schema.SectionLoanPackages, schema.SectionLoans, schema.SectionLoanPayments),
	)

	_, err := eng.Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/hr_staff", "acme/hr_staff", "acme/hr_projects", "acme/hr_tasks"}, writes)
}

func TestImport_TenantFailureKeepsEarlierTenants(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)
	dst := newMemStore(t)

	var writes []string
	eng := newEngine(t, dst,
		modules.New(schema.ModuleContent, schema.SectionScriptTypes, schema.SectionScripts, schema.SectionThemeSettings),
		modules.New(schema.ModuleHR, schema.SectionHRStaff, schema.SectionHRProjects, schema.SectionHRTasks, schema.SectionHRAssets),
		newRecordingModule(schema.ModuleLoans, &writes, "globex",
			schema.SectionLoanPackages, schema.SectionLoans, schema.SectionLoanPayments),
	)

	report, err := eng.Import(ctx, snap, ImportOptions{})
	require.ErrorIs(t, err, errSinkFailed)
	require.NotNil(t, report)
	assert.Equal(t, []string{"acme"}, report.Tenants)

	assert.Len(t, tenantRows(t, dst, "acme", schema.SectionHRStaff), 2)
	assert.Empty(t, tenantRows(t, dst, "globex", schema.SectionLoanPackages))
	tenants, err := dst.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, tenants, 2, "central data is committed before tenants")
}

func TestImport_AbsentModuleIsSkipped(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)
	dst := newMemStore(t)

	report, err := newEngine(t, dst, modules.Builtin([]string{schema.ModuleContent, schema.ModuleLoans})...).
		Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	assert.Contains(t, report.IgnoredSections, schema.SectionHRStaff)
	assert.Equal(t, 2, report.Section(schema.SectionHRStaff).Skipped)
	assert.Empty(t, tenantRows(t, dst, "acme", schema.SectionHRStaff))
	assert.Len(t, tenantRows(t, dst, "globex", schema.SectionLoans), 1)

	exported, err := newEngine(t, dst, modules.Builtin([]string{schema.ModuleContent, schema.ModuleLoans})...).
		Export(ctx, nil)
	require.NoError(t, err)
	assert.NotContains(t, exported.TenantData["acme"], schema.SectionHRStaff)
}

func TestImport_IgnoresUnknownBagKeys(t *testing.T) {
	snap := exportSource(t)
	snap.TenantData["acme"]["crm_leads"] = []schema.Record{schema.NewRecord("id", 1)}

	report, err := newEngine(t, newMemStore(t)).Import(context.Background(), snap, ImportOptions{})
	require.NoError(t, err)
	assert.Contains(t, report.IgnoredSections, "crm_leads")
}

func TestImport_CancelledBetweenTenants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snap := exportSource(t)
	dst := newMemStore(t)

	var writes []string
	hr := newRecordingModule(schema.ModuleHR, &writes, "",
		schema.SectionHRStaff, schema.SectionHRProjects, schema.SectionHRTasks, schema.SectionHRAssets)
	hr.after = func(tenant, section string) {
		if section == schema.SectionHRTasks {
			cancel()
		}
	}
	eng := newEngine(t, dst,
		modules.New(schema.ModuleContent, schema.SectionScriptTypes, schema.SectionScripts, schema.SectionThemeSettings),
		hr,
		modules.New(schema.ModuleLoans, schema.SectionLoanPackages, schema.SectionLoans, schema.SectionLoanPayments),
	)

	report, err := eng.Import(ctx, snap, ImportOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"acme"}, report.Tenants)
	assert.Len(t, tenantRows(t, dst, "acme", schema.SectionHRTasks), 1)
	assert.Empty(t, tenantRows(t, dst, "globex", schema.SectionLoans))
}

func TestImport_CancelledContextWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := exportSource(t)
	dst := newMemStore(t)

	report, err := newEngine(t, dst).Import(ctx, snap, ImportOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
	users, err := dst.Users(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)
}

// failingUsers makes every CreateUser of its central transactions fail.
type failingUsers struct{ sdk.Store }

func (s failingUsers) BeginCentral(ctx context.Context) (sdk.CentralTx, error) {
	tx, err := s.Store.BeginCentral(ctx)
	return failingUserTx{tx}, err
}

type failingUserTx struct{ sdk.CentralTx }

func (failingUserTx) CreateUser(context.Context, schema.Record) (int64, error) {
	return 0, errors.New("disk full")
}

func TestImport_CentralFailureReturnsNoReport(t *testing.T) {
	snap := exportSource(t)
	dst := newMemStore(t)

	report, err := newEngine(t, failingUsers{dst}).Import(context.Background(), snap, ImportOptions{})
	require.ErrorContains(t, err, "disk full")
	assert.Nil(t, report, "nothing was committed")

	tenants, err := dst.ListTenants(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tenants)
}

func TestSQLite_Parity(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)

	mem := newMemStore(t)
	_, err := newEngine(t, mem).Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	fromMem, err := newEngine(t, mem).Export(ctx, nil)
	require.NoError(t, err)

	lite := newSQLiteStore(t)
	eng := newEngine(t, lite)
	report, err := eng.Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Users.Created)
	fromLite, err := eng.Export(ctx, nil)
	require.NoError(t, err)

	assert.JSONEq(t, tenantDataJSON(t, fromMem), tenantDataJSON(t, fromLite))
	require.Len(t, fromLite.Central.Users, 2)
	assert.Equal(t, "ada@example.com", fromLite.Central.Users[0].String("email"))

	// A second run against SQLite reuses every row.
	report, err = eng.Import(ctx, snap, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Users.Matched)
	assert.Equal(t, 1, report.Section(schema.SectionLoans).Updated)
}

func TestSQLite_DryRun(t *testing.T) {
	ctx := context.Background()
	snap := exportSource(t)
	lite := newSQLiteStore(t)

	report, err := newEngine(t, lite).Import(ctx, snap, ImportOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, report.Tenants)

	tenants, err := lite.ListTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, tenants)
	assert.Empty(t, tenantRows(t, lite, "globex", schema.SectionLoans))
}

var _ sdk.Module = (*recordingModule)(nil)
