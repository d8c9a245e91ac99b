package modules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-snapshot/internal/engine"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
)

func TestBuiltinFollowsCatalogue(t *testing.T) {
	ctx := context.Background()
	mods := Builtin([]string{schema.ModuleHR})
	require.Len(t, mods, 3)

	assert.Equal(t, schema.ModuleContent, mods[0].Name())
	assert.Equal(t, []string{schema.SectionScriptTypes, schema.SectionScripts, schema.SectionThemeSettings}, mods[0].Sections())
	assert.False(t, mods[0].Present(ctx))

	assert.Equal(t, schema.ModuleHR, mods[1].Name())
	assert.True(t, mods[1].Present(ctx))
	assert.False(t, mods[2].Present(ctx))

	for _, m := range Builtin(nil) {
		assert.True(t, m.Present(ctx), m.Name())
	}
}

func TestModuleReadsAndWritesThroughScope(t *testing.T) {
	ctx := context.Background()
	store := engine.NewMemStore(nil, nil)
	hr := New(schema.ModuleHR, schema.SectionHRStaff)

	assert.Nil(t, hr.Source(schema.SectionLoans))
	assert.Nil(t, hr.Sink(schema.SectionLoans))

	scope, err := store.OpenScope(ctx, sdk.Tenant{ID: "acme"})
	require.NoError(t, err)
	defer scope.Release()

	created, err := hr.Sink(schema.SectionHRStaff).UpsertByNaturalKey(ctx, scope, schema.NewRecord("id", 1, "first_name", "Ada"))
	require.NoError(t, err)
	assert.True(t, created)

	rows, err := hr.Source(schema.SectionHRStaff).ListAll(ctx, scope)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ada", rows[0].String("first_name"))
}
