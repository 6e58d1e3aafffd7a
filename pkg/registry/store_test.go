package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(name string, tools ...string) *ModuleRecord {
	return &ModuleRecord{
		Name:         name,
		Category:     "discovery",
		Version:      "1.0.0",
		FilePath:     "/modules/" + name + ".json",
		Active:       true,
		Tools:        tools,
		Dependencies: []string{"base-lib"},
		LoadedAt:     time.Now().UTC(),
		LoadDuration: 120 * time.Millisecond,
	}
}

func TestStore_SchemaIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	store, err := NewStore(testLogger(), dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveModule(context.Background(), sampleRecord("keeper", "keep_tool")))
	require.NoError(t, store.Close())

	// Reopening must not disturb existing rows.
	store2, err := NewStore(testLogger(), dbPath)
	require.NoError(t, err)
	defer store2.Close()

	records, err := store2.LoadModules(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "keeper", records[0].Name)
	assert.Equal(t, []string{"keep_tool"}, records[0].Tools)
}

func TestStore_SaveModule(t *testing.T) {
	ctx := context.Background()

	t.Run("round trips a full record", func(t *testing.T) {
		store := newTestStore(t)
		defer store.Close()

		rec := sampleRecord("scanner", "scan_ports", "scan_hosts")
		require.NoError(t, store.SaveModule(ctx, rec))
		assert.NotZero(t, rec.ID, "save assigns the row id")

		records, err := store.LoadModules(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)

		got := records[0]
		assert.Equal(t, "scanner", got.Name)
		assert.Equal(t, "discovery", got.Category)
		assert.Equal(t, "1.0.0", got.Version)
		assert.Equal(t, "/modules/scanner.json", got.FilePath)
		assert.True(t, got.Active)
		assert.Equal(t, []string{"scan_ports", "scan_hosts"}, got.Tools)
		assert.Equal(t, []string{"base-lib"}, got.Dependencies)
		assert.Equal(t, 120*time.Millisecond, got.LoadDuration)
		assert.Nil(t, got.UnloadedAt)
	})

	t.Run("re-saving replaces tools instead of duplicating", func(t *testing.T) {
		store := newTestStore(t)
		defer store.Close()

		require.NoError(t, store.SaveModule(ctx, sampleRecord("morpher", "old_tool")))

		updated := sampleRecord("morpher", "new_tool", "other_tool")
		updated.Version = "2.0.0"
		require.NoError(t, store.SaveModule(ctx, updated))

		records, err := store.LoadModules(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1, "upsert keeps one row per module name")
		assert.Equal(t, "2.0.0", records[0].Version)
		assert.Equal(t, []string{"new_tool", "other_tool"}, records[0].Tools)
	})

	t.Run("re-saving reactivates an unloaded module", func(t *testing.T) {
		store := newTestStore(t)
		defer store.Close()

		require.NoError(t, store.SaveModule(ctx, sampleRecord("phoenix", "rise")))
		require.NoError(t, store.MarkUnloaded(ctx, "phoenix"))

		records, err := store.LoadModules(ctx)
		require.NoError(t, err)
		assert.Empty(t, records, "unloaded modules are excluded")

		require.NoError(t, store.SaveModule(ctx, sampleRecord("phoenix", "rise")))
		records, err = store.LoadModules(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.True(t, records[0].Active)
		assert.Nil(t, records[0].UnloadedAt)
	})

	t.Run("closed store reports a persistence error", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Close())

		err := store.SaveModule(ctx, sampleRecord("too-late", "tool"))
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "save module", perr.Op)
	})
}

func TestStore_LoadModules(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	first := sampleRecord("earliest", "a_tool")
	first.LoadedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.SaveModule(ctx, first))

	second := sampleRecord("latest", "b_tool")
	require.NoError(t, store.SaveModule(ctx, second))

	records, err := store.LoadModules(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "earliest", records[0].Name, "oldest load first")
	assert.Equal(t, "latest", records[1].Name)
}

func TestStore_MarkUnloaded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	require.NoError(t, store.SaveModule(ctx, sampleRecord("target", "tool")))
	require.NoError(t, store.MarkUnloaded(ctx, "target"))

	t.Run("unknown module errors", func(t *testing.T) {
		assert.ErrorIs(t, store.MarkUnloaded(ctx, "nope"), ErrModuleNotFound)
	})

	t.Run("already unloaded errors", func(t *testing.T) {
		assert.ErrorIs(t, store.MarkUnloaded(ctx, "target"), ErrModuleNotFound)
	})
}

func TestStore_Config(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	t.Run("missing key reads as empty", func(t *testing.T) {
		value, err := store.GetConfig(ctx, "absent")
		require.NoError(t, err)
		assert.Equal(t, "", value)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, store.SetConfig(ctx, "schema_version", "1"))
		value, err := store.GetConfig(ctx, "schema_version")
		require.NoError(t, err)
		assert.Equal(t, "1", value)
	})

	t.Run("set overwrites", func(t *testing.T) {
		require.NoError(t, store.SetConfig(ctx, "schema_version", "2"))
		value, err := store.GetConfig(ctx, "schema_version")
		require.NoError(t, err)
		assert.Equal(t, "2", value)
	})
}
