package hotreload

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/benteng/pkg/module"
	"github.com/harun/benteng/pkg/plugin"
	"github.com/harun/benteng/pkg/registry"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.Disabled)
}

type fakePlugins struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakePlugins) RunBundle(ctx context.Context, name, dir string) (*plugin.LoadedPlugin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	return &plugin.LoadedPlugin{Name: name}, nil
}

func (f *fakePlugins) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fixture struct {
	manager  *Manager
	binder   *module.Binder
	registry *registry.Registry
	plugins  *fakePlugins
	reloads  chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := registry.NewStore(testLogger(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	reg := registry.NewRegistry(testLogger(), store)
	require.NoError(t, reg.Initialize(context.Background()))

	binder := module.NewBinder(testLogger(), module.NewDescriptorLoader(testLogger()), reg, module.NewCache())
	plugins := &fakePlugins{}
	reloads := make(chan error, 16)

	m := NewManager(testLogger(), binder, plugins, Config{
		Debounce: 200 * time.Millisecond,
		OnReload: func(name string, kind UnitKind, duration time.Duration, err error) {
			reloads <- err
		},
	})
	t.Cleanup(func() { _ = m.Stop() })

	return &fixture{manager: m, binder: binder, registry: reg, plugins: plugins, reloads: reloads}
}

func writeModuleFile(t *testing.T, dir, name, version string, tools ...string) string {
	t.Helper()

	desc := module.Descriptor{Name: name, Category: "discovery", Version: version}
	for _, tool := range tools {
		desc.Tools = append(desc.Tools, module.ToolDef{Name: tool})
	}
	data, err := json.Marshal(desc)
	require.NoError(t, err)

	path := filepath.Join(dir, name+module.DescriptorFileExt)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (f *fixture) waitReload(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.reloads:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a reload")
		return nil
	}
}

func (f *fixture) assertNoReload(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case err := <-f.reloads:
		t.Fatalf("unexpected reload (err=%v)", err)
	case <-time.After(window):
	}
}

func TestManager_DebounceCoalescesBursts(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "probe", "1.0.0", "probe_tool")
	_, err := f.binder.Bind(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, f.manager.Enable())
	require.NoError(t, f.manager.WatchModule("probe", path))

	// A save storm: five events inside one quiet window.
	for i := 0; i < 5; i++ {
		require.NoError(t, f.manager.Inject("probe"))
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, f.waitReload(t))
	f.assertNoReload(t, 500*time.Millisecond)

	status := f.manager.Status()
	require.Len(t, status.Entries, 1)
	assert.Equal(t, 1, status.Entries[0].Stats.Count, "a burst produces exactly one reload")
}

func TestManager_FilesystemEventTriggersReload(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "live", "1.0.0", "live_tool")
	_, err := f.binder.Bind(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, f.manager.Enable())
	require.NoError(t, f.manager.WatchModule("live", path))

	writeModuleFile(t, dir, "live", "1.1.0", "live_tool", "second_tool")

	require.NoError(t, f.waitReload(t))

	rec, ok := f.registry.GetModule("live")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.Len(t, rec.Tools, 2)
}

func TestManager_FailedReloadLeavesPreviousServing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "fragile", "1.0.0", "fragile_tool")
	_, err := f.binder.Bind(ctx, path)
	require.NoError(t, err)
	require.NoError(t, f.manager.WatchModule("fragile", path))

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	err = f.manager.ReloadModule(ctx, "fragile", ReloadOptions{})
	var rerr *ReloadError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "fragile", rerr.Unit)

	rec, ok := f.registry.GetModule("fragile")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", rec.Version, "previous module untouched")
	assert.Len(t, f.registry.ListTools(), 1, "tools remain registered")

	status := f.manager.Status()
	require.Len(t, status.Entries, 1)
	stats := status.Entries[0].Stats
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 1, stats.Failures)
	assert.NotEmpty(t, stats.LastError)

	// A later good save recovers and clears the recorded error.
	writeModuleFile(t, dir, "fragile", "1.0.1", "fragile_tool")
	require.NoError(t, f.manager.ReloadModule(ctx, "fragile", ReloadOptions{}))

	rec, _ = f.registry.GetModule("fragile")
	assert.Equal(t, "1.0.1", rec.Version)
	stats = f.manager.Status().Entries[0].Stats
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 1, stats.Failures)
	assert.Empty(t, stats.LastError)
}

func TestManager_WatchEntriesSurviveDisableEnable(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "durable", "1.0.0", "durable_tool")
	_, err := f.binder.Bind(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, f.manager.Enable())
	require.NoError(t, f.manager.WatchModule("durable", path))
	require.Equal(t, StateWatching, f.manager.Status().State)

	require.NoError(t, f.manager.Disable())
	status := f.manager.Status()
	assert.Equal(t, StateDisabled, status.State)
	require.Len(t, status.Entries, 1, "entry retained while disabled")
	assert.False(t, status.Entries[0].Watching)

	require.NoError(t, f.manager.Enable())
	status = f.manager.Status()
	assert.Equal(t, StateWatching, status.State)
	require.Len(t, status.Entries, 1)
	assert.True(t, status.Entries[0].Watching, "watch restored from the retained path")

	// The restored watch is live, not just recorded.
	writeModuleFile(t, dir, "durable", "2.0.0", "durable_tool")
	require.NoError(t, f.waitReload(t))
	rec, _ := f.registry.GetModule("durable")
	assert.Equal(t, "2.0.0", rec.Version)
}

func TestManager_DisableCancelsPendingReload(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "cancelled", "1.0.0", "tool_a")
	_, err := f.binder.Bind(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, f.manager.Enable())
	require.NoError(t, f.manager.WatchModule("cancelled", path))

	require.NoError(t, f.manager.Inject("cancelled"))
	require.NoError(t, f.manager.Disable())

	f.assertNoReload(t, 600*time.Millisecond)
	assert.Equal(t, 0, f.manager.Status().Entries[0].Stats.Count)
}

func TestManager_PluginUnitsReloadThroughPipeline(t *testing.T) {
	f := newFixture(t)
	bundleDir := t.TempDir()

	require.NoError(t, f.manager.Enable())
	require.NoError(t, f.manager.WatchPlugin("scanner", bundleDir))

	require.NoError(t, f.manager.Inject("scanner"))
	require.NoError(t, f.waitReload(t))

	assert.Equal(t, 1, f.plugins.callCount())
	assert.Equal(t, []string{"scanner"}, f.plugins.calls)
}

func TestManager_PluginDirectoryEventsRoute(t *testing.T) {
	f := newFixture(t)
	bundleDir := t.TempDir()
	distDir := filepath.Join(bundleDir, "dist")
	require.NoError(t, os.MkdirAll(distDir, 0o755))

	require.NoError(t, f.manager.Enable())
	require.NoError(t, f.manager.WatchPlugin("router", bundleDir))

	require.NoError(t, os.WriteFile(filepath.Join(distDir, "index.js"), []byte("rebuilt\n"), 0o644))

	require.NoError(t, f.waitReload(t))
	assert.Equal(t, []string{"router"}, f.plugins.calls)
}

func TestManager_ReloadModule(t *testing.T) {
	f := newFixture(t)

	t.Run("unknown unit", func(t *testing.T) {
		err := f.manager.ReloadModule(context.Background(), "ghost", ReloadOptions{})
		assert.ErrorIs(t, err, ErrNotWatched)
	})

	t.Run("works while disabled using the retained path", func(t *testing.T) {
		dir := t.TempDir()
		path := writeModuleFile(t, dir, "offline", "1.0.0", "offline_tool")
		_, err := f.binder.Bind(context.Background(), path)
		require.NoError(t, err)
		require.NoError(t, f.manager.WatchModule("offline", path))

		writeModuleFile(t, dir, "offline", "1.2.0", "offline_tool")
		require.NoError(t, f.manager.ReloadModule(context.Background(), "offline", ReloadOptions{}))

		rec, _ := f.registry.GetModule("offline")
		assert.Equal(t, "1.2.0", rec.Version)
	})
}

func TestManager_Unwatch(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := writeModuleFile(t, dir, "transient", "1.0.0", "tool_x")

	require.NoError(t, f.manager.Enable())
	require.NoError(t, f.manager.WatchModule("transient", path))
	require.Len(t, f.manager.Status().Entries, 1)

	f.manager.Unwatch("transient")
	assert.Empty(t, f.manager.Status().Entries)
	assert.ErrorIs(t, f.manager.Inject("transient"), ErrNotWatched)
	assert.Equal(t, StateEnabled, f.manager.Status().State)
}

func TestManager_DebounceClamp(t *testing.T) {
	m := NewManager(testLogger(), nil, nil, Config{Debounce: 50 * time.Millisecond})
	assert.Equal(t, minDebounce, m.debounce)

	m = NewManager(testLogger(), nil, nil, Config{Debounce: time.Second})
	assert.Equal(t, maxDebounce, m.debounce)

	m = NewManager(testLogger(), nil, nil, Config{})
	assert.Equal(t, defaultDebounce, m.debounce)
}
