package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/benteng/pkg/plugin"
	"github.com/harun/benteng/pkg/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, *registry.Store) {
	t.Helper()

	store, err := registry.NewStore(zerolog.Nop(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.NewRegistry(zerolog.Nop(), store)
	require.NoError(t, reg.Initialize(context.Background()))
	return reg, store
}

// commitBundle writes a real bundle directory, hashes its dist, and commits
// it as a loaded plugin.
func commitBundle(t *testing.T, reg *registry.Registry, root, name string, tools ...string) string {
	t.Helper()

	bundleDir := filepath.Join(root, name)
	distDir := filepath.Join(bundleDir, "dist")
	require.NoError(t, os.MkdirAll(distDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(distDir, "index.js"), []byte("module.exports = "+name), 0644))

	hash, err := plugin.ComputeDistHash(distDir)
	require.NoError(t, err)

	capture := &plugin.CaptureBuffer{}
	for _, tool := range tools {
		capture.Tools = append(capture.Tools, plugin.ToolRegistration{Name: tool})
	}

	loaded := &plugin.LoadedPlugin{
		Name: name,
		Path: bundleDir,
		Manifest: plugin.Manifest{
			ManifestVersion: "1",
			Name:            name,
			Version:         "1.0.0",
			Entry:           "dist/index.js",
			Dist:            plugin.DistInfo{Hash: hash},
		},
		State:    plugin.StateActive,
		Capture:  capture,
		LoadedAt: time.Now(),
	}
	require.NoError(t, reg.CommitPlugin(loaded))
	return bundleDir
}

func TestNewAuditor(t *testing.T) {
	reg, store := newTestRegistry(t)

	t.Run("rejects invalid schedule", func(t *testing.T) {
		_, err := NewAuditor(zerolog.Nop(), reg, store, Config{Schedule: "whenever"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid audit schedule")
	})

	t.Run("accepts descriptors", func(t *testing.T) {
		_, err := NewAuditor(zerolog.Nop(), reg, store, Config{Schedule: "@every 1h"})
		require.NoError(t, err)
	})

	t.Run("requires a registry", func(t *testing.T) {
		_, err := NewAuditor(zerolog.Nop(), nil, store, Config{Schedule: "@hourly"})
		require.Error(t, err)
	})
}

func TestAuditor_SweepCleanBundlesPass(t *testing.T) {
	reg, store := newTestRegistry(t)
	root := t.TempDir()
	commitBundle(t, reg, root, "scanner", "port_scan")
	commitBundle(t, reg, root, "reporter", "report_gen")

	auditor, err := NewAuditor(zerolog.Nop(), reg, store, Config{Schedule: "@every 1h"})
	require.NoError(t, err)

	summary := auditor.Sweep(context.Background())

	assert.Equal(t, 2, summary.Checked)
	assert.Empty(t, summary.Tampered)
	assert.NotZero(t, summary.SweepAt)

	last, ok := auditor.LastSweep()
	require.True(t, ok)
	assert.Equal(t, 2, last.Checked)

	// The summary is persisted for the status command.
	persisted, found, err := LoadLastSweep(context.Background(), store)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, persisted.Checked)
}

func TestAuditor_SweepDetectsTamper(t *testing.T) {
	reg, store := newTestRegistry(t)
	root := t.TempDir()
	bundleDir := commitBundle(t, reg, root, "scanner", "port_scan")

	// Swap the dist content after commit.
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "dist", "index.js"), []byte("evil payload"), 0644))

	var tampered []TamperRecord
	auditor, err := NewAuditor(zerolog.Nop(), reg, store, Config{
		Schedule: "@every 1h",
		OnTamper: func(rec TamperRecord) { tampered = append(tampered, rec) },
	})
	require.NoError(t, err)

	summary := auditor.Sweep(context.Background())

	require.Len(t, summary.Tampered, 1)
	assert.Equal(t, "scanner", summary.Tampered[0].Plugin)
	assert.Contains(t, summary.Tampered[0].Detail, "hash mismatch")

	require.Len(t, tampered, 1)
	assert.Equal(t, "scanner", tampered[0].Plugin)

	// Without disable-on-tamper the module keeps serving.
	rec, ok := reg.GetModule("scanner")
	require.True(t, ok)
	assert.True(t, rec.Active)
}

func TestAuditor_DisableOnTamper(t *testing.T) {
	reg, store := newTestRegistry(t)
	root := t.TempDir()
	bundleDir := commitBundle(t, reg, root, "scanner", "port_scan")
	commitBundle(t, reg, root, "reporter", "report_gen")

	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "dist", "index.js"), []byte("evil payload"), 0644))

	auditor, err := NewAuditor(zerolog.Nop(), reg, store, Config{
		Schedule:        "@every 1h",
		DisableOnTamper: true,
	})
	require.NoError(t, err)

	summary := auditor.Sweep(context.Background())
	require.Len(t, summary.Tampered, 1)

	// Tampered module is deactivated, the clean one keeps serving.
	rec, ok := reg.GetModule("scanner")
	require.True(t, ok)
	assert.False(t, rec.Active)
	assert.NotNil(t, rec.UnloadedAt)

	clean, ok := reg.GetModule("reporter")
	require.True(t, ok)
	assert.True(t, clean.Active)

	// The next sweep only sees the surviving plugin.
	second := auditor.Sweep(context.Background())
	assert.Equal(t, 1, second.Checked)
	assert.Empty(t, second.Tampered)
}

func TestAuditor_StartRunsOnSchedule(t *testing.T) {
	reg, store := newTestRegistry(t)
	root := t.TempDir()
	commitBundle(t, reg, root, "scanner", "port_scan")

	sweeps := make(chan Summary, 4)
	auditor, err := NewAuditor(zerolog.Nop(), reg, store, Config{
		Schedule: "@every 1s",
		OnSweep:  func(s Summary) { sweeps <- s },
	})
	require.NoError(t, err)

	require.NoError(t, auditor.Start())
	defer auditor.Stop()

	select {
	case summary := <-sweeps:
		assert.Equal(t, 1, summary.Checked)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled sweep never fired")
	}
}

func TestLoadLastSweep_Missing(t *testing.T) {
	_, store := newTestRegistry(t)

	_, found, err := LoadLastSweep(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, found)
}
