package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerTriggerExecutesHookScript(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "loaded.txt")
	hookScript := "echo loaded > " + outputPath

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{
				ID:      "loaded",
				Event:   EventPluginLoaded,
				Script:  hookScript,
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, manager.Trigger(context.Background(), EventPluginLoaded, nil))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "loaded\n", string(content))
}

func TestManagerTriggerInjectsEventDataIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	hookScript := "echo \"$BENTENG_HOOK_EVENT:$BENTENG_HOOK_DATA_MODULE\" > " + outputPath

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{
				ID:      "reloaded",
				Event:   EventModuleReloaded,
				Script:  hookScript,
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, manager.Trigger(context.Background(), EventModuleReloaded, map[string]interface{}{
		"module": "netscan",
	}))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "module.reloaded:netscan\n", string(content))
}

func TestManagerTriggerReturnsJoinedErrors(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{
				ID:      "fail-1",
				Event:   EventAuditTamper,
				Script:  "exit 2",
				Enabled: true,
			},
			{
				ID:      "fail-2",
				Event:   EventAuditTamper,
				Script:  "exit 3",
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), EventAuditTamper, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook fail-1 failed")
	assert.Contains(t, err.Error(), "hook fail-2 failed")
}

func TestManagerTriggerRespectsTimeout(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{
				ID:      "timeout",
				Event:   EventDaemonStartup,
				Script:  "sleep 1",
				Enabled: true,
				Timeout: 30 * time.Millisecond,
			},
		},
	})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), EventDaemonStartup, nil)
	require.Error(t, err)
	assert.True(t,
		strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
		"expected timeout-related error, got: %v",
		err,
	)
}

func TestManagerDisabledIsNoOp(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: false,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{
				ID:      "never",
				Event:   EventPluginLoaded,
				Script:  "exit 1",
				Enabled: true,
			},
		},
	})
	require.NoError(t, err)

	assert.NoError(t, manager.Trigger(context.Background(), EventPluginLoaded, nil))
}

func TestDiscoverHooks(t *testing.T) {
	dir := t.TempDir()

	loadedDir := filepath.Join(dir, EventPluginLoaded)
	require.NoError(t, os.MkdirAll(loadedDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(loadedDir, "notify.sh"), []byte("#!/bin/sh\necho ok\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(loadedDir, "notes.txt"), []byte("not a hook"), 0644))

	tamperDir := filepath.Join(dir, EventAuditTamper)
	require.NoError(t, os.MkdirAll(tamperDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tamperDir, "page.sh"), []byte("#!/bin/sh\necho paged\n"), 0755))

	// Stray file at the top level is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("docs"), 0644))

	hooks, err := DiscoverHooks(zerolog.Nop(), dir, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, hooks, 2)

	byEvent := make(map[string]Hook)
	for _, hook := range hooks {
		byEvent[hook.Event] = hook
	}

	require.Contains(t, byEvent, EventPluginLoaded)
	assert.Equal(t, EventPluginLoaded+"/notify.sh", byEvent[EventPluginLoaded].ID)
	assert.Equal(t, 5*time.Second, byEvent[EventPluginLoaded].Timeout)
	assert.True(t, byEvent[EventPluginLoaded].Enabled)

	require.Contains(t, byEvent, EventAuditTamper)

	t.Run("discovered hooks execute", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "out.txt")
		scriptDir := filepath.Join(t.TempDir(), EventModuleReloaded)
		require.NoError(t, os.MkdirAll(scriptDir, 0755))
		script := "#!/bin/sh\necho \"$BENTENG_HOOK_EVENT\" > " + outputPath + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(scriptDir, "record.sh"), []byte(script), 0755))

		discovered, err := DiscoverHooks(zerolog.Nop(), filepath.Dir(scriptDir), time.Second)
		require.NoError(t, err)
		require.Len(t, discovered, 1)

		manager, err := NewManager(Config{Enabled: true, Logger: zerolog.Nop(), Hooks: discovered})
		require.NoError(t, err)
		require.NoError(t, manager.Trigger(context.Background(), EventModuleReloaded, nil))

		content, err := os.ReadFile(outputPath)
		require.NoError(t, err)
		assert.Equal(t, EventModuleReloaded+"\n", string(content))
	})

	t.Run("missing directory errors", func(t *testing.T) {
		_, err := DiscoverHooks(zerolog.Nop(), filepath.Join(dir, "missing"), time.Second)
		require.Error(t, err)
	})
}
