package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	d, cfg := createTestDaemon(t)

	lm := NewLifecycleManager(d)
	assert.NotNil(t, lm)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(cfg.DataDir, "benteng.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d, _ := createTestDaemon(t)
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())

	_, err := os.Stat(lm.pidFile)
	assert.NoError(t, err)

	require.NoError(t, lm.Stop())

	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLifecycleManagerGetPID(t *testing.T) {
	d, _ := createTestDaemon(t)
	lm := NewLifecycleManager(d)

	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	assert.True(t, lm.IsRunning())
}

func TestLifecycleManagerGetPIDMissingFile(t *testing.T) {
	d, _ := createTestDaemon(t)
	lm := NewLifecycleManager(d)

	_, err := lm.GetPID()
	require.Error(t, err)
	assert.False(t, lm.IsRunning())
}
