package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriter(t *testing.T) {
	t.Run("appends below the size limit", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "benteng.log")

		w, err := NewRotatingWriter(logPath, 1, 0, false)
		require.NoError(t, err)

		_, err = w.Write([]byte("first line\n"))
		require.NoError(t, err)
		_, err = w.Write([]byte("second line\n"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Equal(t, "first line\nsecond line\n", string(data))
	})

	t.Run("rotates when the size limit is exceeded", func(t *testing.T) {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "benteng.log")

		w, err := NewRotatingWriter(logPath, 1, 0, false)
		require.NoError(t, err)
		// Force rotation with a tiny threshold rather than writing a megabyte.
		w.maxSize = 64

		big := strings.Repeat("x", 60) + "\n"
		_, err = w.Write([]byte(big))
		require.NoError(t, err)
		_, err = w.Write([]byte(big))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		rotated, err := filepath.Glob(logPath + ".*")
		require.NoError(t, err)
		require.Len(t, rotated, 1, "one rotated file")

		current, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Equal(t, big, string(current), "current file holds only the post-rotation write")
	})

	t.Run("creates missing directories", func(t *testing.T) {
		logPath := filepath.Join(t.TempDir(), "nested", "deeper", "benteng.log")

		w, err := NewRotatingWriter(logPath, 1, 0, false)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		_, err = os.Stat(filepath.Dir(logPath))
		assert.NoError(t, err)
	})
}
