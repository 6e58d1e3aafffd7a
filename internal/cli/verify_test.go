package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/benteng/pkg/plugin"
)

// writeBundle lays out an unsigned plugin bundle. The dist hash starts empty
// and is filled in by the sign command.
func writeBundle(t *testing.T, root, name string) string {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, plugin.DistDirName), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, plugin.DistDirName, "index.js"),
		[]byte("module.exports = { tools: [{ name: \"echo\" }] };\n"), 0o644))

	manifest := map[string]interface{}{
		"manifestVersion": "1.0",
		"name":            name,
		"version":         "1.0.0",
		"entry":           "dist/index.js",
		"dist":            map[string]interface{}{"hash": ""},
	}
	raw, err := json.MarshalIndent(manifest, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFileName), raw, 0o644))
	return dir
}

func writeCLIConfig(t *testing.T, root string) string {
	t.Helper()

	cfg := map[string]interface{}{
		"data_dir": root,
		"security": map[string]interface{}{
			"signature_required": true,
			"trusted_keys_dir":   filepath.Join(root, "keys"),
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(root, "benteng.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

// runCommand invokes a command's run function directly with a captured
// output buffer, sidestepping cobra argument parsing.
func runCommand(t *testing.T, run func(*cobra.Command, []string) error, args ...string) (string, error) {
	t.Helper()

	out := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	err := run(cmd, args)
	return out.String(), err
}

func TestKeysSignVerify(t *testing.T) {
	root := t.TempDir()

	prevCfg, prevKey, prevID, prevDir := cfgFile, signKeyFile, keysGenerateID, keysGenerateDir
	t.Cleanup(func() {
		cfgFile, signKeyFile, keysGenerateID, keysGenerateDir = prevCfg, prevKey, prevID, prevDir
	})

	cfgFile = writeCLIConfig(t, root)
	bundle := writeBundle(t, root, "netprobe")

	t.Run("keys generate writes the pair to the trusted keys dir", func(t *testing.T) {
		keysGenerateID = "release"
		keysGenerateDir = ""

		out, err := runCommand(t, runKeysGenerate)
		require.NoError(t, err)

		assert.Contains(t, out, "release.pub")
		assert.Contains(t, out, "trusted_key_ids")
		assert.FileExists(t, filepath.Join(root, "keys", "release.pub"))
		assert.FileExists(t, filepath.Join(root, "keys", "release.key"))
	})

	t.Run("keys generate refuses to overwrite", func(t *testing.T) {
		keysGenerateID = "release"
		keysGenerateDir = ""

		_, err := runCommand(t, runKeysGenerate)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refusing to overwrite")
	})

	t.Run("sign hashes dist and emits the signature", func(t *testing.T) {
		signKeyFile = filepath.Join(root, "keys", "release.key")

		out, err := runCommand(t, runSign, bundle)
		require.NoError(t, err)

		assert.Contains(t, out, "dist hash: sha256:")
		assert.FileExists(t, filepath.Join(bundle, plugin.SignatureFileName))

		manifest, err := plugin.NewManifestLoader(zerolog.Nop()).
			LoadManifest(filepath.Join(bundle, plugin.ManifestFileName))
		require.NoError(t, err)
		assert.Len(t, manifest.Dist.Hash, len(plugin.HashPrefix)+64)
	})

	t.Run("verify passes all gates on the signed bundle", func(t *testing.T) {
		out, err := runCommand(t, runVerify, bundle)
		require.NoError(t, err)

		assert.Contains(t, out, `signed by key "release"`)
		assert.Contains(t, out, "netprobe@1.0.0 passed all gates")
		assert.NotContains(t, out, "FAILED")
	})

	t.Run("verify fails integrity after tampering with dist", func(t *testing.T) {
		require.NoError(t, os.WriteFile(
			filepath.Join(bundle, plugin.DistDirName, "index.js"),
			[]byte("module.exports = {};\n"), 0o644))

		out, err := runCommand(t, runVerify, bundle)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bundle failed verification")
		assert.Contains(t, out, "FAILED")
	})
}
