package plugin

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func writeKeyFile(t *testing.T, dir, keyID string, pub ed25519.PublicKey) {
	t.Helper()
	path := filepath.Join(dir, keyID+".pub")
	require.NoError(t, os.WriteFile(path, []byte(EncodePublicKey(pub)), 0644))
}

func writeSignatureFile(t *testing.T, dir string, priv ed25519.PrivateKey, distHash string) string {
	t.Helper()
	path := filepath.Join(dir, SignatureFileName)
	require.NoError(t, os.WriteFile(path, []byte(Sign(priv, distHash)), 0644))
	return path
}

func TestTrustStore_LoadDir(t *testing.T) {
	t.Run("loads all pub files", func(t *testing.T) {
		dir := t.TempDir()
		pubA, _ := generateKey(t)
		pubB, _ := generateKey(t)
		writeKeyFile(t, dir, "release", pubA)
		writeKeyFile(t, dir, "staging", pubB)

		store := NewTrustStore(testLogger())
		require.NoError(t, store.LoadDir(dir, nil))

		require.Equal(t, 2, store.Len())
		keys := store.Keys()
		assert.Equal(t, "release", keys[0].ID)
		assert.Equal(t, "staging", keys[1].ID)
	})

	t.Run("allowlist narrows the directory", func(t *testing.T) {
		dir := t.TempDir()
		pubA, _ := generateKey(t)
		pubB, _ := generateKey(t)
		writeKeyFile(t, dir, "release", pubA)
		writeKeyFile(t, dir, "revoked", pubB)

		store := NewTrustStore(testLogger())
		require.NoError(t, store.LoadDir(dir, []string{"release"}))

		require.Equal(t, 1, store.Len())
		assert.Equal(t, "release", store.Keys()[0].ID)
	})

	t.Run("ignores non-pub files", func(t *testing.T) {
		dir := t.TempDir()
		pub, _ := generateKey(t)
		writeKeyFile(t, dir, "release", pub)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("keys"), 0644))

		store := NewTrustStore(testLogger())
		require.NoError(t, store.LoadDir(dir, nil))
		assert.Equal(t, 1, store.Len())
	})

	t.Run("rejects malformed key material", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pub"), []byte("!!not base64!!"), 0644))

		store := NewTrustStore(testLogger())
		assert.Error(t, store.LoadDir(dir, nil))
	})

	t.Run("rejects wrong key size", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "short.pub"), []byte("aGVsbG8=\n"), 0644))

		store := NewTrustStore(testLogger())
		assert.Error(t, store.LoadDir(dir, nil))
	})

	t.Run("errors on missing directory", func(t *testing.T) {
		store := NewTrustStore(testLogger())
		assert.Error(t, store.LoadDir(filepath.Join(t.TempDir(), "nope"), nil))
	})
}

func TestSignatureVerifier_Verify(t *testing.T) {
	t.Run("accepts valid signature and records key ID", func(t *testing.T) {
		pub, priv := generateKey(t)
		store := NewTrustStore(testLogger())
		store.Add("release", pub)

		manifest := depManifest("signed", "1.0.0")
		sigPath := writeSignatureFile(t, t.TempDir(), priv, manifest.Dist.Hash)

		verifier := NewSignatureVerifier(testLogger(), store, true)
		record, err := verifier.Verify(manifest, sigPath)

		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "release", record.KeyID)
		assert.False(t, record.VerifiedAt.IsZero())
	})

	t.Run("first matching key wins", func(t *testing.T) {
		pubA, _ := generateKey(t)
		pubB, privB := generateKey(t)
		store := NewTrustStore(testLogger())
		store.Add("alpha", pubA)
		store.Add("beta", pubB)

		manifest := depManifest("signed", "1.0.0")
		sigPath := writeSignatureFile(t, t.TempDir(), privB, manifest.Dist.Hash)

		verifier := NewSignatureVerifier(testLogger(), store, true)
		record, err := verifier.Verify(manifest, sigPath)

		require.NoError(t, err)
		assert.Equal(t, "beta", record.KeyID)
	})

	t.Run("rejects signature from untrusted key", func(t *testing.T) {
		pub, _ := generateKey(t)
		_, rogue := generateKey(t)
		store := NewTrustStore(testLogger())
		store.Add("release", pub)

		manifest := depManifest("forged", "1.0.0")
		sigPath := writeSignatureFile(t, t.TempDir(), rogue, manifest.Dist.Hash)

		verifier := NewSignatureVerifier(testLogger(), store, true)
		_, err := verifier.Verify(manifest, sigPath)

		var sigErr *SignatureError
		require.ErrorAs(t, err, &sigErr)
		assert.Equal(t, "forged", sigErr.Plugin)
	})

	t.Run("rejects signature over a different hash", func(t *testing.T) {
		pub, priv := generateKey(t)
		store := NewTrustStore(testLogger())
		store.Add("release", pub)

		manifest := depManifest("stale", "1.0.0")
		sigPath := writeSignatureFile(t, t.TempDir(), priv, "sha256:deadbeef")

		verifier := NewSignatureVerifier(testLogger(), store, true)
		_, err := verifier.Verify(manifest, sigPath)
		assert.Error(t, err, "signature must bind to the manifest's dist hash")
	})

	t.Run("missing signature fails when required", func(t *testing.T) {
		store := NewTrustStore(testLogger())
		manifest := depManifest("unsigned", "1.0.0")

		verifier := NewSignatureVerifier(testLogger(), store, true)
		_, err := verifier.Verify(manifest, filepath.Join(t.TempDir(), SignatureFileName))

		var polErr *PolicyError
		require.ErrorAs(t, err, &polErr)
		assert.Equal(t, "unsigned", polErr.Plugin)
	})

	t.Run("missing signature passes when optional", func(t *testing.T) {
		store := NewTrustStore(testLogger())
		manifest := depManifest("unsigned", "1.0.0")

		verifier := NewSignatureVerifier(testLogger(), store, false)
		record, err := verifier.Verify(manifest, filepath.Join(t.TempDir(), SignatureFileName))

		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("rejects garbage signature file", func(t *testing.T) {
		pub, _ := generateKey(t)
		store := NewTrustStore(testLogger())
		store.Add("release", pub)

		dir := t.TempDir()
		sigPath := filepath.Join(dir, SignatureFileName)
		require.NoError(t, os.WriteFile(sigPath, []byte("%%%%"), 0644))

		manifest := depManifest("garbage", "1.0.0")
		verifier := NewSignatureVerifier(testLogger(), store, true)
		_, err := verifier.Verify(manifest, sigPath)

		var sigErr *SignatureError
		require.ErrorAs(t, err, &sigErr)
	})

	t.Run("rejects signature when trust store is empty", func(t *testing.T) {
		_, priv := generateKey(t)
		manifest := depManifest("keyless-host", "1.0.0")
		sigPath := writeSignatureFile(t, t.TempDir(), priv, manifest.Dist.Hash)

		verifier := NewSignatureVerifier(testLogger(), NewTrustStore(testLogger()), false)
		_, err := verifier.Verify(manifest, sigPath)

		var sigErr *SignatureError
		require.ErrorAs(t, err, &sigErr)
	})
}
