package plugin

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// TrustedKey is a named ed25519 public key an operator has chosen to trust.
type TrustedKey struct {
	ID  string
	Key ed25519.PublicKey
}

// TrustStore holds the set of public keys signatures may verify against.
// Keys live as <keyID>.pub files (base64-encoded raw ed25519 public key)
// in a single directory; an optional allowlist narrows the directory to a
// subset of key IDs.
type TrustStore struct {
	logger zerolog.Logger
	keys   []TrustedKey
}

// NewTrustStore creates an empty trust store
func NewTrustStore(logger zerolog.Logger) *TrustStore {
	return &TrustStore{
		logger: logger.With().Str("component", "trust-store").Logger(),
	}
}

// LoadDir reads every *.pub file in dir into the store. When allowedIDs is
// non-empty, keys whose ID is not listed are skipped. Files that do not
// decode to a valid ed25519 public key fail the load: a malformed key in
// the trust directory is an operator error, not something to warn past.
func (s *TrustStore) LoadDir(dir string, allowedIDs []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read trusted keys directory: %w", err)
	}

	allowed := make(map[string]bool, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = true
	}

	var keys []TrustedKey
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pub") {
			continue
		}
		keyID := strings.TrimSuffix(entry.Name(), ".pub")
		if len(allowed) > 0 && !allowed[keyID] {
			s.logger.Debug().Str("key_id", keyID).Msg("Skipping key not in allowlist")
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read key %s: %w", keyID, err)
		}
		key, err := decodePublicKey(raw)
		if err != nil {
			return fmt.Errorf("invalid trusted key %s: %w", keyID, err)
		}
		keys = append(keys, TrustedKey{ID: keyID, Key: key})
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	s.keys = keys

	s.logger.Info().
		Int("count", len(keys)).
		Str("dir", dir).
		Msg("Loaded trusted keys")

	return nil
}

// Add registers a key directly, used by tests and the key management CLI.
func (s *TrustStore) Add(id string, key ed25519.PublicKey) {
	s.keys = append(s.keys, TrustedKey{ID: id, Key: key})
	sort.Slice(s.keys, func(i, j int) bool { return s.keys[i].ID < s.keys[j].ID })
}

// Keys returns the trusted keys in deterministic (ID-sorted) order.
func (s *TrustStore) Keys() []TrustedKey {
	out := make([]TrustedKey, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of trusted keys.
func (s *TrustStore) Len() int {
	return len(s.keys)
}

func decodePublicKey(raw []byte) (ed25519.PublicKey, error) {
	encoded := strings.TrimSpace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decoded key is %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}

// EncodePublicKey renders a public key in the on-disk .pub format.
func EncodePublicKey(key ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key) + "\n"
}
