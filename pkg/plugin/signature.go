package plugin

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SignatureVerifier checks the detached signature that accompanies a plugin
// manifest. The signed message is the manifest's dist.hash string, so a
// valid signature vouches for the exact dist tree the integrity gate
// already pinned.
type SignatureVerifier struct {
	logger   zerolog.Logger
	trust    *TrustStore
	required bool
}

// NewSignatureVerifier creates a signature verifier backed by the given
// trust store. When required is true, plugins without a signature file are
// rejected instead of passing unverified.
func NewSignatureVerifier(logger zerolog.Logger, trust *TrustStore, required bool) *SignatureVerifier {
	return &SignatureVerifier{
		logger:   logger.With().Str("component", "signature-verifier").Logger(),
		trust:    trust,
		required: required,
	}
}

// Verify checks the plugin's signature file against the trust store.
// It returns the matching key's record, or nil when signatures are optional
// and the plugin ships none.
func (v *SignatureVerifier) Verify(manifest *Manifest, signaturePath string) (*SignatureRecord, error) {
	raw, err := os.ReadFile(signaturePath)
	if os.IsNotExist(err) {
		if v.required {
			return nil, &PolicyError{
				Plugin: manifest.Name,
				Reason: "signature required but " + SignatureFileName + " is missing",
			}
		}
		v.logger.Debug().
			Str("plugin", manifest.Name).
			Msg("No signature file, signatures not required")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read signature file: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, &SignatureError{
			Plugin: manifest.Name,
			Reason: fmt.Sprintf("signature is not valid base64: %v", err),
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, &SignatureError{
			Plugin: manifest.Name,
			Reason: fmt.Sprintf("signature is %d bytes, want %d", len(sig), ed25519.SignatureSize),
		}
	}

	if v.trust.Len() == 0 {
		return nil, &SignatureError{
			Plugin: manifest.Name,
			Reason: "signature present but no trusted keys are configured",
		}
	}

	message := []byte(manifest.Dist.Hash)
	for _, key := range v.trust.Keys() {
		if ed25519.Verify(key.Key, message, sig) {
			record := &SignatureRecord{
				KeyID:      key.ID,
				VerifiedAt: time.Now().UTC(),
			}
			v.logger.Debug().
				Str("plugin", manifest.Name).
				Str("key_id", key.ID).
				Msg("Signature verified")
			return record, nil
		}
	}

	return nil, &SignatureError{
		Plugin: manifest.Name,
		Reason: "signature does not verify against any trusted key",
	}
}

// Sign produces the detached signature file content for a manifest, used by
// the signing CLI and by tests that build signed fixtures.
func Sign(priv ed25519.PrivateKey, distHash string) string {
	sig := ed25519.Sign(priv, []byte(distHash))
	return base64.StdEncoding.EncodeToString(sig) + "\n"
}
