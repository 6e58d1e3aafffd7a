package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// HashPrefix is the algorithm tag every dist hash carries. Only sha256 is
// produced or accepted; an unknown algorithm fails verification instead of
// silently passing.
const HashPrefix = "sha256:"

// IntegrityVerifier computes and checks the canonical hash of a plugin's
// dist directory.
type IntegrityVerifier struct {
	logger zerolog.Logger
}

// NewIntegrityVerifier creates a new integrity verifier
func NewIntegrityVerifier(logger zerolog.Logger) *IntegrityVerifier {
	return &IntegrityVerifier{
		logger: logger.With().Str("component", "integrity-verifier").Logger(),
	}
}

// Verify recomputes the dist hash and compares it to the manifest's declared
// value. Any difference, file content, file set, or file path, changes the
// digest and fails the plugin.
func (v *IntegrityVerifier) Verify(manifest *Manifest, distDir string) error {
	if !strings.HasPrefix(manifest.Dist.Hash, HashPrefix) {
		return &IntegrityError{
			Plugin:   manifest.Name,
			Declared: manifest.Dist.Hash,
			Computed: "",
		}
	}

	computed, err := ComputeDistHash(distDir)
	if err != nil {
		return fmt.Errorf("failed to hash dist directory for %s: %w", manifest.Name, err)
	}

	if computed != manifest.Dist.Hash {
		return &IntegrityError{
			Plugin:   manifest.Name,
			Declared: manifest.Dist.Hash,
			Computed: computed,
		}
	}

	v.logger.Debug().
		Str("plugin", manifest.Name).
		Str("hash", computed).
		Msg("Dist hash verified")

	return nil
}

// ComputeDistHash walks the dist directory and produces its canonical
// digest: every regular file, ordered by forward-slash relative path,
// contributes its path, a NUL separator, and its raw bytes to a single
// sha256 stream. The path is part of the input so renames are detected,
// not just content edits.
func ComputeDistHash(distDir string) (string, error) {
	type entry struct {
		rel  string
		path string
	}

	var entries []entry
	err := filepath.WalkDir(distDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			// Symlinks and devices have no stable byte content to hash.
			return fmt.Errorf("dist contains non-regular file %s", p)
		}
		rel, err := filepath.Rel(distDir, p)
		if err != nil {
			return err
		}
		entries = append(entries, entry{rel: filepath.ToSlash(rel), path: p})
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("dist directory %s is empty", distDir)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	h := sha256.New()
	for _, e := range entries {
		if _, err := io.WriteString(h, e.rel); err != nil {
			return "", err
		}
		if _, err := h.Write([]byte{0}); err != nil {
			return "", err
		}
		f, err := os.Open(e.path)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}

	return HashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
