package cli

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/benteng/pkg/plugin"
)

var signKeyFile string

var signCmd = &cobra.Command{
	Use:   "sign <dir>",
	Short: "Hash and sign a plugin bundle",
	Long: `Compute the canonical hash of a bundle's dist directory, write it into
the manifest, and produce the detached signature file next to it.`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signKeyFile, "key", "", "path to the ed25519 private key file")
	signCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(signCmd)
}

func runSign(cmd *cobra.Command, args []string) error {
	dir := args[0]

	priv, err := readPrivateKey(signKeyFile)
	if err != nil {
		return err
	}

	hash, err := plugin.ComputeDistHash(filepath.Join(dir, plugin.DistDirName))
	if err != nil {
		return fmt.Errorf("failed to hash dist directory: %w", err)
	}

	manifestPath := filepath.Join(dir, plugin.ManifestFileName)
	if err := writeDistHash(manifestPath, hash); err != nil {
		return err
	}

	sigPath := filepath.Join(dir, plugin.SignatureFileName)
	if err := os.WriteFile(sigPath, []byte(plugin.Sign(priv, hash)), 0o644); err != nil {
		return fmt.Errorf("failed to write signature file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "dist hash: %s\n", hash)
	fmt.Fprintf(out, "manifest updated: %s\n", manifestPath)
	fmt.Fprintf(out, "signature written: %s\n", sigPath)
	return nil
}

// readPrivateKey loads a base64-encoded ed25519 private key, the format
// written by "benteng keys generate".
func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("key file is not an ed25519 private key (%d bytes)", len(decoded))
	}
	return ed25519.PrivateKey(decoded), nil
}

// writeDistHash updates dist.hash in the manifest without touching any other
// fields. The manifest is edited as a generic document so bundles that do not
// pass schema validation yet can still be signed during development.
func writeDistHash(path string, hash string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	dist, ok := doc["dist"].(map[string]interface{})
	if !ok {
		dist = map[string]interface{}{}
	}
	dist["hash"] = hash
	doc["dist"] = dist

	updated, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(path, append(updated, '\n'), 0o644)
}
