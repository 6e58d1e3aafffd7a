package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/benteng/internal/config"
)

var (
	keysGenerateID  string
	keysGenerateDir string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage plugin signing keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an ed25519 signing key pair",
	Long: `Generate an ed25519 key pair for plugin signing. The public key lands
in the trusted keys directory as <id>.pub; the private key is written next to
it as <id>.key and should be moved somewhere safe.`,
	RunE: runKeysGenerate,
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keysGenerateID, "id", "", "identifier for the key pair")
	keysGenerateCmd.Flags().StringVar(&keysGenerateDir, "dir", "", "output directory (default is the trusted keys directory)")
	keysGenerateCmd.MarkFlagRequired("id")
	keysCmd.AddCommand(keysGenerateCmd)
	rootCmd.AddCommand(keysCmd)
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	if err := config.NewValidator().ValidateKeyID(keysGenerateID); err != nil {
		return err
	}

	dir := keysGenerateDir
	if dir == "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		dir = cfg.Security.TrustedKeysDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	pubPath := filepath.Join(dir, keysGenerateID+".pub")
	keyPath := filepath.Join(dir, keysGenerateID+".key")
	for _, path := range []string{pubPath, keyPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("refusing to overwrite existing key file %s", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	if err := os.WriteFile(pubPath, []byte(base64.StdEncoding.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(priv)+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "public key:  %s\n", pubPath)
	fmt.Fprintf(out, "private key: %s\n", keyPath)
	fmt.Fprintf(out, "Add %q to security.trusted_key_ids to pin verification to this key.\n", keysGenerateID)
	return nil
}
