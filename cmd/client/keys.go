package main

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cipherchat/internal/envelope"
)

var forceKeygen bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the local RSA key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfg.KeyPath); err == nil && !forceKeygen {
			return fmt.Errorf("%s already exists (use --force to replace it)", cfg.KeyPath)
		}
		key, err := generateKeyFile(cfg.KeyPath)
		if err != nil {
			return err
		}
		pub, err := envelope.MarshalPublicKeyPEM(&key.PublicKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n\n%s", cfg.KeyPath, pub)
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&forceKeygen, "force", false, "Overwrite an existing key")
}

func generateKeyFile(path string) (*rsa.PrivateKey, error) {
	key, err := envelope.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	data, err := envelope.MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing key: %w", err)
	}
	return key, nil
}

// loadKey reads the private key at path, generating one if create is set
// and none exists yet.
func loadKey(path string, create bool) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if !create {
			return nil, fmt.Errorf("no key at %s; run 'cipherchat keygen' first", path)
		}
		return generateKeyFile(path)
	}
	if err != nil {
		return nil, err
	}
	return envelope.ParsePrivateKeyPEM(data)
}
