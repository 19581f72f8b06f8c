package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urbanpulse/conductor/internal/secrets"
	"github.com/urbanpulse/conductor/internal/store"
)

const saltSize = 16

// openVault builds the secret vault from the configured key material.
// Returns nil when no key or passphrase is configured; the HTTP agents
// then reject secret:// references at request time.
func openVault(cfg Config, s *store.LibSQLStore) (secrets.Vault, error) {
	switch {
	case cfg.VaultKey != "":
		key, err := hex.DecodeString(cfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("vault_key is not valid hex: %w", err)
		}
		return secrets.NewAESVault(s, secrets.VaultConfig{MasterKey: key})
	case cfg.VaultPassphrase != "":
		salt, err := loadOrCreateSalt(saltPath())
		if err != nil {
			return nil, err
		}
		return secrets.NewAESVault(s, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       salt,
		})
	default:
		return nil, nil
	}
}

func saltPath() string {
	return filepath.Join(conductorDir(), "vault.salt")
}

// loadOrCreateSalt reads the PBKDF2 salt, generating one on first use.
// The salt is not secret, but losing it makes existing ciphertext unreadable.
func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != saltSize {
			return nil, fmt.Errorf("salt file %s is corrupt (%d bytes)", path, len(data))
		}
		return data, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist salt: %w", err)
	}
	return salt, nil
}
