package secrets

import (
	"context"
	"strings"
)

// RefPrefix marks a config value as a secret reference (secret://KEY).
// Agents resolve references through the vault just before use, so credentials
// never appear in workflow definitions or the event log.
const RefPrefix = "secret://"

// ParseRef returns the secret key if the value is a secret reference.
func ParseRef(value string) (string, bool) {
	if !strings.HasPrefix(value, RefPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(value, RefPrefix)
	if key == "" {
		return "", false
	}
	return key, true
}

// Vault resolves secret references at runtime.
// Secrets are encrypted at rest (AES-256-GCM) and resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
