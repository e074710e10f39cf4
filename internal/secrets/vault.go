// Package secrets resolves the database password from configuration or
// from HashiCorp Vault.
package secrets

import (
	"context"
	"fmt"
	"strings"

	"dbvault/internal/config"
	apperrors "dbvault/internal/errors"

	vault "github.com/hashicorp/vault/api"
)

// Password sources
const (
	SourcePlain = "plain"
	SourceVault = "vault"
)

// ResolvePassword returns the password configured for cfg
func ResolvePassword(ctx context.Context, cfg config.DatabaseConfig) (string, error) {
	switch cfg.PasswordSource {
	case "", SourcePlain:
		return cfg.Password, nil
	case SourceVault:
		resolver, err := NewVaultResolver(cfg.Vault)
		if err != nil {
			return "", err
		}
		return resolver.Password(ctx)
	default:
		return "", apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("unknown password source %q", cfg.PasswordSource), nil)
	}
}

// VaultResolver reads one field of a KV secret. Both KV v1 and KV v2
// response layouts are understood.
type VaultResolver struct {
	client *vault.Client
	path   string
	field  string
}

// NewVaultResolver creates a resolver. Address and token fall back to
// VAULT_ADDR and VAULT_TOKEN.
func NewVaultResolver(cfg config.VaultConfig) (*VaultResolver, error) {
	if cfg.Path == "" {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "vault secret path is required", nil)
	}

	apiCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "failed to create Vault client", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	field := cfg.Field
	if field == "" {
		field = "password"
	}
	return &VaultResolver{client: client, path: strings.TrimPrefix(cfg.Path, "/"), field: field}, nil
}

// Password reads the configured field
func (r *VaultResolver) Password(ctx context.Context) (string, error) {
	secret, err := r.client.Logical().ReadWithContext(ctx, r.path)
	if err != nil {
		return "", apperrors.NewAppError(apperrors.ErrorTypeConnection,
			fmt.Sprintf("failed to read Vault secret %s", r.path), err)
	}
	if secret == nil || secret.Data == nil {
		return "", apperrors.NewNotFoundError("Vault secret "+r.path, nil)
	}

	data := secret.Data
	// KV v2 nests the payload under "data"
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[r.field].(string)
	if !ok || value == "" {
		return "", apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("Vault secret %s has no string field %q", r.path, r.field), nil)
	}
	return value, nil
}
