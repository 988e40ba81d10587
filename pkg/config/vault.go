package config

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"addinhost/pkg/logging"

	vault "github.com/hashicorp/vault/api"
)

type VaultConfig struct {
	Address string        `mapstructure:"address"`
	Token   string        `mapstructure:"token"`
	Mount   string        `mapstructure:"mount"`
	Prefix  string        `mapstructure:"prefix"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// vaultField is the field of a KV v2 secret holding the value.
const vaultField = "value"

// VaultSecretStore stores each secret as a KV v2 entry under Mount/Prefix.
type VaultSecretStore struct {
	client *vault.Client
	mount  string
	prefix string
	logger logging.Logger
}

func NewVaultSecretStore(cfg VaultConfig, logger logging.Logger) (*VaultSecretStore, error) {
	vc := vault.DefaultConfig()
	if vc.Error != nil {
		return nil, fmt.Errorf("failed to read vault environment: %w", vc.Error)
	}
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		vc.Timeout = cfg.Timeout
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultSecretStore{
		client: client,
		mount:  mount,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logging.OrNop(logger),
	}, nil
}

func (s *VaultSecretStore) secretPath(key string) string {
	return path.Join(s.prefix, strings.Trim(key, "/"))
}

func (s *VaultSecretStore) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := s.client.KVv2(s.mount).Get(ctx, s.secretPath(key))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("failed to read secret %s from vault: %w", key, err)
	}
	value, ok := secret.Data[vaultField].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s has no %q field", ErrSecretNotFound, key, vaultField)
	}
	return value, nil
}

func (s *VaultSecretStore) SetSecret(ctx context.Context, key string, value string) error {
	_, err := s.client.KVv2(s.mount).Put(ctx, s.secretPath(key), map[string]interface{}{
		vaultField: value,
	})
	if err != nil {
		return fmt.Errorf("failed to write secret %s to vault: %w", key, err)
	}
	s.logger.Debug("Secret stored in vault", "key", key, "mount", s.mount)
	return nil
}

// DeleteSecret removes every version of the secret.
func (s *VaultSecretStore) DeleteSecret(ctx context.Context, key string) error {
	if err := s.client.KVv2(s.mount).DeleteMetadata(ctx, s.secretPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret %s from vault: %w", key, err)
	}
	return nil
}

// ListSecrets lists the keys directly under the prefix. Sub-folders end
// with "/".
func (s *VaultSecretStore) ListSecrets(ctx context.Context) ([]string, error) {
	listPath := path.Join(s.mount, "metadata", s.prefix)
	secret, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list vault secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
