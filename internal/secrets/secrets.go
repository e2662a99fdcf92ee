// Package secrets resolves sensitive configuration from HashiCorp Vault
// with an environment-variable fallback, so local development runs without
// a Vault deployment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"

	"options-trading-engine/config"
)

// Store resolves named secrets. When Vault is disabled every lookup falls
// back to the environment.
type Store struct {
	cfg    config.VaultConfig
	client *api.Client

	mu    sync.RWMutex
	cache map[string]string
}

// NewStore creates a secret store. Returns an error only when Vault is
// enabled but the client cannot be constructed.
func NewStore(cfg config.VaultConfig) (*Store, error) {
	s := &Store{cfg: cfg, cache: make(map[string]string)}
	if !cfg.Enabled {
		return s, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	s.client = client
	return s, nil
}

// Get resolves a secret by field name. Vault (KV v2) is consulted first;
// on miss or when disabled the envKey environment variable is used.
func (s *Store) Get(ctx context.Context, field, envKey string) (string, error) {
	if s.cfg.Enabled {
		if v, ok := s.cached(field); ok {
			return v, nil
		}
		v, err := s.fetch(ctx, field)
		if err == nil && v != "" {
			s.put(field, v)
			return v, nil
		}
		// fall through to env on Vault miss
	}

	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %q not found in vault or env %s", field, envKey)
}

func (s *Store) fetch(ctx context.Context, field string) (string, error) {
	secret, err := s.client.KVv2(s.cfg.MountPath).Get(ctx, s.cfg.SecretPath)
	if err != nil {
		return "", fmt.Errorf("vault read %s/%s: %w", s.cfg.MountPath, s.cfg.SecretPath, err)
	}
	raw, ok := secret.Data[field]
	if !ok {
		return "", fmt.Errorf("field %q missing at %s/%s", field, s.cfg.MountPath, s.cfg.SecretPath)
	}
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not a string", field)
	}
	return v, nil
}

func (s *Store) cached(field string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[field]
	return v, ok
}

func (s *Store) put(field, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[field] = value
}
