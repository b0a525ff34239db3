// Package keystore loads operator-persisted Reality keys. It never writes:
// keys generated at startup stay in memory and are only logged.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/vless-provisioning-backend/interfaces"
)

// ErrKeysNotFound is returned when the Vault path holds no key pair.
var ErrKeysNotFound = interfaces.ErrKeysNotFound

const (
	privateKeyField = "private_key"
	publicKeyField  = "public_key"
)

// VaultKeySource reads a key pair from a Vault KV v2 secret with the fields
// private_key and (optionally) public_key.
type VaultKeySource struct {
	client *api.Client
	path   string
	log    *slog.Logger
}

var _ interfaces.KeySource = (*VaultKeySource)(nil)

// NewVaultKeySource creates a key source for a KV v2 path such as
// "secret/data/vless/reality". Empty address and token fall back to
// VAULT_ADDR and VAULT_TOKEN.
func NewVaultKeySource(address, token, path string, log *slog.Logger) (*VaultKeySource, error) {
	if path == "" {
		return nil, errors.New("vault path is required")
	}

	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}
	config.HttpClient = &http.Client{Timeout: 10 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultKeySource{
		client: client,
		path:   strings.Trim(path, "/"),
		log:    log,
	}, nil
}

func (v *VaultKeySource) LoadKeys(ctx context.Context) (interfaces.KeyPair, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		v.log.Error("Failed to read Reality keys from Vault", slog.String("path", v.path), "err", err)
		return interfaces.KeyPair{}, fmt.Errorf("vault read %s: %w", v.path, err)
	}
	if secret == nil || secret.Data == nil {
		return interfaces.KeyPair{}, fmt.Errorf("%w: %s", ErrKeysNotFound, v.path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return interfaces.KeyPair{}, fmt.Errorf("invalid KV v2 response at %s", v.path)
	}

	privateKey, _ := data[privateKeyField].(string)
	publicKey, _ := data[publicKeyField].(string)
	if privateKey == "" {
		return interfaces.KeyPair{}, fmt.Errorf("%w: %s has no %s", ErrKeysNotFound, v.path, privateKeyField)
	}

	v.log.Info("Loaded Reality keys from Vault", slog.String("path", v.path))
	return interfaces.KeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
}
