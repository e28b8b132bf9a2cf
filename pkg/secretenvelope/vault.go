package secretenvelope

import (
	"context"
	"encoding/base64"

	vault "github.com/hashicorp/vault/api"

	"github.com/edgegate/edgegate/internal/apierr"
)

// VaultKeySource points at the KV-v2 secret backing a master key version.
// It mirrors the shape the teacher's vault reference uses to resolve
// credentials, generalized from "access_key/secret_access_key" fields to a
// single base64-encoded key field.
type VaultKeySource struct {
	Addr       string
	Token      string
	Mount      string // KV-v2 mount, e.g. "secret"
	Path       string // secret path under the mount
	Field      string // field holding the base64 key, default "master_key"
	ActiveID   string // key ID this secret is registered under
}

// LoadMasterKeyringFromVault builds a MasterKeyring whose active key (and,
// optionally, retired keys for ones still needed to open old ciphertext) are
// fetched from a Vault KV-v2 secret engine rather than passed in via
// environment variables. Used in place of NewMasterKeyring when the
// deployment's key custody is Vault-backed (spec §6, KMS-backed deployments).
func LoadMasterKeyringFromVault(ctx context.Context, active VaultKeySource, retired ...VaultKeySource) (*MasterKeyring, error) {
	client, err := vaultClient(active.Addr, active.Token)
	if err != nil {
		return nil, err
	}

	activeKeyB64, err := fetchVaultField(ctx, client, active)
	if err != nil {
		return nil, err
	}
	kr, err := NewMasterKeyring(active.ActiveID, activeKeyB64)
	if err != nil {
		return nil, err
	}

	for _, r := range retired {
		rc := client
		if r.Addr != active.Addr || r.Token != active.Token {
			rc, err = vaultClient(r.Addr, r.Token)
			if err != nil {
				return nil, err
			}
		}
		keyB64, err := fetchVaultField(ctx, rc, r)
		if err != nil {
			return nil, err
		}
		if err := kr.AddRetired(r.ActiveID, keyB64); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

func vaultClient(addr, token string) (*vault.Client, error) {
	cfg := vault.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, apierr.Wrap(apierr.KeyUnavailable, "building vault client", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return client, nil
}

func fetchVaultField(ctx context.Context, client *vault.Client, src VaultKeySource) (string, error) {
	mount := src.Mount
	if mount == "" {
		mount = "secret"
	}
	field := src.Field
	if field == "" {
		field = "master_key"
	}

	secret, err := client.KVv2(mount).Get(ctx, src.Path)
	if err != nil {
		return "", apierr.Wrap(apierr.KeyUnavailable, "reading vault secret", err)
	}
	if secret == nil || secret.Data == nil {
		return "", apierr.New(apierr.KeyUnavailable, "vault secret has no data: "+src.Path)
	}
	raw, ok := secret.Data[field]
	if !ok {
		return "", apierr.New(apierr.KeyUnavailable, "vault secret missing field "+field)
	}
	value, ok := raw.(string)
	if !ok {
		return "", apierr.New(apierr.KeyUnavailable, "vault secret field is not a string: "+field)
	}
	// Field is validated as base64 by the caller's NewMasterKeyring/AddRetired;
	// round-trip it here only to fail fast on an obviously malformed secret.
	if _, err := base64.StdEncoding.DecodeString(value); err != nil {
		return "", apierr.Wrap(apierr.KeyUnavailable, "vault secret field is not valid base64", err)
	}
	return value, nil
}
