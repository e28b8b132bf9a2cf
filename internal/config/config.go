// Package config loads EdgeGate's runtime configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of environment-derived settings the core runtime
// needs to boot: database, queue, object store, and key material.
type Config struct {
	Addr string

	DatabaseURL string
	RedisURL    string

	ObjectStoreEndpoint string
	ObjectStoreBucket   string
	ObjectStoreKey      string
	ObjectStoreSecret   string
	ObjectStoreUseTLS   bool

	MasterKeyB64 string

	VaultAddr        string
	VaultToken       string
	VaultMasterPath  string

	SigningKeyID         string
	SigningPrivateKeyPath string

	JWTPublicKeyPath string

	BackendBaseURL string

	NoncePurgeInterval time.Duration
}

// Load reads Config from the environment, applying the defaults and required
// checks the core depends on at boot.
func Load() (Config, error) {
	cfg := Config{
		Addr:        env("EDGEGATE_ADDR", ":8080"),
		DatabaseURL: env("DATABASE_URL", ""),
		RedisURL:    env("REDIS_URL", "redis://127.0.0.1:6379/0"),

		ObjectStoreEndpoint: env("OBJECT_STORE_ENDPOINT", ""),
		ObjectStoreBucket:   env("OBJECT_STORE_BUCKET", ""),
		ObjectStoreKey:      env("OBJECT_STORE_KEY", ""),
		ObjectStoreSecret:   env("OBJECT_STORE_SECRET", ""),

		MasterKeyB64: env("MASTER_KEY", ""),

		VaultAddr:       env("VAULT_ADDR", ""),
		VaultToken:      env("VAULT_TOKEN", ""),
		VaultMasterPath: env("VAULT_MASTER_KEY_PATH", ""),

		SigningKeyID:          env("SIGNING_KEY_ID", ""),
		SigningPrivateKeyPath: env("SIGNING_PRIVATE_KEY_PATH", ""),

		JWTPublicKeyPath: env("JWT_PUBLIC_KEY_PATH", ""),
		BackendBaseURL:   env("BACKEND_BASE_URL", ""),
	}

	if v := strings.TrimSpace(env("OBJECT_STORE_USE_TLS", "true")); v != "" {
		cfg.ObjectStoreUseTLS = v != "false" && v != "0"
	}

	interval := env("CI_NONCE_PURGE_INTERVAL", "5m")
	d, err := time.ParseDuration(interval)
	if err != nil {
		return Config{}, errors.New("invalid CI_NONCE_PURGE_INTERVAL: " + err.Error())
	}
	cfg.NoncePurgeInterval = d

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, errors.New("missing DATABASE_URL")
	}
	if strings.TrimSpace(cfg.MasterKeyB64) == "" && strings.TrimSpace(cfg.VaultMasterPath) == "" {
		return Config{}, errors.New("missing MASTER_KEY (or VAULT_MASTER_KEY_PATH for Vault-backed custody)")
	}
	if strings.TrimSpace(cfg.SigningKeyID) == "" {
		return Config{}, errors.New("missing SIGNING_KEY_ID")
	}
	if strings.TrimSpace(cfg.SigningPrivateKeyPath) == "" {
		return Config{}, errors.New("missing SIGNING_PRIVATE_KEY_PATH")
	}
	if strings.TrimSpace(cfg.ObjectStoreEndpoint) == "" {
		return Config{}, errors.New("missing OBJECT_STORE_ENDPOINT")
	}
	if strings.TrimSpace(cfg.ObjectStoreBucket) == "" {
		return Config{}, errors.New("missing OBJECT_STORE_BUCKET")
	}

	return cfg, nil
}

// IntFromEnv parses an integer env var, returning def when unset or empty.
func IntFromEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}
