// Command edgegate-api boots the control-plane HTTP server and the run
// worker pool. Grounded on the teacher's cmd/releaseparty-api/main.go
// wiring and shutdown sequence, generalized to EdgeGate's larger dependency
// graph and given a cobra command surface (serve, probe) instead of a
// single implicit entrypoint.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/api"
	"github.com/edgegate/edgegate/internal/apierr"
	"github.com/edgegate/edgegate/internal/audit"
	"github.com/edgegate/edgegate/internal/ciauth"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/orchestrator"
	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/pkg/backend"
	"github.com/edgegate/edgegate/pkg/backend/qaihub"
	"github.com/edgegate/edgegate/pkg/casstore"
	"github.com/edgegate/edgegate/pkg/evidence"
	"github.com/edgegate/edgegate/pkg/packagevalidator"
	"github.com/edgegate/edgegate/pkg/probesuite"
	"github.com/edgegate/edgegate/pkg/secretenvelope"
)

func main() {
	root := &cobra.Command{
		Use:   "edgegate-api",
		Short: "EdgeGate run-orchestrator control plane",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(probeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the run worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func probeCmd() *cobra.Command {
	var workspaceID string
	var fixturePaths []string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run the capability ProbeSuite for one workspace and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), workspaceID, fixturePaths)
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "workspace id to probe")
	cmd.Flags().StringSliceVar(&fixturePaths, "fixture", nil, "path to a packaged model fixture (repeatable)")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

type deps struct {
	cfg       config.Config
	log       *zap.Logger
	st        *store.Store
	artifacts *casstore.Store
	envelope  *secretenvelope.Envelope
	redis     *redis.Client
	signing   evidence.SigningKey
}

func wire() (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(false)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	minioClient, err := minio.New(cfg.ObjectStoreEndpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.ObjectStoreKey, cfg.ObjectStoreSecret, ""),
		Secure: cfg.ObjectStoreUseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	artifacts := casstore.New(st.DB(), minioClient, cfg.ObjectStoreBucket)

	keyring, err := loadMasterKeyring(cfg)
	if err != nil {
		return nil, fmt.Errorf("master keyring: %w", err)
	}
	envelope := secretenvelope.New(keyring)

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	signing, err := loadSigningKey(cfg)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	return &deps{cfg: cfg, log: log, st: st, artifacts: artifacts, envelope: envelope, redis: rdb, signing: signing}, nil
}

func serve(ctx context.Context) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.st.Close()
	defer d.log.Sync()

	lock := orchestrator.NewWorkspaceLock(d.redis, 45*time.Minute)
	queue := orchestrator.NewQueue(d.redis)
	auditWriter := audit.New(d.st, d.log)

	backends := func(workspaceID string, token *secretenvelope.Token) backend.Backend {
		return qaihub.New(d.cfg.BackendBaseURL, workspaceID, token)
	}
	engine := orchestrator.NewEngine(d.st, d.artifacts, d.envelope, lock, queue, auditWriter, d.log, backends, d.signing, 8)

	authn := ciauth.New(d.envelope, ciSecretLookup(d.st), store.NonceStore{Store: d.st})

	srv := api.New(d.st, d.artifacts, d.envelope, engine, backends, authn, auditWriter, d.log)

	httpSrv := &http.Server{
		Addr:              d.cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	go engine.Dispatch(workerCtx)
	go purgeNoncesLoop(workerCtx, d.st, d.log, d.cfg.NoncePurgeInterval)

	go func() {
		d.log.Info("listening", zap.String("addr", d.cfg.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Fatal("server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	d.log.Info("shutting down")
	cancelWorkers()
	_ = httpSrv.Close()
	return nil
}

func runProbe(ctx context.Context, workspaceID string, fixturePaths []string) error {
	d, err := wire()
	if err != nil {
		return err
	}
	defer d.st.Close()
	defer d.log.Sync()

	integration, err := d.st.GetIntegration(ctx, workspaceID)
	if err != nil {
		return err
	}
	token, err := d.envelope.Open(secretenvelope.Sealed{Ciphertext: integration.TokenCiphertext, WrappedDEK: integration.WrappedDEK})
	if err != nil {
		return err
	}
	defer token.Close()

	b := qaihub.New(d.cfg.BackendBaseURL, workspaceID, token)

	fixtures := make([]probesuite.Fixture, 0, len(fixturePaths))
	for _, p := range fixturePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading fixture %s: %w", p, err)
		}
		kind := packagevalidator.ONNXSingle
		if res, err := packagevalidator.Validate(data); err == nil {
			kind = res.Kind
		}
		fixtures = append(fixtures, probesuite.Fixture{Label: filepath.Base(p), Kind: kind, ArchiveZip: data})
	}

	result, err := probesuite.Run(ctx, b, d.artifacts, workspaceID, fixtures)
	if err != nil {
		return fmt.Errorf("probe suite: %w", err)
	}

	for label, payload := range result.RawPayloads {
		if _, err := d.artifacts.Put(ctx, workspaceID, casstore.KindProbeRaw, payload, label); err != nil {
			d.log.Warn("storing raw probe payload", zap.String("label", label), zap.Error(err))
		}
	}
	capsBytes, _ := json.Marshal(result.Capabilities)
	capsArtifact, err := d.artifacts.Put(ctx, workspaceID, casstore.KindCapabilities, capsBytes, "capabilities.json")
	if err != nil {
		return fmt.Errorf("storing capabilities blob: %w", err)
	}
	mappingBytes, _ := json.Marshal(result.MetricMapping)
	mappingArtifact, err := d.artifacts.Put(ctx, workspaceID, casstore.KindMetricMapping, mappingBytes, "metric_mapping.json")
	if err != nil {
		return fmt.Errorf("storing metric mapping blob: %w", err)
	}

	caps := store.Capabilities{
		WorkspaceID: workspaceID, CapabilitiesBlobID: capsArtifact.ID,
		MetricMappingBlobID: mappingArtifact.ID, ProbedAt: time.Now().UTC(), SourceProbeRunID: uuid.NewString(),
	}
	if err := d.st.PutCapabilities(ctx, caps); err != nil {
		return fmt.Errorf("saving capabilities: %w", err)
	}

	d.log.Info("probe complete",
		zap.Int("capability_count", len(result.Capabilities)),
		zap.Int("metrics_mapped", len(result.MetricMapping)))
	return nil
}

func ciSecretLookup(st *store.Store) ciauth.SecretLookup {
	return func(ctx context.Context, workspaceID string) (secretenvelope.Sealed, bool, error) {
		ciphertext, wrappedDEK, found, err := st.GetCISecret(ctx, workspaceID)
		if err != nil || !found {
			return secretenvelope.Sealed{}, false, err
		}
		return secretenvelope.Sealed{Ciphertext: ciphertext, WrappedDEK: wrappedDEK}, true, nil
	}
}

func purgeNoncesLoop(ctx context.Context, st *store.Store, log *zap.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PurgeExpiredNonces(ctx, time.Now().UTC())
			if err != nil {
				log.Error("nonce purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged expired nonces", zap.Int64("count", n))
			}
		}
	}
}

func masterKeyID(cfg config.Config) string {
	if cfg.SigningKeyID != "" {
		return "master-" + cfg.SigningKeyID
	}
	return "master-default"
}

// loadMasterKeyring prefers Vault-backed key custody when VAULT_MASTER_KEY_PATH
// is set, falling back to the MASTER_KEY env var otherwise (spec §6's KMS-backed
// deployment case vs. a plain env-provided key for local/dev runs).
func loadMasterKeyring(cfg config.Config) (*secretenvelope.MasterKeyring, error) {
	if cfg.VaultMasterPath != "" {
		return secretenvelope.LoadMasterKeyringFromVault(context.Background(), secretenvelope.VaultKeySource{
			Addr: cfg.VaultAddr, Token: cfg.VaultToken, Path: cfg.VaultMasterPath, ActiveID: masterKeyID(cfg),
		})
	}
	return secretenvelope.NewMasterKeyring(masterKeyID(cfg), cfg.MasterKeyB64)
}

// loadSigningKey reads the Ed25519 private key from SigningPrivateKeyPath.
// The file holds the raw 64-byte seed+public key, base64-encoded, matching
// what a `RotateSigningKey` operator script would emit.
func loadSigningKey(cfg config.Config) (evidence.SigningKey, error) {
	raw, err := os.ReadFile(cfg.SigningPrivateKeyPath)
	if err != nil {
		return evidence.SigningKey{}, apierr.Wrap(apierr.KeyUnavailable, "reading signing key file", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(bytesTrimSpace(raw)))
	if err != nil {
		return evidence.SigningKey{}, apierr.Wrap(apierr.KeyUnavailable, "decoding signing key file", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return evidence.SigningKey{}, apierr.New(apierr.KeyUnavailable, "signing key file has wrong size")
	}
	priv := ed25519.PrivateKey(decoded)
	pub := priv.Public().(ed25519.PublicKey)
	return evidence.SigningKey{KeyID: cfg.SigningKeyID, PrivateKey: priv, PublicKey: pub}, nil
}

func bytesTrimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
