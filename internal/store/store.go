package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" sql.DB driver

	"github.com/edgegate/edgegate/internal/apierr"
)

// Store is the sqlx-backed repository set for every entity spec §3 assigns
// to Postgres. Schema bootstrap is inline CREATE TABLE IF NOT EXISTS, the
// same shape as the teacher's store.migrate — EdgeGate's core explicitly
// does not own a migration tool (spec §1 Out of scope), so this stays a
// minimal bootstrap rather than growing into one.
type Store struct {
	db *sqlx.DB
}

func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS integrations (
			workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id),
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			token_ciphertext BYTEA NOT NULL,
			wrapped_dek BYTEA NOT NULL,
			token_last4 TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id),
			capabilities_blob_id TEXT NOT NULL,
			metric_mapping_blob_id TEXT NOT NULL,
			probed_at TIMESTAMPTZ NOT NULL,
			source_probe_run_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS promptpacks (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			logical_id TEXT NOT NULL,
			version TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			content BYTEA NOT NULL,
			published BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workspace_id, logical_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			name TEXT NOT NULL,
			device_matrix JSONB NOT NULL,
			promptpack_ref TEXT NOT NULL,
			gates JSONB NOT NULL,
			run_policy JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			kind TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			storage_url TEXT NOT NULL,
			bytes BIGINT NOT NULL,
			original_filename TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ,
			tombstoned_at TIMESTAMPTZ,
			UNIQUE (workspace_id, sha256)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id),
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id),
			trigger TEXT NOT NULL,
			state TEXT NOT NULL,
			model_artifact_id TEXT NOT NULL,
			normalized_metrics JSONB NOT NULL DEFAULT '[]',
			gates_eval JSONB NOT NULL DEFAULT '[]',
			submitted_jobs JSONB NOT NULL DEFAULT '[]',
			bundle_artifact_id TEXT,
			error_code TEXT,
			error_detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS one_nonterminal_run_per_workspace
			ON runs (workspace_id)
			WHERE state NOT IN ('passed','failed','error')`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			monotonic_seq BIGSERIAL
		)`,
		`CREATE TABLE IF NOT EXISTS ci_secrets (
			workspace_id TEXT PRIMARY KEY REFERENCES workspaces(id),
			secret_ciphertext BYTEA NOT NULL,
			wrapped_dek BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ci_nonces (
			workspace_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			used_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, nonce)
		)`,
		`CREATE TABLE IF NOT EXISTS signing_keys (
			key_id TEXT PRIMARY KEY,
			public_key BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

// GetIntegration fetches the workspace's single active integration, if any.
func (s *Store) GetIntegration(ctx context.Context, workspaceID string) (Integration, error) {
	var i Integration
	err := s.db.GetContext(ctx, &i, `
		SELECT workspace_id, provider, status, token_ciphertext, wrapped_dek, token_last4, created_at, updated_at
		FROM integrations WHERE workspace_id = $1 AND status = 'active'
	`, workspaceID)
	if err != nil {
		return Integration{}, apierr.New(apierr.NoIntegration, "workspace has no active backend integration")
	}
	return i, nil
}

// UpsertIntegration stores or rotates the sealed backend token.
func (s *Store) UpsertIntegration(ctx context.Context, i Integration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (workspace_id, provider, status, token_ciphertext, wrapped_dek, token_last4, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6, now())
		ON CONFLICT (workspace_id) DO UPDATE SET
			provider=excluded.provider, status=excluded.status,
			token_ciphertext=excluded.token_ciphertext, wrapped_dek=excluded.wrapped_dek,
			token_last4=excluded.token_last4, updated_at=now()
	`, i.WorkspaceID, i.Provider, i.Status, i.TokenCiphertext, i.WrappedDEK, i.TokenLast4)
	return err
}

func (s *Store) DeleteIntegration(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE workspace_id = $1`, workspaceID)
	return err
}

func (s *Store) GetCapabilities(ctx context.Context, workspaceID string) (Capabilities, error) {
	var c Capabilities
	err := s.db.GetContext(ctx, &c, `
		SELECT workspace_id, capabilities_blob_id, metric_mapping_blob_id, probed_at, source_probe_run_id
		FROM capabilities WHERE workspace_id = $1
	`, workspaceID)
	if err != nil {
		return Capabilities{}, apierr.New(apierr.NotFound, "no capabilities probed yet")
	}
	return c, nil
}

// PutCapabilities overwrites the workspace's single current capabilities
// record (spec §3: "exactly one current record").
func (s *Store) PutCapabilities(ctx context.Context, c Capabilities) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capabilities (workspace_id, capabilities_blob_id, metric_mapping_blob_id, probed_at, source_probe_run_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (workspace_id) DO UPDATE SET
			capabilities_blob_id=excluded.capabilities_blob_id,
			metric_mapping_blob_id=excluded.metric_mapping_blob_id,
			probed_at=excluded.probed_at, source_probe_run_id=excluded.source_probe_run_id
	`, c.WorkspaceID, c.CapabilitiesBlobID, c.MetricMappingBlobID, c.ProbedAt, c.SourceProbeRunID)
	return err
}

// GetPromptPack looks up one (logical_id, version). Cross-tenant lookups
// fail NOT_FOUND (spec §4.2-style leak avoidance applies to every entity).
func (s *Store) GetPromptPack(ctx context.Context, workspaceID, logicalID, version string) (PromptPack, error) {
	var p PromptPack
	err := s.db.GetContext(ctx, &p, `
		SELECT workspace_id, logical_id, version, sha256, content, published, created_at
		FROM promptpacks WHERE workspace_id = $1 AND logical_id = $2 AND version = $3
	`, workspaceID, logicalID, version)
	if err != nil {
		return PromptPack{}, apierr.New(apierr.NotFound, "promptpack version not found")
	}
	return p, nil
}

// PutPromptPack inserts a new version. It never updates: a second insert
// for an existing (workspace_id, logical_id, version) fails on the primary
// key whether or not that version is published, so a published version's
// content cannot be replaced through this call.
func (s *Store) PutPromptPack(ctx context.Context, p PromptPack) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promptpacks (workspace_id, logical_id, version, sha256, content, published)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, p.WorkspaceID, p.LogicalID, p.Version, p.SHA256, p.Content, p.Published)
	return err
}

func (s *Store) PublishPromptPack(ctx context.Context, workspaceID, logicalID, version string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promptpacks SET published = true
		WHERE workspace_id = $1 AND logical_id = $2 AND version = $3
	`, workspaceID, logicalID, version)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.New(apierr.NotFound, "promptpack version not found")
	}
	return nil
}

func (s *Store) CreatePipeline(ctx context.Context, p Pipeline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, workspace_id, name, device_matrix, promptpack_ref, gates, run_policy)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.WorkspaceID, p.Name, p.DeviceMatrixJSON, p.PromptPackRef, p.GatesJSON, p.RunPolicyJSON)
	return err
}

func (s *Store) GetPipeline(ctx context.Context, workspaceID, pipelineID string) (Pipeline, error) {
	var p Pipeline
	err := s.db.GetContext(ctx, &p, `
		SELECT id, workspace_id, name, device_matrix, promptpack_ref, gates, run_policy, created_at
		FROM pipelines WHERE id = $1 AND workspace_id = $2
	`, pipelineID, workspaceID)
	if err != nil {
		return Pipeline{}, apierr.New(apierr.NotFound, "pipeline not found")
	}
	return p, nil
}

// CreateRun inserts a queued run. The partial unique index
// one_nonterminal_run_per_workspace enforces spec §8 invariant 3 at the
// database layer: a second non-terminal run for the same workspace fails
// the insert rather than racing in application code.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workspace_id, pipeline_id, trigger, state, model_artifact_id)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, r.ID, r.WorkspaceID, r.PipelineID, r.Trigger, r.State, r.ModelArtifactID)
	return err
}

// TransitionRun advances a run's state. Terminal states are never left —
// the caller is responsible for not calling this again once State.Terminal().
// normalizedMetrics, gatesEval, and submittedJobs are each left untouched
// when passed empty, so a transition that has nothing new to say about one
// of them doesn't clobber what an earlier step already persisted.
func (s *Store) TransitionRun(ctx context.Context, runID string, next RunState, normalizedMetrics, gatesEval, submittedJobs string, errorCode, errorDetail *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET state = $2, normalized_metrics = COALESCE(NULLIF($3, ''), normalized_metrics),
			gates_eval = COALESCE(NULLIF($4, ''), gates_eval),
			submitted_jobs = COALESCE(NULLIF($5, ''), submitted_jobs),
			error_code = $6, error_detail = $7, updated_at = now()
		WHERE id = $1
	`, runID, next, normalizedMetrics, gatesEval, submittedJobs, errorCode, errorDetail)
	return err
}

func (s *Store) SetRunBundle(ctx context.Context, runID, bundleArtifactID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET bundle_artifact_id = $2 WHERE id = $1`, runID, bundleArtifactID)
	return err
}

func (s *Store) GetRun(ctx context.Context, workspaceID, runID string) (Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r, `
		SELECT id, workspace_id, pipeline_id, trigger, state, model_artifact_id, normalized_metrics, gates_eval,
			submitted_jobs, bundle_artifact_id, error_code, error_detail, created_at, updated_at
		FROM runs WHERE id = $1 AND workspace_id = $2
	`, runID, workspaceID)
	if err != nil {
		return Run{}, apierr.New(apierr.NotFound, "run not found")
	}
	return r, nil
}

// GetRunByID is the workspace-agnostic lookup the queue/dispatcher needs —
// the queue only ever carries a run id. Internal callers only; anything
// reachable from an API boundary must go through GetRun instead, which
// enforces the workspace match.
func (s *Store) GetRunByID(ctx context.Context, runID string) (Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r, `
		SELECT id, workspace_id, pipeline_id, trigger, state, model_artifact_id, normalized_metrics, gates_eval,
			submitted_jobs, bundle_artifact_id, error_code, error_detail, created_at, updated_at
		FROM runs WHERE id = $1
	`, runID)
	if err != nil {
		return Run{}, apierr.New(apierr.NotFound, "run not found")
	}
	return r, nil
}

// NonTerminalRunExists reports whether the workspace has a run that is not
// yet passed, failed or error. The queue dispatcher does not call it; the
// unique index above is what enforces one non-terminal run per workspace.
func (s *Store) NonTerminalRunExists(ctx context.Context, workspaceID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM runs WHERE workspace_id = $1 AND state NOT IN ('passed','failed','error')
	`, workspaceID)
	return n > 0, err
}

// InsertNonce implements ciauth.NonceStore: a row's mere existence proves
// the nonce has been spent (spec §3 CINonce).
func (s *Store) InsertNonce(ctx context.Context, workspaceID, nonce string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ci_nonces (workspace_id, nonce, expires_at) VALUES ($1,$2,$3)
	`, workspaceID, nonce, expiresAt)
	if err != nil {
		return apierr.New(apierr.Replay, "nonce already used for this workspace")
	}
	return nil
}

// GetCISecret returns the workspace's sealed CI ingress secret, sealed via
// the secret envelope (spec §9 open question 2: held in plaintext behind
// the envelope rather than hash-only, since HMAC verification needs the
// live key).
func (s *Store) GetCISecret(ctx context.Context, workspaceID string) (ciphertext, wrappedDEK []byte, found bool, err error) {
	var row struct {
		Ciphertext []byte `db:"secret_ciphertext"`
		WrappedDEK []byte `db:"wrapped_dek"`
	}
	err = s.db.GetContext(ctx, &row, `SELECT secret_ciphertext, wrapped_dek FROM ci_secrets WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return nil, nil, false, nil
	}
	return row.Ciphertext, row.WrappedDEK, true, nil
}

// PutCISecret stores or rotates a workspace's CI ingress secret.
func (s *Store) PutCISecret(ctx context.Context, workspaceID string, ciphertext, wrappedDEK []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ci_secrets (workspace_id, secret_ciphertext, wrapped_dek) VALUES ($1,$2,$3)
		ON CONFLICT (workspace_id) DO UPDATE SET secret_ciphertext=excluded.secret_ciphertext, wrapped_dek=excluded.wrapped_dek
	`, workspaceID, ciphertext, wrappedDEK)
	return err
}

// NonceStore adapts Store to ciauth.NonceStore's single-method shape
// without exposing the rest of Store's surface to the authenticator.
type NonceStore struct{ *Store }

func (n NonceStore) Insert(ctx context.Context, workspaceID, nonce string, expiresAt time.Time) error {
	return n.Store.InsertNonce(ctx, workspaceID, nonce, expiresAt)
}

// PurgeExpiredNonces deletes rows whose expires_at has passed — the only
// deletion the nonce table ever sees (spec §5).
func (s *Store) PurgeExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ci_nonces WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) AppendAuditEvent(ctx context.Context, e AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, workspace_id, actor, event_type, payload) VALUES ($1,$2,$3,$4,$5)
	`, e.ID, e.WorkspaceID, e.Actor, e.EventType, e.Payload)
	return err
}

func (s *Store) ActiveSigningKey(ctx context.Context) (SigningKeyRecord, error) {
	var k SigningKeyRecord
	err := s.db.GetContext(ctx, &k, `
		SELECT key_id, public_key, created_at, revoked_at FROM signing_keys
		WHERE revoked_at IS NULL ORDER BY created_at DESC LIMIT 1
	`)
	if err != nil {
		return SigningKeyRecord{}, apierr.New(apierr.KeyUnavailable, "no active signing key")
	}
	return k, nil
}

func (s *Store) SigningKeyByID(ctx context.Context, keyID string) (SigningKeyRecord, error) {
	var k SigningKeyRecord
	err := s.db.GetContext(ctx, &k, `SELECT key_id, public_key, created_at, revoked_at FROM signing_keys WHERE key_id = $1`, keyID)
	if err != nil {
		return SigningKeyRecord{}, apierr.New(apierr.NotFound, "signing key not found")
	}
	return k, nil
}

// RotateSigningKey records a new active key and revokes the previous one.
// Key rows are never deleted — revocation only ever sets revoked_at (spec §3).
func (s *Store) RotateSigningKey(ctx context.Context, newKeyID string, newPublicKey []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE signing_keys SET revoked_at = now() WHERE revoked_at IS NULL`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO signing_keys (key_id, public_key) VALUES ($1,$2)`, newKeyID, newPublicKey); err != nil {
		return err
	}
	return tx.Commit()
}
