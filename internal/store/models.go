// Package store holds the sqlx-backed Postgres repositories for every
// entity in spec §3 that isn't already owned by a component package
// (casstore owns Artifact; secretenvelope's Sealed lives inside Integration
// rows here).
package store

import "time"

type Workspace struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationDisabled IntegrationStatus = "disabled"
)

// Integration mirrors spec §3: the backend token ciphertext and its wrapped
// DEK live here; plaintext never does.
type Integration struct {
	WorkspaceID      string            `db:"workspace_id"`
	Provider         string            `db:"provider"`
	Status           IntegrationStatus `db:"status"`
	TokenCiphertext  []byte            `db:"token_ciphertext"`
	WrappedDEK       []byte            `db:"wrapped_dek"`
	TokenLast4       string            `db:"token_last4"`
	CreatedAt        time.Time         `db:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"`
}

// Capabilities is the per-workspace current capabilities/metric-mapping
// pointer (spec §3). The blobs themselves live in the content store.
type Capabilities struct {
	WorkspaceID          string    `db:"workspace_id"`
	CapabilitiesBlobID   string    `db:"capabilities_blob_id"`
	MetricMappingBlobID  string    `db:"metric_mapping_blob_id"`
	ProbedAt             time.Time `db:"probed_at"`
	SourceProbeRunID     string    `db:"source_probe_run_id"`
}

type PromptPack struct {
	WorkspaceID string    `db:"workspace_id"`
	LogicalID   string    `db:"logical_id"`
	Version     string    `db:"version"`
	SHA256      string    `db:"sha256"`
	Content     []byte    `db:"content"`
	Published   bool      `db:"published"`
	CreatedAt   time.Time `db:"created_at"`
}

type Gate struct {
	Metric   string  `json:"metric"`
	Op       string  `json:"op"`
	Threshold float64 `json:"threshold"`
	Required bool    `json:"required"`
}

type RunPolicy struct {
	WarmupRuns         int `json:"warmup_runs"`
	MeasurementRepeats int `json:"measurement_repeats"`
	MaxNewTokens       int `json:"max_new_tokens"`
	TimeoutMinutes     int `json:"timeout_minutes"`
}

// DefaultRunPolicy matches spec §3's Pipeline.run_policy defaults.
func DefaultRunPolicy() RunPolicy {
	return RunPolicy{WarmupRuns: 1, MeasurementRepeats: 3, MaxNewTokens: 128, TimeoutMinutes: 20}
}

type Pipeline struct {
	ID             string    `db:"id"`
	WorkspaceID    string    `db:"workspace_id"`
	Name           string    `db:"name"`
	DeviceMatrix   []string  `db:"-"`
	DeviceMatrixJSON string  `db:"device_matrix"`
	PromptPackRef  string    `db:"promptpack_ref"`
	GatesJSON      string    `db:"gates"`
	RunPolicyJSON  string    `db:"run_policy"`
	CreatedAt      time.Time `db:"created_at"`
}

type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCI     Trigger = "ci"
)

// RunState enumerates spec §4.8's state machine states.
type RunState string

const (
	StateQueued     RunState = "queued"
	StatePreparing  RunState = "preparing"
	StateSubmitting RunState = "submitting"
	StateRunning    RunState = "running"
	StateCollecting RunState = "collecting"
	StateEvaluating RunState = "evaluating"
	StateReporting  RunState = "reporting"
	StatePassed     RunState = "passed"
	StateFailed     RunState = "failed"
	StateError      RunState = "error"
)

// Terminal reports whether s is a state a Run never leaves (spec §3
// invariant, spec §8 invariant 2).
func (s RunState) Terminal() bool {
	switch s {
	case StatePassed, StateFailed, StateError:
		return true
	default:
		return false
	}
}

type Run struct {
	ID                string     `db:"id"`
	WorkspaceID       string     `db:"workspace_id"`
	PipelineID        string     `db:"pipeline_id"`
	Trigger           Trigger    `db:"trigger"`
	State             RunState   `db:"state"`
	ModelArtifactID   string     `db:"model_artifact_id"`
	NormalizedMetrics string     `db:"normalized_metrics"` // JSON
	GatesEval         string     `db:"gates_eval"`         // JSON
	SubmittedJobs     string     `db:"submitted_jobs"`     // JSON; []orchestrator.submittedJob
	BundleArtifactID  *string    `db:"bundle_artifact_id"`
	ErrorCode         *string    `db:"error_code"`
	ErrorDetail       *string    `db:"error_detail"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

type AuditEvent struct {
	ID          string    `db:"id"`
	WorkspaceID string    `db:"workspace_id"`
	Actor       string    `db:"actor"`
	EventType   string    `db:"event_type"`
	Payload     string    `db:"payload"` // JSON; any token field carries only token_last4
	TS          time.Time `db:"ts"`
	MonotonicSeq int64    `db:"monotonic_seq"`
}

type CINonce struct {
	Nonce       string    `db:"nonce"`
	WorkspaceID string    `db:"workspace_id"`
	UsedAt      time.Time `db:"used_at"`
	ExpiresAt   time.Time `db:"expires_at"`
}

type SigningKeyRecord struct {
	KeyID     string     `db:"key_id"`
	PublicKey []byte     `db:"public_key"`
	CreatedAt time.Time  `db:"created_at"`
	RevokedAt *time.Time `db:"revoked_at"`
}
