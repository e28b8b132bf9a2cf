// Package backend defines C4: the abstract interface the rest of the core
// uses to speak to the external compute-hub. All payloads returned from the
// backend are opaque JSON blobs — interpretation belongs to the ProbeSuite
// (which proves a JSON-path resolves) and the worker (which reads via the
// resulting metric mapping), never to this package.
package backend

import "context"

// Identity is what validate_token() proves about the caller.
type Identity struct {
	AccountID string
	Scopes    []string
}

// Device is one entry from list_devices().
type Device struct {
	ID   string
	Name string
}

// RemoteModelHandle references a model uploaded to the backend.
type RemoteModelHandle struct {
	ID string
}

// JobKind distinguishes compile/profile/inference jobs for polling and logs.
type JobKind string

const (
	JobCompile   JobKind = "compile"
	JobProfile   JobKind = "profile"
	JobInference JobKind = "inference"
)

// JobHandle references a submitted job.
type JobHandle struct {
	ID   string
	Kind JobKind
}

// Status is a job's status: two non-terminal values (pending, running) and
// two terminal ones (success, failed) (spec §4.4).
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// JobStatus is poll()'s return value. PayloadRef is only set on
// StatusSuccess; Reason is only set on StatusFailed.
type JobStatus struct {
	Status     Status
	PayloadRef string // opaque backend reference; FetchPayload resolves it to bytes
	Reason     string
}

// TargetRuntime names the compile target. EdgeGate probes and submits
// exactly one today: qnn_dlc (spec §4.5 step 3).
type TargetRuntime string

const QNNDLC TargetRuntime = "qnn_dlc"

// SubmitOptions carries run_policy-derived knobs down to a submit call.
type SubmitOptions struct {
	MaxNewTokens int
}

// Backend is the sole polymorphic point in the core (spec §9): the rest of
// the system is interfaces and plain records.
type Backend interface {
	ValidateToken(ctx context.Context) (Identity, error)
	ListDevices(ctx context.Context) ([]Device, error)
	UploadModel(ctx context.Context, data []byte, kind string, name string) (RemoteModelHandle, error)
	SubmitCompile(ctx context.Context, model RemoteModelHandle, device Device, target TargetRuntime, opts SubmitOptions) (JobHandle, error)
	SubmitProfile(ctx context.Context, compiled JobHandle, device Device, opts SubmitOptions) (JobHandle, error)
	SubmitInference(ctx context.Context, compiled JobHandle, device Device, inputs map[string]any) (JobHandle, error)
	Poll(ctx context.Context, job JobHandle) (JobStatus, error)
	FetchPayload(ctx context.Context, payloadRef string) ([]byte, error)
	FetchLogs(ctx context.Context, job JobHandle) ([]byte, error)
}
