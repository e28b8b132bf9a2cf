package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/pkg/backend"
	"github.com/edgegate/edgegate/pkg/gating"
	"github.com/edgegate/edgegate/pkg/probesuite"
)

func storePromptPack(content string) store.PromptPack {
	return store.PromptPack{Content: []byte(content)}
}

// fakeBackend is a minimal backend.Backend test double: job status and
// payload bytes are keyed by job ID / payload ref, set up per test.
type fakeBackend struct {
	status  map[string]backend.JobStatus
	payload map[string][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{status: map[string]backend.JobStatus{}, payload: map[string][]byte{}}
}

func (f *fakeBackend) ValidateToken(ctx context.Context) (backend.Identity, error) {
	return backend.Identity{}, nil
}
func (f *fakeBackend) ListDevices(ctx context.Context) ([]backend.Device, error) { return nil, nil }
func (f *fakeBackend) UploadModel(ctx context.Context, data []byte, kind, name string) (backend.RemoteModelHandle, error) {
	return backend.RemoteModelHandle{}, nil
}
func (f *fakeBackend) SubmitCompile(ctx context.Context, model backend.RemoteModelHandle, device backend.Device, target backend.TargetRuntime, opts backend.SubmitOptions) (backend.JobHandle, error) {
	return backend.JobHandle{}, nil
}
func (f *fakeBackend) SubmitProfile(ctx context.Context, compiled backend.JobHandle, device backend.Device, opts backend.SubmitOptions) (backend.JobHandle, error) {
	return backend.JobHandle{}, nil
}
func (f *fakeBackend) SubmitInference(ctx context.Context, compiled backend.JobHandle, device backend.Device, inputs map[string]any) (backend.JobHandle, error) {
	return backend.JobHandle{}, nil
}
func (f *fakeBackend) Poll(ctx context.Context, job backend.JobHandle) (backend.JobStatus, error) {
	if st, ok := f.status[job.ID]; ok {
		return st, nil
	}
	return backend.JobStatus{Status: backend.StatusPending}, nil
}
func (f *fakeBackend) FetchPayload(ctx context.Context, ref string) ([]byte, error) {
	return f.payload[ref], nil
}
func (f *fakeBackend) FetchLogs(ctx context.Context, job backend.JobHandle) ([]byte, error) {
	return nil, nil
}

func TestPollOnceNotDoneWhileAnyHandlePending(t *testing.T) {
	b := newFakeBackend()
	b.status["compile-1"] = backend.JobStatus{Status: backend.StatusSuccess}
	b.status["profile-1"] = backend.JobStatus{Status: backend.StatusRunning}

	jobs := []submittedJob{{
		Device:   "dev1",
		Compile:  backend.JobHandle{ID: "compile-1", Kind: backend.JobCompile},
		Profiles: []profileRepeat{{Handle: backend.JobHandle{ID: "profile-1", Kind: backend.JobProfile}}},
	}}

	done, failed, err := (&Engine{}).pollOnce(context.Background(), b, jobs)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.False(t, done)
}

func TestPollOnceDoneWhenEveryHandleSucceeds(t *testing.T) {
	b := newFakeBackend()
	b.status["compile-1"] = backend.JobStatus{Status: backend.StatusSuccess}
	b.status["profile-1"] = backend.JobStatus{Status: backend.StatusSuccess}
	b.status["profile-2"] = backend.JobStatus{Status: backend.StatusSuccess}
	b.status["infer-1"] = backend.JobStatus{Status: backend.StatusSuccess}
	infer := backend.JobHandle{ID: "infer-1", Kind: backend.JobInference}

	jobs := []submittedJob{{
		Device:  "dev1",
		Compile: backend.JobHandle{ID: "compile-1", Kind: backend.JobCompile},
		Profiles: []profileRepeat{
			{Handle: backend.JobHandle{ID: "profile-1", Kind: backend.JobProfile}, RepeatIndex: 0, Warmup: true},
			{Handle: backend.JobHandle{ID: "profile-2", Kind: backend.JobProfile}, RepeatIndex: 1},
		},
		Inference: &infer,
	}}

	done, failed, err := (&Engine{}).pollOnce(context.Background(), b, jobs)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.True(t, done)
}

func TestPollOnceSurfacesBackendFailureReason(t *testing.T) {
	b := newFakeBackend()
	b.status["compile-1"] = backend.JobStatus{Status: backend.StatusSuccess}
	b.status["profile-1"] = backend.JobStatus{Status: backend.StatusFailed, Reason: "device unreachable"}

	jobs := []submittedJob{{
		Device:   "dev1",
		Compile:  backend.JobHandle{ID: "compile-1", Kind: backend.JobCompile},
		Profiles: []profileRepeat{{Handle: backend.JobHandle{ID: "profile-1", Kind: backend.JobProfile}}},
	}}

	done, failed, err := (&Engine{}).pollOnce(context.Background(), b, jobs)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, "device unreachable", failed)
}

func TestPollOnceSkipsProfilesUntilCompileLands(t *testing.T) {
	b := newFakeBackend()
	b.status["compile-1"] = backend.JobStatus{Status: backend.StatusRunning}
	// profile-1 would fail if polled, but the compile job hasn't landed yet.
	b.status["profile-1"] = backend.JobStatus{Status: backend.StatusFailed, Reason: "should not be observed"}

	jobs := []submittedJob{{
		Device:   "dev1",
		Compile:  backend.JobHandle{ID: "compile-1", Kind: backend.JobCompile},
		Profiles: []profileRepeat{{Handle: backend.JobHandle{ID: "profile-1", Kind: backend.JobProfile}}},
	}}

	done, failed, err := (&Engine{}).pollOnce(context.Background(), b, jobs)
	require.NoError(t, err)
	require.Empty(t, failed)
	require.False(t, done)
}

func TestMaterializeMeasurementsExtractsStableMetricsExcludingWarmupFromNormalized(t *testing.T) {
	b := newFakeBackend()
	b.status["profile-warmup"] = backend.JobStatus{Status: backend.StatusSuccess, PayloadRef: "ref-warmup"}
	b.status["profile-1"] = backend.JobStatus{Status: backend.StatusSuccess, PayloadRef: "ref-1"}
	b.payload["ref-warmup"] = []byte(`{"profile":{"latency":{"total_ms": 99.0}}}`)
	b.payload["ref-1"] = []byte(`{"profile":{"latency":{"total_ms": 12.5}}}`)

	jobs := []submittedJob{{
		Device: "dev1",
		Profiles: []profileRepeat{
			{Handle: backend.JobHandle{ID: "profile-warmup"}, RepeatIndex: 0, Warmup: true},
			{Handle: backend.JobHandle{ID: "profile-1"}, RepeatIndex: 1, Warmup: false},
		},
	}}
	mapping := map[string]probesuite.MetricEntry{
		"inference_time_ms": {JSONPath: ".profile.latency.total_ms", Unit: "ms", Stability: gating.Stable},
		"tokens_per_sec":    {JSONPath: ".throughput.tokens_per_sec", Unit: "tokens/s", Stability: gating.Unavailable},
	}

	table, normalized, err := (&Engine{}).materializeMeasurements(context.Background(), b, jobs, mapping)
	require.NoError(t, err)

	require.Len(t, table, 2, "both the warmup and measurement repeat produce a row")
	require.Len(t, normalized, 1, "only the non-warmup repeat is embedded in the evidence bundle's metrics")
	require.Equal(t, 12.5, normalized[0].Value)
	require.Equal(t, "inference_time_ms", normalized[0].Metric)
	require.Equal(t, "ms", normalized[0].Unit)

	var warmupRow, measuredRow gating.Measurement
	for _, m := range table {
		if m.Warmup {
			warmupRow = m
		} else {
			measuredRow = m
		}
	}
	require.Equal(t, 99.0, warmupRow.Value)
	require.Equal(t, 12.5, measuredRow.Value)
}

func TestMaterializeMeasurementsSkipsNonSuccessAndUnresolvablePaths(t *testing.T) {
	b := newFakeBackend()
	b.status["profile-pending"] = backend.JobStatus{Status: backend.StatusRunning}
	b.status["profile-bad-json"] = backend.JobStatus{Status: backend.StatusSuccess, PayloadRef: "ref-bad"}
	b.payload["ref-bad"] = []byte(`not json`)

	jobs := []submittedJob{{
		Device: "dev1",
		Profiles: []profileRepeat{
			{Handle: backend.JobHandle{ID: "profile-pending"}, RepeatIndex: 0},
			{Handle: backend.JobHandle{ID: "profile-bad-json"}, RepeatIndex: 1},
		},
	}}
	mapping := map[string]probesuite.MetricEntry{
		"inference_time_ms": {JSONPath: ".profile.latency.total_ms", Unit: "ms", Stability: gating.Stable},
	}

	table, normalized, err := (&Engine{}).materializeMeasurements(context.Background(), b, jobs, mapping)
	require.NoError(t, err)
	require.Empty(t, table)
	require.Empty(t, normalized)
}

func TestNeedsInferenceDetectsNonNoneExpectation(t *testing.T) {
	withExact := storePromptPack(`{"cases":[{"expectation":{"type":"none"}},{"expectation":{"type":"exact"}}]}`)
	allNone := storePromptPack(`{"cases":[{"expectation":{"type":"none"}}]}`)
	malformed := storePromptPack(`not json`)

	require.True(t, needsInference(withExact))
	require.False(t, needsInference(allNone))
	require.False(t, needsInference(malformed))
}
