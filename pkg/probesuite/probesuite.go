// Package probesuite implements C5: the capability-discovery engine that
// drives the backend with fixture models and derives a per-workspace metric
// mapping. It never assumes a JSON-path resolves — a path is only recorded
// once it has resolved in at least two of the captured profile payloads
// (spec §4.5). The recorded unit comes from a fixed per-metric table; units
// are not read from the payloads or compared across them.
package probesuite

import (
	"context"
	"time"

	"github.com/itchyny/gojq"

	"github.com/edgegate/edgegate/pkg/backend"
	"github.com/edgegate/edgegate/pkg/casstore"
	"github.com/edgegate/edgegate/pkg/gating"
	"github.com/edgegate/edgegate/pkg/packagevalidator"
)

// CapabilityID enumerates the minimum set spec §4.5 requires the blob to
// enumerate.
type CapabilityID string

const (
	CapTokenValidation        CapabilityID = "TOKEN_VALIDATION"
	CapDeviceList              CapabilityID = "DEVICE_LIST"
	CapTargetQNNDLC            CapabilityID = "TARGET_QNN_DLC"
	CapModelONNXExternalData   CapabilityID = "MODEL_ONNX_EXTERNAL_DATA"
	CapModelAIMETONNXEncodings CapabilityID = "MODEL_AIMET_ONNX_ENCODINGS"
	CapProfileMetrics          CapabilityID = "PROFILE_METRICS"
	CapInferenceOutputs        CapabilityID = "INFERENCE_OUTPUTS"
	CapJobLogs                 CapabilityID = "JOB_LOGS"
)

// Capability is one entry in the capabilities blob.
type Capability struct {
	ID          CapabilityID      `json:"id"`
	Available   bool              `json:"available"`
	Stability   gating.Stability  `json:"stability"`
	ArtifactRef string            `json:"artifact_ref"`
}

// MetricCandidates are the normalized metrics this suite is allowed to
// derive a path for (spec §4.5).
var MetricCandidates = []string{
	"peak_ram_mb", "ttft_ms", "tokens_per_sec", "inference_time_ms",
	"npu_compute_percent", "gpu_compute_percent", "cpu_compute_percent",
}

// canonicalPaths lists the small set of JSON-paths probed for each
// candidate metric — the only paths the suite will ever consider.
var canonicalPaths = map[string][]string{
	"peak_ram_mb":          {".memory.peak_mb", ".profile.memory.peak_ram_mb"},
	"ttft_ms":              {".latency.ttft_ms", ".profile.latency.time_to_first_token_ms"},
	"tokens_per_sec":       {".throughput.tokens_per_sec", ".profile.throughput.tps"},
	"inference_time_ms":    {".latency.inference_ms", ".profile.latency.total_ms"},
	"npu_compute_percent":  {".compute.npu_percent"},
	"gpu_compute_percent":  {".compute.gpu_percent"},
	"cpu_compute_percent":  {".compute.cpu_percent"},
}

// MetricEntry is one entry of the derived metric mapping document.
type MetricEntry struct {
	JSONPath  string           `json:"json_path"`
	Unit      string           `json:"unit"`
	Stability gating.Stability `json:"stability"`
}

// Result is the ProbeSuite's full output: the capabilities blob, the
// derived metric mapping, and every raw payload captured along the way
// (stored via C2 by the caller).
type Result struct {
	Capabilities        []Capability
	MetricMapping       map[string]MetricEntry
	DerivedFromArtifacts []string
	RawPayloads         map[string][]byte // fixture label + ":profile" or ":inference" -> raw backend payload
}

// Fixture is one packaging shape probed in order (spec §4.5 step 3).
type Fixture struct {
	Label       string
	Kind        packagevalidator.PackageKind
	ArchiveZip  []byte
}

// Run drives b with fixtures against the primary (first listed) device; a
// second listed device is not used. It is fail-soft per step: a step's
// failure marks that capability unavailable and the suite proceeds.
func Run(ctx context.Context, b backend.Backend, store *casstore.Store, workspaceID string, fixtures []Fixture) (Result, error) {
	res := Result{MetricMapping: map[string]MetricEntry{}, RawPayloads: map[string][]byte{}}
	add := func(id CapabilityID, available bool, stability gating.Stability, ref string) {
		res.Capabilities = append(res.Capabilities, Capability{ID: id, Available: available, Stability: stability, ArtifactRef: ref})
	}

	// Step 1: token validation.
	if _, err := b.ValidateToken(ctx); err != nil {
		add(CapTokenValidation, false, gating.Unavailable, "")
		return res, nil
	}
	add(CapTokenValidation, true, gating.Stable, "")

	// Step 2: device list.
	devices, err := b.ListDevices(ctx)
	if err != nil || len(devices) == 0 {
		add(CapDeviceList, false, gating.Unavailable, "")
		return res, nil
	}
	add(CapDeviceList, true, gating.Stable, "")
	primary := devices[0]
	var secondary *backend.Device
	if len(devices) > 1 {
		secondary = &devices[1]
	}
	_ = secondary

	var payloads []map[string]any
	var logJob *backend.JobHandle

	for _, fx := range fixtures {
		result, err := packagevalidator.Validate(fx.ArchiveZip)
		if err != nil {
			continue
		}
		switch result.Kind {
		case packagevalidator.ONNXExternal:
			add(CapModelONNXExternalData, true, gating.Stable, "")
		case packagevalidator.AIMETQuant:
			add(CapModelAIMETONNXEncodings, true, gating.Stable, "")
		}

		model, err := b.UploadModel(ctx, fx.ArchiveZip, string(result.Kind), fx.Label)
		if err != nil {
			continue
		}
		compile, err := b.SubmitCompile(ctx, model, primary, backend.QNNDLC, backend.SubmitOptions{})
		if err != nil {
			continue
		}
		if !waitTerminal(ctx, b, compile) {
			continue
		}
		add(CapTargetQNNDLC, true, gating.Stable, "")
		if logJob == nil {
			completed := compile
			logJob = &completed
		}

		profile, err := b.SubmitProfile(ctx, compile, primary, backend.SubmitOptions{})
		if err == nil {
			if status, ok := waitAndFetch(ctx, b, profile); ok {
				res.RawPayloads[fx.Label+":profile"] = status
				var parsed map[string]any
				if parseJSON(status, &parsed) {
					payloads = append(payloads, parsed)
					add(CapProfileMetrics, true, gating.Stable, fx.Label+":profile")
				}
			}
		}

		infer, err := b.SubmitInference(ctx, compile, primary, map[string]any{})
		if err == nil {
			if status, ok := waitAndFetch(ctx, b, infer); ok {
				res.RawPayloads[fx.Label+":inference"] = status
				add(CapInferenceOutputs, true, gating.Stable, fx.Label+":inference")
			}
		}
	}

	// Step 4: fetch logs for one completed job (the first compile job that
	// succeeded above), if there is one.
	logsFetched := false
	if logJob != nil {
		_, err := b.FetchLogs(ctx, *logJob)
		logsFetched = err == nil
	}
	if logsFetched {
		add(CapJobLogs, true, gating.Unstable, "")
	} else {
		add(CapJobLogs, false, gating.Unavailable, "")
	}

	res.MetricMapping = deriveMapping(payloads)
	for label := range res.RawPayloads {
		res.DerivedFromArtifacts = append(res.DerivedFromArtifacts, label)
	}
	return res, nil
}

// deriveMapping implements spec §4.5's derivation: a metric is "stable" when
// one canonical path resolves in at least two probe payloads, and gets that
// path and the unit unitFor assigns; "unstable" when the best path resolves
// in exactly one payload; "unavailable" when none resolves. Units are not
// read from the payloads, so no unit consistency is checked.
func deriveMapping(payloads []map[string]any) map[string]MetricEntry {
	out := map[string]MetricEntry{}
	for _, metric := range MetricCandidates {
		paths := canonicalPaths[metric]
		resolved := map[string]int{} // path -> count of payloads it resolved in
		for _, path := range paths {
			for _, payload := range payloads {
				if _, ok := evalPath(payload, path); ok {
					resolved[path]++
				}
			}
		}
		bestPath, bestCount := "", 0
		for p, n := range resolved {
			if n > bestCount {
				bestPath, bestCount = p, n
			}
		}
		switch {
		case bestCount >= 2:
			out[metric] = MetricEntry{JSONPath: bestPath, Unit: unitFor(metric), Stability: gating.Stable}
		case bestCount == 1:
			out[metric] = MetricEntry{JSONPath: "", Unit: "", Stability: gating.Unstable}
		default:
			out[metric] = MetricEntry{JSONPath: "", Unit: "", Stability: gating.Unavailable}
		}
	}
	return out
}

func unitFor(metric string) string {
	switch metric {
	case "peak_ram_mb":
		return "mb"
	case "ttft_ms", "inference_time_ms":
		return "ms"
	case "tokens_per_sec":
		return "tokens/s"
	default:
		return "percent"
	}
}

// evalPath resolves a jq-style path against a decoded payload using gojq —
// the single JSON-path evaluator the core uses anywhere it must read an
// opaque backend blob (spec §9).
func evalPath(payload map[string]any, path string) (any, bool) {
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, false
	}
	iter := query.Run(payload)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if err, isErr := v.(error); isErr {
		_ = err
		return nil, false
	}
	return v, true
}

func waitTerminal(ctx context.Context, b backend.Backend, job backend.JobHandle) bool {
	for i := 0; i < 10; i++ {
		status, err := b.Poll(ctx, job)
		if err != nil {
			return false
		}
		if status.Status == backend.StatusSuccess {
			return true
		}
		if status.Status == backend.StatusFailed {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
	return false
}

func waitAndFetch(ctx context.Context, b backend.Backend, job backend.JobHandle) ([]byte, bool) {
	for i := 0; i < 10; i++ {
		status, err := b.Poll(ctx, job)
		if err != nil {
			return nil, false
		}
		if status.Status == backend.StatusSuccess {
			payload, err := b.FetchPayload(ctx, status.PayloadRef)
			if err != nil {
				return nil, false
			}
			return payload, true
		}
		if status.Status == backend.StatusFailed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, false
}
