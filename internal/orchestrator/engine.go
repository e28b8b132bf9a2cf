// Package orchestrator implements C8: the run state machine and its
// worker pool. A run advances queued → preparing → submitting → running →
// collecting → evaluating → reporting → {passed, failed, error(code)},
// persisting its state before every externally visible effect so a crash
// mid-run resumes by re-reading the last persisted state (spec §4.8, §5).
//
// The structure mirrors the teacher's release worker: a Dispatch loop
// pulling work off a queue, a per-key (here per-workspace, there per-repo)
// advisory lock serializing concurrent attempts, and a bounded pool of
// goroutines actually executing steps.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/edgegate/edgegate/internal/apierr"
	"github.com/edgegate/edgegate/internal/audit"
	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/pkg/backend"
	"github.com/edgegate/edgegate/pkg/casstore"
	"github.com/edgegate/edgegate/pkg/evidence"
	"github.com/edgegate/edgegate/pkg/gating"
	"github.com/edgegate/edgegate/pkg/packagevalidator"
	"github.com/edgegate/edgegate/pkg/probesuite"
	"github.com/edgegate/edgegate/pkg/secretenvelope"
)

// BackendFactory builds a backend.Backend for a workspace's decrypted
// token — indirected so the worker never imports the concrete qaihub
// client directly and tests can inject a fake.
type BackendFactory func(workspaceID string, token *secretenvelope.Token) backend.Backend

// Engine owns the worker pool and drives one run at a time per workspace.
type Engine struct {
	store    *store.Store
	artifacts *casstore.Store
	envelope *secretenvelope.Envelope
	lock     *WorkspaceLock
	queue    *Queue
	audit    *audit.Writer
	log      *zap.Logger
	backends BackendFactory
	signing  evidence.SigningKey
	sema     *semaphore.Weighted
}

func NewEngine(
	s *store.Store,
	artifacts *casstore.Store,
	envelope *secretenvelope.Envelope,
	lock *WorkspaceLock,
	queue *Queue,
	auditWriter *audit.Writer,
	log *zap.Logger,
	backends BackendFactory,
	signing evidence.SigningKey,
	concurrency int64,
) *Engine {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Engine{
		store: s, artifacts: artifacts, envelope: envelope, lock: lock, queue: queue,
		audit: auditWriter, log: log, backends: backends, signing: signing,
		sema: semaphore.NewWeighted(concurrency),
	}
}

// Enqueue places a newly created run on the queue. The caller has already
// written the `queued` row.
func (e *Engine) Enqueue(ctx context.Context, runID string) error {
	return e.queue.Push(ctx, runID)
}

// Dispatch runs until ctx is cancelled, popping run IDs and executing them
// in a bounded pool of goroutines. A run whose workspace lock is held gets
// re-pushed to the back of the queue rather than blocking a worker slot.
func (e *Engine) Dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		runID, ok, err := e.queue.Pop(ctx, 2)
		if err != nil {
			e.log.Error("queue pop failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		if err := e.sema.Acquire(ctx, 1); err != nil {
			return
		}
		go func(id string) {
			defer e.sema.Release(1)
			e.attempt(ctx, id)
		}(runID)
	}
}

// attempt tries to acquire the run's workspace lock and execute it; on
// failure to acquire, the run goes back on the queue for a later attempt.
func (e *Engine) attempt(ctx context.Context, runID string) {
	run, err := e.storeGetRunByID(ctx, runID)
	if err != nil {
		e.log.Error("run vanished before dispatch", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if run.State.Terminal() {
		return
	}

	token, acquired, err := e.lock.Acquire(ctx, run.WorkspaceID)
	if err != nil {
		e.log.Error("lock acquire failed", zap.Error(err))
		_ = e.queue.Push(ctx, runID)
		return
	}
	if !acquired {
		_ = e.queue.Push(ctx, runID)
		return
	}
	defer e.lock.Release(ctx, run.WorkspaceID, token)

	e.execute(ctx, run)
}

// storeGetRunByID is a thin lookup helper; Store.GetRun requires the
// workspace id, which the queue alone doesn't carry, so the engine keeps a
// small secondary lookup path through the pipeline-less run row.
func (e *Engine) storeGetRunByID(ctx context.Context, runID string) (store.Run, error) {
	return e.store.GetRunByID(ctx, runID)
}

// execute drives run through every remaining state. Each transition
// persists before doing externally visible I/O, matching spec §4.8's
// crash-recovery requirement: a restart re-reads run.State and resumes
// from the corresponding step, since every step here is idempotent with
// respect to its own inputs.
func (e *Engine) execute(ctx context.Context, run store.Run) {
	pipeline, err := e.store.GetPipeline(ctx, run.WorkspaceID, run.PipelineID)
	if err != nil {
		e.fail(ctx, run, apierr.NotFound, "pipeline missing for run")
		return
	}

	deadline := time.Now().Add(time.Duration(mustPolicy(pipeline).TimeoutMinutes) * time.Minute)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for !run.State.Terminal() {
		next, updated, stepErr := e.step(runCtx, run, pipeline)
		if stepErr != nil {
			code, ok := apierr.CodeOf(stepErr)
			if !ok {
				code = apierr.SubmitFailed
			}
			e.fail(ctx, updated, code, stepErr.Error())
			return
		}
		run = updated
		run.State = next
		if err := e.persist(ctx, run); err != nil {
			e.log.Error("persisting run transition", zap.Error(err))
			return
		}
		e.recordTransition(ctx, run)
	}
}

// step executes exactly one state's work and returns the next state plus
// any run fields that step updated.
func (e *Engine) step(ctx context.Context, run store.Run, pipeline store.Pipeline) (store.RunState, store.Run, error) {
	switch run.State {
	case store.StateQueued:
		return store.StatePreparing, run, nil

	case store.StatePreparing:
		return e.prepare(ctx, run, pipeline)

	case store.StateSubmitting:
		return e.submit(ctx, run, pipeline)

	case store.StateRunning:
		return e.collectWait(ctx, run, pipeline)

	case store.StateCollecting:
		return e.evaluate(ctx, run, pipeline)

	case store.StateEvaluating:
		// evaluate() already produced the outcome; this state is reached
		// only if a resumed run persisted here before reporting.
		return store.StateReporting, run, nil

	case store.StateReporting:
		return e.report(ctx, run, pipeline)

	default:
		return run.State, run, apierr.New(apierr.SubmitFailed, "unknown run state "+string(run.State))
	}
}

func (e *Engine) prepare(ctx context.Context, run store.Run, pipeline store.Pipeline) (store.RunState, store.Run, error) {
	modelBytes, err := e.artifacts.Get(ctx, run.WorkspaceID, run.ModelArtifactID)
	if err != nil {
		return run.State, run, err
	}
	if _, err := packagevalidator.Validate(modelBytes); err != nil {
		return run.State, run, err
	}

	pack, err := e.lookupPublishedPromptPack(ctx, pipeline)
	if err != nil {
		return run.State, run, err
	}
	if !pack.Published {
		return run.State, run, apierr.New(apierr.DependencyNotPublished, "promptpack version is not published")
	}

	integration, err := e.store.GetIntegration(ctx, run.WorkspaceID)
	if err != nil {
		return run.State, run, err
	}
	token, err := e.envelope.Open(secretenvelope.Sealed{Ciphertext: integration.TokenCiphertext, WrappedDEK: integration.WrappedDEK})
	if err != nil {
		return run.State, run, apierr.Wrap(apierr.DecryptFailed, "opening backend token", err)
	}
	token.Close() // only existence/shape checked here; re-opened per-call in submit/poll

	modelSum := sha256.Sum256(modelBytes)
	jobSpec := map[string]any{
		"pipeline_id":    pipeline.ID,
		"promptpack_sha": pack.SHA256,
		"model_sha":      hex.EncodeToString(modelSum[:]),
		"devices":        pipeline.DeviceMatrixJSON,
		"run_policy":     pipeline.RunPolicyJSON,
	}
	jobSpecBytes, _ := json.Marshal(jobSpec)
	if _, err := e.artifacts.Put(ctx, run.WorkspaceID, casstore.KindJobSpec, jobSpecBytes, "job_spec.json"); err != nil {
		return run.State, run, err
	}

	return store.StateSubmitting, run, nil
}

// submittedJob is one device's submitted job handles, persisted on the run
// row so the running → collecting poll loop (and a crash-recovered resume
// landing back on `running` or `collecting`) never has to resubmit to know
// what it's waiting on (spec §4.8 crash-recovery requirement).
type submittedJob struct {
	Device    string              `json:"device"`
	Compile   backend.JobHandle   `json:"compile"`
	Profiles  []profileRepeat     `json:"profiles"`
	Inference *backend.JobHandle  `json:"inference,omitempty"`
}

// profileRepeat is one warmup or measurement repeat's profile job, tagged
// the way gating.Measurement tags its rows (spec §4.6 step 1).
type profileRepeat struct {
	Handle      backend.JobHandle `json:"handle"`
	RepeatIndex int               `json:"repeat_index"`
	Warmup      bool              `json:"warmup"`
}

func (e *Engine) submit(ctx context.Context, run store.Run, pipeline store.Pipeline) (store.RunState, store.Run, error) {
	b, token, err := e.openBackend(ctx, run.WorkspaceID)
	if err != nil {
		return run.State, run, err
	}
	defer token.Close()

	devices, err := decodeDevices(pipeline.DeviceMatrixJSON)
	if err != nil || len(devices) == 0 {
		return run.State, run, apierr.New(apierr.SubmitFailed, "pipeline has no devices")
	}

	modelBytes, err := e.artifacts.Get(ctx, run.WorkspaceID, run.ModelArtifactID)
	if err != nil {
		return run.State, run, err
	}
	kind, err := packagevalidator.Validate(modelBytes)
	if err != nil {
		return run.State, run, err
	}

	pack, err := e.lookupPublishedPromptPack(ctx, pipeline)
	if err != nil {
		return run.State, run, err
	}
	policy := mustPolicy(pipeline)

	var jobs []submittedJob
	var submitErr error
	for attempt := 0; attempt < 2; attempt++ {
		jobs, submitErr = e.submitAll(ctx, b, modelBytes, kind.Kind, devices, policy, needsInference(pack))
		if submitErr == nil {
			break
		}
	}
	if submitErr != nil {
		return run.State, run, apierr.Wrap(apierr.SubmitFailed, "submit failed after retry", submitErr)
	}

	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return run.State, run, apierr.Wrap(apierr.SubmitFailed, "encoding submitted jobs", err)
	}
	run.SubmittedJobs = string(jobsJSON)

	return store.StateRunning, run, nil
}

// submitAll uploads the model once and, per device, submits a compile job
// followed by one profile job per warmup and measurement repeat (spec §3
// run_policy.warmup_runs/measurement_repeats), plus an inference job when
// the promptpack requires correctness outputs (spec §4.8 submitting →
// running).
func (e *Engine) submitAll(ctx context.Context, b backend.Backend, modelBytes []byte, kind packagevalidator.PackageKind, devices []backend.Device, policy store.RunPolicy, needsInference bool) ([]submittedJob, error) {
	model, err := b.UploadModel(ctx, modelBytes, string(kind), "model")
	if err != nil {
		return nil, err
	}
	opts := backend.SubmitOptions{MaxNewTokens: policy.MaxNewTokens}
	repeats := policy.WarmupRuns + policy.MeasurementRepeats

	jobs := make([]submittedJob, 0, len(devices))
	for _, d := range devices {
		compile, err := b.SubmitCompile(ctx, model, d, backend.QNNDLC, opts)
		if err != nil {
			return nil, err
		}
		job := submittedJob{Device: d.ID, Compile: compile}
		for i := 0; i < repeats; i++ {
			profile, err := b.SubmitProfile(ctx, compile, d, opts)
			if err != nil {
				return nil, err
			}
			job.Profiles = append(job.Profiles, profileRepeat{
				Handle:      profile,
				RepeatIndex: i,
				Warmup:      i < policy.WarmupRuns,
			})
		}
		if needsInference {
			inference, err := b.SubmitInference(ctx, compile, d, map[string]any{})
			if err != nil {
				return nil, err
			}
			job.Inference = &inference
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// needsInference reports whether pack has any case whose expectation isn't
// "none" — the trigger spec §4.8 names for submit_inference.
func needsInference(pack store.PromptPack) bool {
	var doc struct {
		Cases []struct {
			Expectation struct {
				Type string `json:"type"`
			} `json:"expectation"`
		} `json:"cases"`
	}
	if err := json.Unmarshal(pack.Content, &doc); err != nil {
		return false
	}
	for _, c := range doc.Cases {
		if c.Expectation.Type != "" && c.Expectation.Type != "none" {
			return true
		}
	}
	return false
}

// collectWait polls until every job is terminal or the context deadline
// trips, using the spec's exact backoff (base 2s, factor 2, cap 60s).
func (e *Engine) collectWait(ctx context.Context, run store.Run, pipeline store.Pipeline) (store.RunState, store.Run, error) {
	b, token, err := e.openBackend(ctx, run.WorkspaceID)
	if err != nil {
		return run.State, run, err
	}
	defer token.Close()

	var jobs []submittedJob
	if err := json.Unmarshal([]byte(run.SubmittedJobs), &jobs); err != nil || len(jobs) == 0 {
		return run.State, run, apierr.New(apierr.SubmitFailed, "no submitted jobs recorded for run")
	}

	wait := 2 * time.Second
	const cap_ = 60 * time.Second

	for {
		select {
		case <-ctx.Done():
			return run.State, run, apierr.New(apierr.Timeout, "run exceeded its timeout budget")
		default:
		}

		done, failed, err := e.pollOnce(ctx, b, jobs)
		if err != nil {
			return run.State, run, err
		}
		if failed != "" {
			return run.State, run, apierr.New(apierr.BackendJobFailed, failed)
		}
		if done {
			return store.StateCollecting, run, nil
		}

		select {
		case <-ctx.Done():
			return run.State, run, apierr.New(apierr.Timeout, "run exceeded its timeout budget")
		case <-time.After(wait):
		}
		wait *= 2
		if wait > cap_ {
			wait = cap_
		}
	}
}

// pollOnce polls every outstanding job handle exactly once. A backend
// `failed` status on any handle ends the run immediately (spec §4.8:
// running → error(BACKEND_JOB_FAILED)); done is true only once every
// handle across every device has reached a terminal status. A device's
// profile/inference jobs are only polled once its compile job has landed,
// since the backend has nothing to report for them before that.
func (e *Engine) pollOnce(ctx context.Context, b backend.Backend, jobs []submittedJob) (done bool, failReason string, err error) {
	allTerminal := true
	for _, j := range jobs {
		compileTerminal, failed, reason, pollErr := pollHandle(ctx, b, j.Compile, "compile job on device "+j.Device)
		if pollErr != nil {
			return false, "", apierr.Wrap(apierr.BackendJobFailed, "polling backend job", pollErr)
		}
		if failed {
			return false, reason, nil
		}
		if !compileTerminal {
			allTerminal = false
			continue
		}

		for _, p := range j.Profiles {
			terminal, failed, reason, pollErr := pollHandle(ctx, b, p.Handle, "profile job on device "+j.Device)
			if pollErr != nil {
				return false, "", apierr.Wrap(apierr.BackendJobFailed, "polling backend job", pollErr)
			}
			if failed {
				return false, reason, nil
			}
			if !terminal {
				allTerminal = false
			}
		}
		if j.Inference != nil {
			terminal, failed, reason, pollErr := pollHandle(ctx, b, *j.Inference, "inference job on device "+j.Device)
			if pollErr != nil {
				return false, "", apierr.Wrap(apierr.BackendJobFailed, "polling backend job", pollErr)
			}
			if failed {
				return false, reason, nil
			}
			if !terminal {
				allTerminal = false
			}
		}
	}
	return allTerminal, "", nil
}

// pollHandle polls one job handle and classifies its status into the
// terminal/failed shape pollOnce and materializeMeasurements both need.
func pollHandle(ctx context.Context, b backend.Backend, h backend.JobHandle, label string) (terminal, failed bool, reason string, err error) {
	status, err := b.Poll(ctx, h)
	if err != nil {
		return false, false, "", err
	}
	switch status.Status {
	case backend.StatusSuccess:
		return true, false, "", nil
	case backend.StatusFailed:
		reason = status.Reason
		if reason == "" {
			reason = label + " failed"
		}
		return true, true, reason, nil
	default:
		return false, false, "", nil
	}
}

func (e *Engine) evaluate(ctx context.Context, run store.Run, pipeline store.Pipeline) (store.RunState, store.Run, error) {
	caps, err := e.store.GetCapabilities(ctx, run.WorkspaceID)
	if err != nil {
		return run.State, run, err
	}
	mappingBytes, err := e.artifacts.Get(ctx, run.WorkspaceID, caps.MetricMappingBlobID)
	if err != nil {
		return run.State, run, err
	}
	var rawMapping map[string]probesuite.MetricEntry
	if err := json.Unmarshal(mappingBytes, &rawMapping); err != nil {
		return run.State, run, apierr.Wrap(apierr.MissingRequiredMetric, "metric mapping unreadable", err)
	}
	mapping := gating.MetricMapping{}
	for metric, entry := range rawMapping {
		mapping[metric] = entry.Stability
	}

	gates, err := decodeGates(pipeline.GatesJSON)
	if err != nil {
		return run.State, run, err
	}
	devices, err := decodeDevices(pipeline.DeviceMatrixJSON)
	if err != nil {
		return run.State, run, err
	}
	deviceIDs := make([]string, len(devices))
	for i, d := range devices {
		deviceIDs[i] = d.ID
	}

	var jobs []submittedJob
	if err := json.Unmarshal([]byte(run.SubmittedJobs), &jobs); err != nil {
		return run.State, run, apierr.Wrap(apierr.SubmitFailed, "submitted jobs unreadable at evaluation time", err)
	}

	b, token, err := e.openBackend(ctx, run.WorkspaceID)
	if err != nil {
		return run.State, run, err
	}
	defer token.Close()

	table, normalizedMetrics, err := e.materializeMeasurements(ctx, b, jobs, rawMapping)
	if err != nil {
		return run.State, run, err
	}

	evalResult := gating.Evaluate(table, gates, deviceIDs, mapping)

	// GatesEval persists the full evaluation, outcome included, so report()
	// (and a crash-recovered resume landing on `reporting`) never has to
	// re-run gating to know whether the run passed.
	envelope := gatesEvalEnvelope{Outcome: string(evalResult.Outcome), Results: evalResult.GateResults}
	gatesJSON, _ := json.Marshal(envelope)
	metricsJSON, _ := json.Marshal(normalizedMetrics)
	run.NormalizedMetrics = string(metricsJSON)
	run.GatesEval = string(gatesJSON)

	if evalResult.Outcome == gating.Errored {
		errDetail := "gating evaluator terminated with error"
		return run.State, run, apierr.New(apierr.Code(evalResult.ErrorCode), errDetail)
	}

	return store.StateReporting, run, nil
}

// normalizedMetric is one (device, metric, repeat) row as embedded verbatim
// in the evidence bundle's summary.json results.normalized_metrics (spec
// §6). Warmup rows are excluded, matching what the gating evaluator itself
// considers (spec §4.6 step 1) — the bundle's metrics are the ones the
// gate decision was actually based on.
type normalizedMetric struct {
	Device      string  `json:"device"`
	Metric      string  `json:"metric"`
	RepeatIndex int     `json:"repeat_index"`
	Value       float64 `json:"value"`
	Unit        string  `json:"unit"`
}

// materializeMeasurements fetches every terminal success profile payload
// and resolves each stable mapped metric's JSON-path against it via gojq,
// turning opaque backend payloads into the gating evaluator's
// MeasurementTable (spec §4.8 collecting → evaluating). A payload that
// doesn't parse, or a path that doesn't resolve, simply leaves that
// (device, metric, repeat) row absent — gating's own missing-metric policy
// takes it from there.
func (e *Engine) materializeMeasurements(ctx context.Context, b backend.Backend, jobs []submittedJob, mapping map[string]probesuite.MetricEntry) (gating.MeasurementTable, []normalizedMetric, error) {
	table := gating.MeasurementTable{}
	normalized := []normalizedMetric{}

	for _, j := range jobs {
		for _, p := range j.Profiles {
			status, err := b.Poll(ctx, p.Handle)
			if err != nil {
				return nil, nil, apierr.Wrap(apierr.BackendJobFailed, "polling profile job for collection", err)
			}
			if status.Status != backend.StatusSuccess {
				continue
			}
			payload, err := b.FetchPayload(ctx, status.PayloadRef)
			if err != nil {
				return nil, nil, apierr.Wrap(apierr.BackendJobFailed, "fetching profile payload", err)
			}
			var decoded map[string]any
			if err := json.Unmarshal(payload, &decoded); err != nil {
				continue
			}
			for metric, entry := range mapping {
				if entry.Stability != gating.Stable || entry.JSONPath == "" {
					continue
				}
				value, ok := evalMetricPath(decoded, entry.JSONPath)
				if !ok {
					continue
				}
				table = append(table, gating.Measurement{
					Device: j.Device, Metric: metric, RepeatIndex: p.RepeatIndex, Value: value, Warmup: p.Warmup,
				})
				if !p.Warmup {
					normalized = append(normalized, normalizedMetric{
						Device: j.Device, Metric: metric, RepeatIndex: p.RepeatIndex, Value: value, Unit: entry.Unit,
					})
				}
			}
		}
	}
	return table, normalized, nil
}

// evalMetricPath resolves a jq-style metric-mapping path against a decoded
// backend payload — the same gojq evaluation probesuite uses to prove a
// path resolves in the first place (spec §9: the one JSON-path evaluator
// the core uses anywhere it must read an opaque backend blob).
func evalMetricPath(payload map[string]any, path string) (float64, bool) {
	query, err := gojq.Parse(path)
	if err != nil {
		return 0, false
	}
	iter := query.Run(payload)
	v, ok := iter.Next()
	if !ok {
		return 0, false
	}
	if _, isErr := v.(error); isErr {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// gatesEvalEnvelope is the JSON shape persisted in Run.GatesEval: the
// overall outcome alongside the per-gate results, so a terminal state
// reached after a resume still has the decided outcome to act on.
type gatesEvalEnvelope struct {
	Outcome string               `json:"outcome"`
	Results []gating.GateResult  `json:"results"`
}

func (e *Engine) report(ctx context.Context, run store.Run, pipeline store.Pipeline) (store.RunState, store.Run, error) {
	caps, err := e.store.GetCapabilities(ctx, run.WorkspaceID)
	if err != nil {
		return run.State, run, err
	}
	model, err := e.artifacts.Stat(ctx, run.WorkspaceID, run.ModelArtifactID)
	if err != nil {
		model.SHA256 = ""
	}

	var envelope gatesEvalEnvelope
	if err := json.Unmarshal([]byte(run.GatesEval), &envelope); err != nil {
		return run.State, run, apierr.Wrap(apierr.BundleFailed, "gates evaluation unreadable at report time", err)
	}
	status := envelope.Outcome
	if status != string(gating.Passed) && status != string(gating.Failed) {
		status = string(gating.Failed)
	}

	var normalizedMetrics []any
	_ = json.Unmarshal([]byte(run.NormalizedMetrics), &normalizedMetrics)
	gatesEval := make([]any, len(envelope.Results))
	for i, r := range envelope.Results {
		gatesEval[i] = r
	}

	bundle, err := evidence.Build(e.signing, evidence.Input{
		WorkspaceID: run.WorkspaceID, PipelineID: run.PipelineID, RunID: run.ID,
		ModelArtifactID: run.ModelArtifactID, ModelSHA256: model.SHA256,
		CapabilitiesRef: caps.CapabilitiesBlobID, MetricMappingRef: caps.MetricMappingBlobID,
		Status:            status,
		NormalizedMetrics: normalizedMetrics,
		GatesEvaluation:   gatesEval,
	})
	if err != nil {
		return run.State, run, apierr.Wrap(apierr.BundleFailed, "assembling evidence bundle", err)
	}

	artifact, err := e.artifacts.Put(ctx, run.WorkspaceID, casstore.KindBundle, bundle.ZipBytes, "evidence.zip")
	if err != nil {
		return run.State, run, apierr.Wrap(apierr.BundleFailed, "storing evidence bundle", err)
	}
	if err := e.store.SetRunBundle(ctx, run.ID, artifact.ID); err != nil {
		return run.State, run, err
	}

	bundleID := artifact.ID
	run.BundleArtifactID = &bundleID
	if status == string(store.StatePassed) {
		return store.StatePassed, run, nil
	}
	return store.StateFailed, run, nil
}

func (e *Engine) fail(ctx context.Context, run store.Run, code apierr.Code, detail string) {
	run.State = store.StateError
	c := string(code)
	run.ErrorCode = &c
	run.ErrorDetail = &detail
	if err := e.persist(ctx, run); err != nil {
		e.log.Error("persisting failed run", zap.Error(err))
	}
	e.recordTransition(ctx, run)
}

func (e *Engine) persist(ctx context.Context, run store.Run) error {
	return e.store.TransitionRun(ctx, run.ID, run.State, run.NormalizedMetrics, run.GatesEval, run.SubmittedJobs, run.ErrorCode, run.ErrorDetail)
}

func (e *Engine) recordTransition(ctx context.Context, run store.Run) {
	_ = e.audit.Record(ctx, audit.Event{
		WorkspaceID: run.WorkspaceID,
		Actor:       "orchestrator",
		Type:        "run_state_transition",
		Payload:     map[string]any{"run_id": run.ID, "state": string(run.State)},
	})
}

func (e *Engine) openBackend(ctx context.Context, workspaceID string) (backend.Backend, *secretenvelope.Token, error) {
	integration, err := e.store.GetIntegration(ctx, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	token, err := e.envelope.Open(secretenvelope.Sealed{Ciphertext: integration.TokenCiphertext, WrappedDEK: integration.WrappedDEK})
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.DecryptFailed, "opening backend token", err)
	}
	return e.backends(workspaceID, token), token, nil
}

func (e *Engine) lookupPublishedPromptPack(ctx context.Context, pipeline store.Pipeline) (store.PromptPack, error) {
	logicalID, version, err := splitPromptPackRef(pipeline.PromptPackRef)
	if err != nil {
		return store.PromptPack{}, err
	}
	return e.store.GetPromptPack(ctx, pipeline.WorkspaceID, logicalID, version)
}

func splitPromptPackRef(ref string) (logicalID, version string, err error) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '@' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", apierr.New(apierr.DependencyNotPublished, "malformed promptpack_ref, expected logical_id@version")
}

func decodeGates(gatesJSON string) ([]gating.Gate, error) {
	var raw []store.Gate
	if err := json.Unmarshal([]byte(gatesJSON), &raw); err != nil {
		return nil, apierr.Wrap(apierr.SubmitFailed, "decoding pipeline gates", err)
	}
	out := make([]gating.Gate, len(raw))
	for i, g := range raw {
		out[i] = gating.Gate{Metric: g.Metric, Op: gating.Op(g.Op), Threshold: g.Threshold, Required: g.Required}
	}
	return out, nil
}

func decodeDevices(deviceMatrixJSON string) ([]backend.Device, error) {
	var ids []string
	if err := json.Unmarshal([]byte(deviceMatrixJSON), &ids); err != nil {
		return nil, apierr.Wrap(apierr.SubmitFailed, "decoding device matrix", err)
	}
	out := make([]backend.Device, len(ids))
	for i, id := range ids {
		out[i] = backend.Device{ID: id, Name: id}
	}
	return out, nil
}

func mustPolicy(pipeline store.Pipeline) store.RunPolicy {
	var p store.RunPolicy
	if err := json.Unmarshal([]byte(pipeline.RunPolicyJSON), &p); err != nil {
		return store.DefaultRunPolicy()
	}
	if p.TimeoutMinutes <= 0 {
		p = store.DefaultRunPolicy()
	}
	return p
}
