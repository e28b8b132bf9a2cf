// Package api exposes the control-plane HTTP surface from spec §6. It is a
// thin mux over the core components — request parsing, workspace-scoped
// dispatch, JSON encoding — the same shape as the teacher's api.Server, with
// chi route groups per resource instead of a single webhook endpoint.
package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/edgegate/edgegate/internal/apierr"
	"github.com/edgegate/edgegate/internal/audit"
	"github.com/edgegate/edgegate/internal/ciauth"
	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/orchestrator"
	"github.com/edgegate/edgegate/internal/store"
	"github.com/edgegate/edgegate/pkg/casstore"
	"github.com/edgegate/edgegate/pkg/packagevalidator"
	"github.com/edgegate/edgegate/pkg/probesuite"
	"github.com/edgegate/edgegate/pkg/secretenvelope"
)

type Server struct {
	store     *store.Store
	artifacts *casstore.Store
	envelope  *secretenvelope.Envelope
	engine    *orchestrator.Engine
	backends  orchestrator.BackendFactory
	authn     *ciauth.Authenticator
	audit     *audit.Writer
	log       *zap.Logger
}

func New(
	st *store.Store,
	artifacts *casstore.Store,
	envelope *secretenvelope.Envelope,
	engine *orchestrator.Engine,
	backends orchestrator.BackendFactory,
	authn *ciauth.Authenticator,
	auditWriter *audit.Writer,
	log *zap.Logger,
) *Server {
	return &Server{store: st, artifacts: artifacts, envelope: envelope, engine: engine, backends: backends, authn: authn, audit: auditWriter, log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/workspaces/{workspaceID}", func(r chi.Router) {
		r.Post("/integrations/qaihub", s.handlePutIntegration)
		r.Delete("/integrations/qaihub", s.handleDeleteIntegration)

		r.Get("/capabilities", s.handleGetCapabilities)
		r.Post("/capabilities/probe", s.handlePostProbe)

		r.Post("/promptpacks", s.handlePostPromptPack)
		r.Put("/promptpacks/{logicalID}/{version}/publish", s.handlePublishPromptPack)

		r.Post("/pipelines", s.handlePostPipeline)
		r.Post("/pipelines/yaml", s.handlePostPipelineYAML)

		r.Post("/artifacts", s.handlePostArtifact)

		r.Post("/runs", s.handlePostRun)
		r.Get("/runs/{runID}", s.handleGetRun)

		r.Post("/ci/runs", s.handleCIRun)
		r.Post("/ci/secret", s.handleGenerateCISecret)
	})

	return r
}

func (s *Server) handlePutIntegration(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, apierr.New(apierr.TokenInvalid, "malformed request body"))
		return
	}
	sealed, err := s.envelope.Seal([]byte(body.Token))
	if err != nil {
		writeError(w, err)
		return
	}
	last4 := body.Token
	if len(last4) > 4 {
		last4 = last4[len(last4)-4:]
	}
	integration := store.Integration{
		WorkspaceID: workspaceID, Provider: "qaihub", Status: store.IntegrationActive,
		TokenCiphertext: sealed.Ciphertext, WrappedDEK: sealed.WrappedDEK, TokenLast4: last4,
	}
	if err := s.store.UpsertIntegration(r.Context(), integration); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r.Context(), workspaceID, "integration_stored", map[string]any{"token_last4": last4})
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "token_last4": last4})
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if err := s.store.DeleteIntegration(r.Context(), workspaceID); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r.Context(), workspaceID, "integration_removed", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCapabilities(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	caps, err := s.store.GetCapabilities(r.Context(), workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}

// handlePostProbe runs C5 synchronously for one workspace: the suite is
// fail-soft and bounded by its own retry counts (spec §4.5), so there is no
// need to route it through the run worker pool the way a gating run is.
func (s *Server) handlePostProbe(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body struct {
		Fixtures []struct {
			Label      string `json:"label"`
			ArchiveZip []byte `json:"archive_zip"`
		} `json:"fixtures"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, apierr.New(apierr.LimitExceeded, "malformed probe request"))
		return
	}

	integration, err := s.store.GetIntegration(r.Context(), workspaceID)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.envelope.Open(secretenvelope.Sealed{Ciphertext: integration.TokenCiphertext, WrappedDEK: integration.WrappedDEK})
	if err != nil {
		writeError(w, apierr.Wrap(apierr.DecryptFailed, "opening backend token", err))
		return
	}
	defer token.Close()
	b := s.backends(workspaceID, token)

	fixtures := make([]probesuite.Fixture, len(body.Fixtures))
	for i, f := range body.Fixtures {
		kind := packagevalidator.ONNXSingle
		if res, err := packagevalidator.Validate(f.ArchiveZip); err == nil {
			kind = res.Kind
		}
		fixtures[i] = probesuite.Fixture{Label: f.Label, Kind: kind, ArchiveZip: f.ArchiveZip}
	}

	result, err := probesuite.Run(r.Context(), b, s.artifacts, workspaceID, fixtures)
	if err != nil {
		writeError(w, err)
		return
	}

	for label, payload := range result.RawPayloads {
		_, _ = s.artifacts.Put(r.Context(), workspaceID, casstore.KindProbeRaw, payload, label)
	}

	capsBytes, _ := json.Marshal(result.Capabilities)
	capsArtifact, err := s.artifacts.Put(r.Context(), workspaceID, casstore.KindCapabilities, capsBytes, "capabilities.json")
	if err != nil {
		writeError(w, err)
		return
	}
	mappingBytes, _ := json.Marshal(result.MetricMapping)
	mappingArtifact, err := s.artifacts.Put(r.Context(), workspaceID, casstore.KindMetricMapping, mappingBytes, "metric_mapping.json")
	if err != nil {
		writeError(w, err)
		return
	}

	probeRunID := uuid.NewString()
	caps := store.Capabilities{
		WorkspaceID: workspaceID, CapabilitiesBlobID: capsArtifact.ID,
		MetricMappingBlobID: mappingArtifact.ID, ProbedAt: time.Now().UTC(), SourceProbeRunID: probeRunID,
	}
	if err := s.store.PutCapabilities(r.Context(), caps); err != nil {
		writeError(w, err)
		return
	}

	s.recordAudit(r.Context(), workspaceID, "capabilities_probed", map[string]any{"source_probe_run_id": probeRunID})
	writeJSON(w, http.StatusOK, caps)
}

func (s *Server) handlePostPromptPack(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body struct {
		LogicalID string `json:"logical_id"`
		Version   string `json:"version"`
		Content   []byte `json:"content"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, apierr.New(apierr.LimitExceeded, "malformed promptpack body"))
		return
	}
	var cases []any
	if err := json.Unmarshal(body.Content, &cases); err == nil {
		if err := limits.CheckCaseCount(len(cases)); err != nil {
			writeError(w, err)
			return
		}
	}
	pack := store.PromptPack{
		WorkspaceID: workspaceID, LogicalID: body.LogicalID, Version: body.Version,
		SHA256: sha256Hex(body.Content), Content: body.Content, Published: false,
	}
	if err := s.store.PutPromptPack(r.Context(), pack); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r.Context(), workspaceID, "promptpack_uploaded", map[string]any{"logical_id": pack.LogicalID, "version": pack.Version})
	writeJSON(w, http.StatusCreated, pack)
}

func (s *Server) handlePublishPromptPack(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	logicalID := chi.URLParam(r, "logicalID")
	version := chi.URLParam(r, "version")
	if err := s.store.PublishPromptPack(r.Context(), workspaceID, logicalID, version); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r.Context(), workspaceID, "promptpack_published", map[string]any{"logical_id": logicalID, "version": version})
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

type pipelineSpec struct {
	Name          string           `json:"name" yaml:"name"`
	DeviceMatrix  []string         `json:"device_matrix" yaml:"device_matrix"`
	PromptPackRef string           `json:"promptpack_ref" yaml:"promptpack_ref"`
	Gates         []store.Gate     `json:"gates" yaml:"gates"`
	RunPolicy     *store.RunPolicy `json:"run_policy" yaml:"run_policy"`
}

func (s *Server) handlePostPipeline(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body pipelineSpec
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, apierr.New(apierr.LimitExceeded, "malformed pipeline body"))
		return
	}
	s.createPipeline(w, r.Context(), workspaceID, body)
}

// handlePostPipelineYAML accepts the same pipeline shape as a YAML document —
// the form CI systems committing an `.edgegate.yml` alongside their repo
// would submit, rather than hand-building the JSON body.
func (s *Server) handlePostPipelineYAML(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		writeError(w, apierr.New(apierr.LimitExceeded, "unreadable pipeline yaml"))
		return
	}
	var body pipelineSpec
	if err := yaml.Unmarshal(raw, &body); err != nil {
		writeError(w, apierr.Wrap(apierr.LimitExceeded, "malformed pipeline yaml", err))
		return
	}
	s.createPipeline(w, r.Context(), workspaceID, body)
}

func (s *Server) createPipeline(w http.ResponseWriter, ctx context.Context, workspaceID string, body pipelineSpec) {
	if err := limits.CheckDeviceMatrix(body.DeviceMatrix); err != nil {
		writeError(w, err)
		return
	}
	policy := store.DefaultRunPolicy()
	if body.RunPolicy != nil {
		policy = *body.RunPolicy
	}
	if err := limits.CheckRunPolicy(policy); err != nil {
		writeError(w, err)
		return
	}

	deviceMatrixJSON, _ := json.Marshal(body.DeviceMatrix)
	gatesJSON, _ := json.Marshal(body.Gates)
	policyJSON, _ := json.Marshal(policy)

	pipeline := store.Pipeline{
		ID: uuid.NewString(), WorkspaceID: workspaceID, Name: body.Name,
		DeviceMatrixJSON: string(deviceMatrixJSON), PromptPackRef: body.PromptPackRef,
		GatesJSON: string(gatesJSON), RunPolicyJSON: string(policyJSON),
	}
	if err := s.store.CreatePipeline(ctx, pipeline); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(ctx, workspaceID, "pipeline_created", map[string]any{"pipeline_id": pipeline.ID})
	writeJSON(w, http.StatusCreated, pipeline)
}

func (s *Server) handlePostArtifact(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	kind := casstore.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = casstore.KindModel
	}
	filename := r.URL.Query().Get("filename")

	data, err := io.ReadAll(io.LimitReader(r.Body, casstore.MaxModelBytes+1))
	defer r.Body.Close()
	if err != nil {
		writeError(w, apierr.Wrap(apierr.LimitExceeded, "reading artifact body", err))
		return
	}
	if kind == casstore.KindModel {
		if _, err := packagevalidator.Validate(data); err != nil {
			writeError(w, err)
			return
		}
	}

	artifact, err := s.artifacts.Put(r.Context(), workspaceID, kind, data, filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handlePostRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	var body struct {
		PipelineID      string `json:"pipeline_id"`
		ModelArtifactID string `json:"model_artifact_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, apierr.New(apierr.LimitExceeded, "malformed run request"))
		return
	}
	s.createRun(w, r.Context(), workspaceID, body.PipelineID, body.ModelArtifactID, store.TriggerManual)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), workspaceID, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleGenerateCISecret mints a fresh CI ingress secret, seals it, stores
// it, and returns the plaintext exactly once (spec §4.9: "shown once").
func (s *Server) handleGenerateCISecret(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		writeError(w, apierr.Wrap(apierr.KeyUnavailable, "generating CI secret", err))
		return
	}
	secret := hex.EncodeToString(raw)

	sealed, err := s.envelope.Seal([]byte(secret))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.PutCISecret(r.Context(), workspaceID, sealed.Ciphertext, sealed.WrappedDEK); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(r.Context(), workspaceID, "ci_secret_rotated", nil)
	writeJSON(w, http.StatusCreated, map[string]string{"secret": secret})
}

// handleCIRun is the CI ingress entry point (spec §4.9/§6): verifies the
// HMAC envelope before touching anything else.
func (s *Server) handleCIRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		writeError(w, apierr.New(apierr.InvalidSignature, "unreadable request body"))
		return
	}

	req := ciauth.Request{
		WorkspaceID: workspaceID,
		Timestamp:   r.Header.Get("X-EdgeGate-Timestamp"),
		Nonce:       r.Header.Get("X-EdgeGate-Nonce"),
		Signature:   r.Header.Get("X-EdgeGate-Signature"),
		Body:        body,
	}
	if err := s.authn.Verify(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}

	var payload struct {
		PipelineID      string `json:"pipeline_id"`
		ModelArtifactID string `json:"model_artifact_id"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, apierr.New(apierr.LimitExceeded, "malformed CI run payload"))
		return
	}
	s.createRun(w, r.Context(), workspaceID, payload.PipelineID, payload.ModelArtifactID, store.TriggerCI)
}

func (s *Server) createRun(w http.ResponseWriter, ctx context.Context, workspaceID, pipelineID, modelArtifactID string, trigger store.Trigger) {
	if _, err := s.store.GetPipeline(ctx, workspaceID, pipelineID); err != nil {
		writeError(w, err)
		return
	}
	run := store.Run{
		ID: uuid.NewString(), WorkspaceID: workspaceID, PipelineID: pipelineID,
		Trigger: trigger, State: store.StateQueued, ModelArtifactID: modelArtifactID,
		NormalizedMetrics: "[]", GatesEval: "[]",
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.Enqueue(ctx, run.ID); err != nil {
		writeError(w, err)
		return
	}
	s.recordAudit(ctx, workspaceID, "run_queued", map[string]any{"run_id": run.ID, "trigger": string(trigger)})
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) recordAudit(ctx context.Context, workspaceID, eventType string, payload map[string]any) {
	_ = s.audit.Record(ctx, audit.Event{WorkspaceID: workspaceID, Actor: "api", Type: eventType, Payload: payload})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, ok := apierr.CodeOf(err)
	if !ok {
		code = apierr.SubmitFailed
	}
	status := apierr.HTTPStatus(code)
	writeJSON(w, status, map[string]string{"code": string(code), "detail": err.Error()})
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
