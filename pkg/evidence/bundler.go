// Package evidence implements C7: assembling and Ed25519-signing the
// evidence bundle a run produces. The zip is built on disk with
// mholt/archiver/v3, and every other file in the bundle is listed in
// artifacts.json with its SHA-256 so its integrity is independently
// checkable.
package evidence

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"

	"github.com/edgegate/edgegate/internal/apierr"
)

// SigningKey is the active Ed25519 key pair used to sign bundles. The
// private key is loaded once at process start from SIGNING_PRIVATE_KEY_PATH
// (spec §6) and never mutated; rotation creates a new KeyID, it never edits
// this one in place (spec §9).
type SigningKey struct {
	KeyID      string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Input is everything the bundler needs to assemble one run's evidence.
type Input struct {
	WorkspaceID, PipelineID, RunID string
	ModelArtifactID, ModelSHA256   string
	PromptPackID, PromptPackVersion, PromptPackSHA256 string
	Devices                        []DeviceRef
	CapabilitiesRef, MetricMappingRef string
	Status                         string
	NormalizedMetrics, GatesEvaluation []any

	RawFiles        map[string][]byte // path under raw/ -> bytes
	MappingFiles    map[string][]byte // path under mapping/ -> bytes
	CapabilityFiles map[string][]byte // path under capabilities/ -> bytes
}

// Bundle is the built, signed artifact: the zip bytes plus the summary the
// caller may want to inspect without re-opening the zip.
type Bundle struct {
	ZipBytes []byte
	Summary  Summary
}

// Build assembles summary.json, signs it, renders report.html, computes
// artifacts.json over every file, and zips the lot.
func Build(key SigningKey, in Input) (Bundle, error) {
	summary := Summary{
		BundleVersion: "1.0",
		WorkspaceID:   in.WorkspaceID,
		PipelineID:    in.PipelineID,
		RunID:         in.RunID,
		CreatedAt:     nowRFC3339(),
	}
	summary.Inputs.Model.ArtifactID = in.ModelArtifactID
	summary.Inputs.Model.SHA256 = in.ModelSHA256
	summary.Inputs.PromptPack.PromptPackID = in.PromptPackID
	summary.Inputs.PromptPack.Version = in.PromptPackVersion
	summary.Inputs.PromptPack.SHA256 = in.PromptPackSHA256
	summary.Inputs.Devices = in.Devices
	summary.CapabilitiesRef = in.CapabilitiesRef
	summary.MetricMappingRef = in.MetricMappingRef
	summary.Results.Status = in.Status
	summary.Results.NormalizedMetrics = in.NormalizedMetrics
	summary.Results.GatesEvaluation = in.GatesEvaluation
	summary.Signing.Algo = "ed25519"
	summary.Signing.PublicKeyID = key.KeyID

	summaryBytes, err := Canonicalize(summary)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.BundleFailed, "canonicalizing summary.json", err)
	}
	sig := ed25519.Sign(key.PrivateKey, summaryBytes)

	stage, err := os.MkdirTemp("", "edgegate-bundle-*")
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.BundleFailed, "staging bundle", err)
	}
	defer os.RemoveAll(stage)

	files := map[string][]byte{
		"summary.json": summaryBytes,
		"summary.sig":  sig,
		"report.html":  renderReportHTML(summary),
	}
	for name, data := range in.RawFiles {
		files[filepath.Join("raw", name)] = data
	}
	for name, data := range in.MappingFiles {
		files[filepath.Join("mapping", name)] = data
	}
	for name, data := range in.CapabilityFiles {
		files[filepath.Join("capabilities", name)] = data
	}

	var artifactList []FileHash
	var sources []string
	seen := map[string]bool{}
	for path, data := range files {
		full := filepath.Join(stage, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return Bundle{}, apierr.Wrap(apierr.BundleFailed, "staging "+path, err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return Bundle{}, apierr.Wrap(apierr.BundleFailed, "writing "+path, err)
		}
		h := sha256.Sum256(data)
		artifactList = append(artifactList, FileHash{Path: path, SHA256: hex.EncodeToString(h[:]), Bytes: int64(len(data))})
		// Archive top-level entries only: archiver stores a plain file under
		// its base name but a directory with its relative paths, so raw/,
		// mapping/ and capabilities/ keep their subtree in the zip.
		top := strings.SplitN(filepath.ToSlash(path), "/", 2)[0]
		if !seen[top] {
			seen[top] = true
			sources = append(sources, filepath.Join(stage, top))
		}
	}

	artifactsJSON, err := json.MarshalIndent(artifactList, "", "  ")
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.BundleFailed, "encoding artifacts.json", err)
	}
	artifactsPath := filepath.Join(stage, "artifacts.json")
	if err := os.WriteFile(artifactsPath, artifactsJSON, 0o644); err != nil {
		return Bundle{}, apierr.Wrap(apierr.BundleFailed, "writing artifacts.json", err)
	}
	sources = append(sources, artifactsPath)

	zipPath := filepath.Join(stage, "evidence.zip")
	if err := archiver.NewZip().Archive(sources, zipPath); err != nil {
		return Bundle{}, apierr.Wrap(apierr.BundleFailed, "zipping bundle", err)
	}
	zipBytes, err := os.ReadFile(zipPath)
	if err != nil {
		return Bundle{}, apierr.Wrap(apierr.BundleFailed, "reading assembled zip", err)
	}

	return Bundle{ZipBytes: zipBytes, Summary: summary}, nil
}

// Verify checks that sig is a valid Ed25519 signature over summaryBytes
// under pub. This is the entirety of what a third party needs: summary.json,
// summary.sig, and the public key from GET /v1/signing-keys/{key_id}.
func Verify(pub ed25519.PublicKey, summaryBytes, sig []byte) bool {
	return ed25519.Verify(pub, summaryBytes, sig)
}

func renderReportHTML(s Summary) []byte {
	return []byte(fmt.Sprintf(`<!doctype html>
<html><head><meta charset="utf-8"><title>EdgeGate run %s</title></head>
<body>
<h1>Run %s — %s</h1>
<p>Workspace: %s — Pipeline: %s</p>
<p>Status: <strong>%s</strong></p>
</body></html>
`, s.RunID, s.RunID, s.CreatedAt, s.WorkspaceID, s.PipelineID, s.Results.Status))
}
