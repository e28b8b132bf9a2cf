package casstore

import "time"

// Kind enumerates the artifact kinds the store tracks (spec §3 Artifact).
type Kind string

const (
	KindModel          Kind = "model"
	KindPromptPackJSON Kind = "promptpack_json"
	KindProbeRaw       Kind = "probe_raw"
	KindBundle         Kind = "bundle"
	KindJobSpec        Kind = "job_spec"
	KindCapabilities   Kind = "capabilities"
	KindMetricMapping  Kind = "metric_mapping"
)

// Artifact mirrors spec §3's Artifact entity.
type Artifact struct {
	ID               string     `db:"id"`
	WorkspaceID      string     `db:"workspace_id"`
	Kind             Kind       `db:"kind"`
	SHA256           string     `db:"sha256"`
	StorageURL       string     `db:"storage_url"`
	Bytes            int64      `db:"bytes"`
	OriginalFilename string     `db:"original_filename"`
	CreatedAt        time.Time  `db:"created_at"`
	ExpiresAt        *time.Time `db:"expires_at"`
	TombstonedAt     *time.Time `db:"tombstoned_at"`
}

// StorageKey is the object-store key for an artifact's bytes, per spec §6:
// artifacts/{sha256}/{filename}.
func StorageKey(sha256hex, filename string) string {
	if filename == "" {
		filename = "blob"
	}
	return "artifacts/" + sha256hex + "/" + filename
}
