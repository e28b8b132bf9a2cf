// Package casstore implements C2: the content-addressed, per-workspace-ACL'd
// artifact store. Bytes live in an S3-compatible object store (minio-go);
// the Artifact row (hash, size, ACL owner, retention) lives in Postgres.
package casstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/minio/minio-go/v7"

	"github.com/edgegate/edgegate/internal/apierr"
)

// MaxModelBytes is the hard limit on kind=model uploads (spec §4.2).
const MaxModelBytes = 500 * 1024 * 1024

// RetentionDays is the default artifact lifetime from creation (spec §3).
const RetentionDays = 30

// Store is C2. It owns both the object-store bucket and the Postgres
// artifacts table; every operation takes a workspaceID and enforces that
// reads/writes never cross tenant boundaries.
type Store struct {
	db     *sqlx.DB
	client *minio.Client
	bucket string
}

func New(db *sqlx.DB, client *minio.Client, bucket string) *Store {
	return &Store{db: db, client: client, bucket: bucket}
}

// Put stores bytes for workspaceID under kind, deduplicating identical bytes
// already owned by the same workspace.
func (s *Store) Put(ctx context.Context, workspaceID string, kind Kind, data []byte, filename string) (Artifact, error) {
	return s.PutStream(ctx, workspaceID, kind, bytes.NewReader(data), int64(len(data)), filename)
}

// PutStream streams reader into the object store, computing its SHA-256 as
// it goes so memory use stays bounded regardless of declaredSize.
func (s *Store) PutStream(ctx context.Context, workspaceID string, kind Kind, reader io.Reader, declaredSize int64, filename string) (Artifact, error) {
	if kind == KindModel && declaredSize > MaxModelBytes {
		return Artifact{}, apierr.New(apierr.LimitExceeded, "model artifact exceeds 500 MB")
	}

	h := sha256.New()
	limited := io.TeeReader(io.LimitReader(reader, MaxModelBytes+1), h)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return Artifact{}, err
	}
	if kind == KindModel && int64(len(buf)) > MaxModelBytes {
		return Artifact{}, apierr.New(apierr.LimitExceeded, "model artifact exceeds 500 MB")
	}
	shaHex := hex.EncodeToString(h.Sum(nil))

	if existing, err := s.LookupBySha(ctx, workspaceID, shaHex); err == nil {
		return existing, nil
	}

	key := StorageKey(shaHex, filename)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(buf), int64(len(buf)), minio.PutObjectOptions{})
	if err != nil {
		return Artifact{}, apierr.Wrap(apierr.IntegrityError, "writing object", err)
	}

	a := Artifact{
		ID:               uuid.NewString(),
		WorkspaceID:      workspaceID,
		Kind:             kind,
		SHA256:           shaHex,
		StorageURL:       key,
		Bytes:            int64(len(buf)),
		OriginalFilename: filename,
		CreatedAt:        time.Now().UTC(),
	}
	expires := a.CreatedAt.AddDate(0, 0, RetentionDays)
	a.ExpiresAt = &expires

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, workspace_id, kind, sha256, storage_url, bytes, original_filename, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.WorkspaceID, a.Kind, a.SHA256, a.StorageURL, a.Bytes, a.OriginalFilename, a.CreatedAt, a.ExpiresAt)
	if err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Get fetches an artifact's bytes, verifying the returned data still hashes
// to the row's recorded SHA-256.
func (s *Store) Get(ctx context.Context, workspaceID, artifactID string) ([]byte, error) {
	a, err := s.get(ctx, workspaceID, artifactID)
	if err != nil {
		return nil, err
	}
	if a.TombstonedAt != nil {
		return nil, apierr.New(apierr.NotFound, "artifact bytes expired")
	}
	obj, err := s.client.GetObject(ctx, s.bucket, a.StorageURL, minio.GetObjectOptions{})
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, "artifact object missing", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(data)
	if hex.EncodeToString(h[:]) != a.SHA256 {
		return nil, apierr.New(apierr.IntegrityError, "stored bytes do not match recorded sha256")
	}
	return data, nil
}

// Stat returns an artifact's row (hash, size, kind) without fetching its
// bytes — used wherever a caller needs the recorded SHA256 but not the
// object itself, e.g. evidence bundling.
func (s *Store) Stat(ctx context.Context, workspaceID, artifactID string) (Artifact, error) {
	return s.get(ctx, workspaceID, artifactID)
}

// LookupBySha returns the existing artifact with matching content in this
// workspace, if any.
func (s *Store) LookupBySha(ctx context.Context, workspaceID, sha256hex string) (Artifact, error) {
	var a Artifact
	err := s.db.GetContext(ctx, &a, `
		SELECT id, workspace_id, kind, sha256, storage_url, bytes, original_filename, created_at, expires_at, tombstoned_at
		FROM artifacts WHERE workspace_id = $1 AND sha256 = $2
	`, workspaceID, sha256hex)
	if err != nil {
		return Artifact{}, apierr.New(apierr.NotFound, "no artifact with that sha256")
	}
	return a, nil
}

// get is the cross-tenant-safe row lookup: a mismatched workspace always
// yields NOT_FOUND, never FORBIDDEN, so existence cannot leak (spec §4.2,
// invariant 7).
func (s *Store) get(ctx context.Context, workspaceID, artifactID string) (Artifact, error) {
	var a Artifact
	err := s.db.GetContext(ctx, &a, `
		SELECT id, workspace_id, kind, sha256, storage_url, bytes, original_filename, created_at, expires_at, tombstoned_at
		FROM artifacts WHERE id = $1 AND workspace_id = $2
	`, artifactID, workspaceID)
	if err != nil {
		return Artifact{}, apierr.New(apierr.NotFound, "artifact not found")
	}
	return a, nil
}

// ExpireOlderThan tombstones artifacts created before cutoff, deleting the
// underlying bytes but retaining the row so old bundle hash references stay
// attributable. The only artifacts it spares are those that are themselves
// some run's bundle_artifact_id; artifacts a bundle refers to (model,
// payloads) are not looked up and are expired like any other.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, workspace_id, kind, sha256, storage_url, bytes, original_filename, created_at, expires_at, tombstoned_at
		FROM artifacts
		WHERE created_at < $1 AND tombstoned_at IS NULL
		AND id NOT IN (SELECT bundle_artifact_id FROM runs WHERE bundle_artifact_id IS NOT NULL)
	`, cutoff)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var expired []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.StructScan(&a); err != nil {
			return 0, err
		}
		expired = append(expired, a)
	}

	n := 0
	for _, a := range expired {
		_ = s.client.RemoveObject(ctx, s.bucket, a.StorageURL, minio.RemoveObjectOptions{})
		now := time.Now().UTC()
		if _, err := s.db.ExecContext(ctx, `UPDATE artifacts SET tombstoned_at = $1 WHERE id = $2`, now, a.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
