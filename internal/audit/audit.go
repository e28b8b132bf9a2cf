// Package audit writes the append-only, strictly ordered audit trail
// described in spec §5. Every write goes through Writer so structured
// logging (zap, per the ambient stack) and the durable trail never drift
// apart — the same event that lands in Postgres is also emitted as a log
// line, mirroring how the teacher pairs store writes with zap fields.
package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/store"
)

// Writer appends audit events. Ordering is enforced by the database
// (monotonic_seq is a BIGSERIAL), never by the caller.
type Writer struct {
	store *store.Store
	log   *zap.Logger
}

func New(s *store.Store, log *zap.Logger) *Writer {
	return &Writer{store: s, log: log}
}

// Event is the caller-facing shape; Payload must never carry a raw secret —
// callers pass token_last4, never plaintext (spec §5, §9 open question 2).
type Event struct {
	WorkspaceID string
	Actor       string
	Type        string
	Payload     map[string]any
}

func (w *Writer) Record(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	row := store.AuditEvent{
		ID:          uuid.NewString(),
		WorkspaceID: e.WorkspaceID,
		Actor:       e.Actor,
		EventType:   e.Type,
		Payload:     string(payload),
	}
	if err := w.store.AppendAuditEvent(ctx, row); err != nil {
		return err
	}
	w.log.Info("audit_event",
		zap.String("workspace_id", e.WorkspaceID),
		zap.String("actor", e.Actor),
		zap.String("event_type", e.Type),
	)
	return nil
}
