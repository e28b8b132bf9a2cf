// Package ciauth implements C9: HMAC-SHA256 + timestamp + single-use nonce
// verification for webhook-triggered runs. The core signature check is a
// direct descendant of the teacher's githubapp.VerifyWebhook/verifySig
// (fixed GitHub secret, sha256= header) generalized to a per-workspace
// secret sealed via the secret envelope and a generic header set.
package ciauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/apierr"
	"github.com/edgegate/edgegate/pkg/secretenvelope"
)

// MaxClockSkew is the ±5 minute tolerance on the Timestamp header (spec §4.9,
// boundary behavior: exactly 5:00 accepted, 5:00.001 rejected).
const MaxClockSkew = 5 * time.Minute

// MaxNonceLen is the header length cap (spec §4.9).
const MaxNonceLen = 64

// NonceTTL is how long an accepted nonce occupies the replay table.
const NonceTTL = 5 * time.Minute

// Request is the parsed form of the four CI ingress headers (spec §6):
// X-EdgeGate-Workspace, X-EdgeGate-Timestamp, X-EdgeGate-Nonce,
// X-EdgeGate-Signature.
type Request struct {
	WorkspaceID string
	Timestamp   string // ISO-8601 UTC, as received
	Nonce       string
	Signature   string // hex HMAC-SHA256
	Body        []byte
}

// SecretLookup resolves a workspace's current CI secret, sealed via the
// secret envelope (spec §9 open question 2: envelope-sealed plaintext, not
// hash-only, since verification needs the live secret for HMAC comparison).
type SecretLookup func(ctx context.Context, workspaceID string) (secretenvelope.Sealed, bool, error)

// NonceStore records a single-use (workspace, nonce) pair. Insert must fail
// with ErrReplay on a duplicate — callers rely on a unique DB constraint,
// not a check-then-insert race.
type NonceStore interface {
	Insert(ctx context.Context, workspaceID, nonce string, expiresAt time.Time) error
}

// ErrReplay is returned by NonceStore.Insert on a duplicate (workspace, nonce).
var ErrReplay = apierr.New(apierr.Replay, "nonce already used for this workspace")

// Authenticator is C9.
type Authenticator struct {
	envelope *secretenvelope.Envelope
	secrets  SecretLookup
	nonces   NonceStore
	now      func() time.Time
}

func New(envelope *secretenvelope.Envelope, secrets SecretLookup, nonces NonceStore) *Authenticator {
	return &Authenticator{envelope: envelope, secrets: secrets, nonces: nonces, now: time.Now}
}

// Verify checks r against spec §4.9's rules in order: workspace header
// present, nonce shape, timestamp skew, workspace has a CI secret,
// signature, then records the nonce.
func (a *Authenticator) Verify(ctx context.Context, r Request) error {
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return apierr.New(apierr.UnknownWorkspace, "missing workspace header")
	}
	if len(r.Nonce) == 0 || len(r.Nonce) > MaxNonceLen {
		return apierr.New(apierr.InvalidSignature, "nonce missing or too long")
	}

	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(r.Timestamp))
	if err != nil {
		return apierr.Wrap(apierr.StaleTimestamp, "unparseable timestamp", err)
	}
	skew := a.now().UTC().Sub(ts.UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew {
		return apierr.New(apierr.StaleTimestamp, "timestamp outside ±5 minute window")
	}

	sealed, ok, err := a.secrets(ctx, r.WorkspaceID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.New(apierr.UnknownWorkspace, "no CI secret configured for workspace")
	}
	token, err := a.envelope.Open(sealed)
	if err != nil {
		return apierr.Wrap(apierr.InvalidSignature, "opening CI secret", err)
	}
	defer token.Close()

	var sigErr error
	_ = token.WithPlaintext(func(secret []byte) error {
		if !validSignature(r, secret) {
			sigErr = apierr.New(apierr.InvalidSignature, "HMAC does not match")
		}
		return nil
	})
	if sigErr != nil {
		return sigErr
	}

	expiresAt := ts.Add(NonceTTL)
	if err := a.nonces.Insert(ctx, r.WorkspaceID, r.Nonce, expiresAt); err != nil {
		return err
	}
	return nil
}

// validSignature recomputes hex(HMAC-SHA256(key, timestamp+"\n"+nonce+"\n"+body))
// and compares it to r.Signature in constant time.
func validSignature(r Request, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(r.Timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(r.Nonce))
	mac.Write([]byte("\n"))
	mac.Write(r.Body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.ToLower(strings.TrimSpace(r.Signature))
	return hmac.Equal([]byte(want), []byte(got))
}
