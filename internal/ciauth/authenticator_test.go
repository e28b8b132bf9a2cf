package ciauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/pkg/secretenvelope"
)

type memNonceStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemNonceStore() *memNonceStore {
	return &memNonceStore{seen: map[string]bool{}}
}

func (m *memNonceStore) Insert(_ context.Context, workspaceID, nonce string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workspaceID + "|" + nonce
	if m.seen[key] {
		return ErrReplay
	}
	m.seen[key] = true
	return nil
}

func sign(secret []byte, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestAuthenticator(t *testing.T, secret []byte) (*Authenticator, time.Time) {
	t.Helper()
	keyring, err := secretenvelope.NewMasterKeyring("k1", "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=")
	require.NoError(t, err)
	env := secretenvelope.New(keyring)
	sealed, err := env.Seal(secret)
	require.NoError(t, err)

	lookup := func(_ context.Context, workspaceID string) (secretenvelope.Sealed, bool, error) {
		if workspaceID != "ws1" {
			return secretenvelope.Sealed{}, false, nil
		}
		return sealed, true, nil
	}

	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	a := New(env, lookup, newMemNonceStore())
	a.now = func() time.Time { return fixedNow }
	return a, fixedNow
}

func TestVerifyAcceptsValidRequest(t *testing.T) {
	secret := []byte("super-secret-ci-key")
	a, now := newTestAuthenticator(t, secret)
	body := []byte(`{"hello":"world"}`)
	ts := now.Format(time.RFC3339)
	nonce := "n-1"

	req := Request{WorkspaceID: "ws1", Timestamp: ts, Nonce: nonce, Signature: sign(secret, ts, nonce, body), Body: body}
	require.NoError(t, a.Verify(context.Background(), req))
}

func TestVerifyRejectsReplay(t *testing.T) {
	secret := []byte("super-secret-ci-key")
	a, now := newTestAuthenticator(t, secret)
	body := []byte(`{}`)
	ts := now.Format(time.RFC3339)
	nonce := "n-replay"
	req := Request{WorkspaceID: "ws1", Timestamp: ts, Nonce: nonce, Signature: sign(secret, ts, nonce, body), Body: body}

	require.NoError(t, a.Verify(context.Background(), req))
	err := a.Verify(context.Background(), req)
	require.ErrorIs(t, err, ErrReplay)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := []byte("super-secret-ci-key")
	a, now := newTestAuthenticator(t, secret)
	body := []byte(`{}`)
	stale := now.Add(-5*time.Minute - time.Millisecond).Format(time.RFC3339)
	nonce := "n-stale"
	req := Request{WorkspaceID: "ws1", Timestamp: stale, Nonce: nonce, Signature: sign(secret, stale, nonce, body), Body: body}

	err := a.Verify(context.Background(), req)
	require.Error(t, err)
}

func TestVerifyAcceptsExactlyFiveMinuteSkew(t *testing.T) {
	secret := []byte("super-secret-ci-key")
	a, now := newTestAuthenticator(t, secret)
	body := []byte(`{}`)
	edge := now.Add(-5 * time.Minute).Format(time.RFC3339)
	nonce := "n-edge"
	req := Request{WorkspaceID: "ws1", Timestamp: edge, Nonce: nonce, Signature: sign(secret, edge, nonce, body), Body: body}

	require.NoError(t, a.Verify(context.Background(), req))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	secret := []byte("super-secret-ci-key")
	a, now := newTestAuthenticator(t, secret)
	body := []byte(`{}`)
	ts := now.Format(time.RFC3339)
	req := Request{WorkspaceID: "ws1", Timestamp: ts, Nonce: "n-bad", Signature: "deadbeef", Body: body}

	err := a.Verify(context.Background(), req)
	require.Error(t, err)
}

func TestVerifyRejectsUnknownWorkspace(t *testing.T) {
	secret := []byte("super-secret-ci-key")
	a, now := newTestAuthenticator(t, secret)
	body := []byte(`{}`)
	ts := now.Format(time.RFC3339)
	req := Request{WorkspaceID: "ws-unknown", Timestamp: ts, Nonce: "n-x", Signature: sign(secret, ts, "n-x", body), Body: body}

	err := a.Verify(context.Background(), req)
	require.Error(t, err)
}
