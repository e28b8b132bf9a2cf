package evidence

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalizeIsIdempotent(t *testing.T) {
	v := map[string]any{"b": 1, "a": []any{3, 2, 1}, "c": map[string]any{"z": 1, "y": 2}}
	once, err := Canonicalize(v)
	require.NoError(t, err)

	var reparsed any
	require.NoError(t, json.Unmarshal(once, &reparsed))
	twice, err := Canonicalize(reparsed)
	require.NoError(t, err)

	require.Equal(t, once, twice)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	summaryBytes, err := Canonicalize(map[string]any{"run_id": "r1", "status": "passed"})
	require.NoError(t, err)

	sig := ed25519.Sign(priv, summaryBytes)
	require.True(t, Verify(pub, summaryBytes, sig))
	require.False(t, Verify(pub, append(summaryBytes, '!'), sig))
}
