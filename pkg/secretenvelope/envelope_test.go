package secretenvelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testMasterKeyB64 = "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE="

func TestSealOpenRoundTrip(t *testing.T) {
	kr, err := NewMasterKeyring("k1", testMasterKeyB64)
	require.NoError(t, err)
	env := New(kr)

	plaintext := []byte("qai-hub-token-abcdef123456")
	sealed, err := env.Seal(plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, sealed.Ciphertext)
	require.NotEmpty(t, sealed.WrappedDEK)

	token, err := env.Open(sealed)
	require.NoError(t, err)
	defer token.Close()

	var got []byte
	require.NoError(t, token.WithPlaintext(func(p []byte) error {
		got = append([]byte(nil), p...)
		return nil
	}))
	require.Equal(t, plaintext, got)
	require.Equal(t, "****3456", token.String())
}

func TestOpenAfterRotationStillWorks(t *testing.T) {
	kr, err := NewMasterKeyring("k1", testMasterKeyB64)
	require.NoError(t, err)
	env := New(kr)

	sealed, err := env.Seal([]byte("old-token-value"))
	require.NoError(t, err)

	// Rotate: k2 becomes active, k1 retired but still loaded.
	kr2, err := NewMasterKeyring("k2", "MTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTI=")
	require.NoError(t, err)
	require.NoError(t, kr2.AddRetired("k1", testMasterKeyB64))
	env2 := New(kr2)

	token, err := env2.Open(sealed)
	require.NoError(t, err)
	defer token.Close()

	var got []byte
	require.NoError(t, token.WithPlaintext(func(p []byte) error {
		got = append([]byte(nil), p...)
		return nil
	}))
	require.Equal(t, []byte("old-token-value"), got)
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	kr, err := NewMasterKeyring("k1", testMasterKeyB64)
	require.NoError(t, err)
	env := New(kr)

	sealed, err := env.Seal([]byte("token"))
	require.NoError(t, err)
	sealed.Ciphertext[0] ^= 0xFF

	_, err = env.Open(sealed)
	require.Error(t, err)
}

func TestOpenFailsOnUnknownMasterKey(t *testing.T) {
	kr, err := NewMasterKeyring("k1", testMasterKeyB64)
	require.NoError(t, err)
	env := New(kr)
	sealed, err := env.Seal([]byte("token"))
	require.NoError(t, err)

	kr2, err := NewMasterKeyring("k2", "MTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTI=")
	require.NoError(t, err)
	env2 := New(kr2)

	_, err = env2.Open(sealed)
	require.Error(t, err)
}
