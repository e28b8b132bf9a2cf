// Package secretenvelope implements C1: per-record data-key envelope
// encryption for backend integration tokens. Every sealed record gets a
// fresh 256-bit DEK; the DEK is wrapped under a versioned master key so
// master-key rotation never requires re-encrypting stored ciphertext.
package secretenvelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/edgegate/edgegate/internal/apierr"
)

const dekSize = 32 // 256-bit AES-GCM key

// Sealed is the on-disk/ciphertext form of a sealed secret: the ciphertext
// itself and the wrapped DEK. Both are safe to persist and log (the DEK is
// useless without the master key).
type Sealed struct {
	Ciphertext []byte
	WrappedDEK []byte
}

// MasterKeyring holds every master key version the envelope may need to
// unwrap a DEK with — the active key for sealing, and any retired keys kept
// around so old records still open after rotation. Keys live only as
// memguard.LockedBuffer, mlock'd and wiped on Destroy/process exit; they are
// never copied into a plain []byte outside this package.
type MasterKeyring struct {
	mu     sync.RWMutex
	active string
	keys   map[string]*memguard.LockedBuffer // keyID -> 32-byte master key
}

// NewMasterKeyring builds a keyring whose active key is activeID, decoded
// from base64. Additional retired keys can be added with AddRetired.
func NewMasterKeyring(activeID, activeKeyB64 string) (*MasterKeyring, error) {
	kr := &MasterKeyring{keys: map[string]*memguard.LockedBuffer{}}
	if err := kr.add(activeID, activeKeyB64); err != nil {
		return nil, err
	}
	kr.active = activeID
	return kr, nil
}

// AddRetired registers a previous master key version so ciphertext sealed
// under it can still be opened. Rotation never removes a key in place —
// it only changes which key is active.
func (kr *MasterKeyring) AddRetired(keyID, keyB64 string) error {
	return kr.add(keyID, keyB64)
}

func (kr *MasterKeyring) add(keyID, keyB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return apierr.Wrap(apierr.KeyUnavailable, "master key is not valid base64", err)
	}
	if len(raw) < dekSize {
		return apierr.New(apierr.KeyUnavailable, "master key must be at least 32 bytes")
	}
	// AES-256 takes exactly 32 bytes; only the first 32 are kept.
	buf := memguard.NewBufferFromBytes(raw[:dekSize])
	zero(raw[dekSize:])
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.keys[keyID] = buf
	return nil
}

func (kr *MasterKeyring) keyFor(keyID string) (*memguard.LockedBuffer, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	buf, ok := kr.keys[keyID]
	if !ok {
		return nil, apierr.New(apierr.KeyUnavailable, "master key not loaded: "+keyID)
	}
	return buf, nil
}

// ActiveKeyID returns the key ID new seals are wrapped under.
func (kr *MasterKeyring) ActiveKeyID() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active
}

// Envelope seals and opens secrets against a MasterKeyring.
type Envelope struct {
	keyring *MasterKeyring
}

func New(keyring *MasterKeyring) *Envelope {
	return &Envelope{keyring: keyring}
}

// Seal generates a fresh DEK, encrypts plaintext with AES-256-GCM under it,
// and wraps the DEK under the keyring's active master key.
func (e *Envelope) Seal(plaintext []byte) (Sealed, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return Sealed{}, apierr.Wrap(apierr.KeyUnavailable, "generating DEK", err)
	}
	defer zero(dek)

	ciphertext, err := aesGCMSeal(dek, plaintext)
	if err != nil {
		return Sealed{}, apierr.Wrap(apierr.DecryptFailed, "sealing plaintext under DEK", err)
	}

	master, err := e.keyring.keyFor(e.keyring.ActiveKeyID())
	if err != nil {
		return Sealed{}, err
	}
	wrapped, err := aesGCMSeal(master.Bytes(), dek)
	if err != nil {
		return Sealed{}, apierr.Wrap(apierr.DecryptFailed, "wrapping DEK", err)
	}

	keyID := e.keyring.ActiveKeyID()
	return Sealed{
		Ciphertext: ciphertext,
		WrappedDEK: stampKeyID(keyID, wrapped),
	}, nil
}

// Open unwraps the DEK and decrypts the ciphertext, returning a Token whose
// plaintext lives in an mlock'd buffer that the caller must Close.
func (e *Envelope) Open(s Sealed) (*Token, error) {
	keyID, wrapped, err := unstampKeyID(s.WrappedDEK)
	if err != nil {
		return nil, apierr.Wrap(apierr.DecryptFailed, "malformed wrapped DEK", err)
	}
	master, err := e.keyring.keyFor(keyID)
	if err != nil {
		return nil, err
	}
	dek, err := aesGCMOpen(master.Bytes(), wrapped)
	if err != nil {
		return nil, apierr.Wrap(apierr.DecryptFailed, "unwrapping DEK", err)
	}
	defer zero(dek)

	plaintext, err := aesGCMOpen(dek, s.Ciphertext)
	if err != nil {
		return nil, apierr.Wrap(apierr.DecryptFailed, "opening ciphertext", err)
	}
	return newToken(plaintext), nil
}

// stampKeyID/unstampKeyID prefix the wrapped DEK with a length-delimited key
// ID so rotation can tell which master key to use without a side table.
func stampKeyID(keyID string, wrapped []byte) []byte {
	idb := []byte(keyID)
	out := make([]byte, 2+len(idb)+len(wrapped))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(idb)))
	copy(out[2:], idb)
	copy(out[2+len(idb):], wrapped)
	return out
}

func unstampKeyID(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, errors.New("wrapped DEK too short")
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return "", nil, errors.New("wrapped DEK truncated")
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

func aesGCMSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMOpen(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
