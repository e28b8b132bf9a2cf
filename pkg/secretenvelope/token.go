package secretenvelope

import (
	"github.com/awnumar/memguard"
)

// Token wraps a secret's plaintext so it can only ever render as
// "****"+last4. There is no method that returns the raw bytes except
// WithPlaintext, which hands them to a callback; the bytes stay in the
// mlock'd buffer until Close destroys it — this is the only sanctioned way
// to reach the compute-hub adapter
// with a live credential. Logging, JSON marshaling, or %v/%s formatting a
// Token can never leak more than the last 4 characters.
type Token struct {
	buf   *memguard.LockedBuffer
	last4 string
}

func newToken(plaintext []byte) *Token {
	t := &Token{buf: memguard.NewBufferFromBytes(plaintext)}
	if n := len(plaintext); n >= 4 {
		t.last4 = string(plaintext[n-4:])
	} else {
		t.last4 = string(plaintext)
	}
	return t
}

// Last4 returns the only substring of the secret ever exposed outside this
// package.
func (t *Token) Last4() string {
	if t == nil {
		return ""
	}
	return t.last4
}

// String implements fmt.Stringer with the redacted form; this is what every
// log call, error message, and struct dump will see.
func (t *Token) String() string {
	return "****" + t.Last4()
}

// WithPlaintext hands the live secret bytes to fn for the duration of the
// call only. fn must not retain the slice past return.
func (t *Token) WithPlaintext(fn func(plaintext []byte) error) error {
	if t == nil || t.buf == nil {
		return fn(nil)
	}
	return fn(t.buf.Bytes())
}

// Close destroys the mlock'd plaintext buffer. Workers must defer this
// immediately after Open returns a Token.
func (t *Token) Close() {
	if t == nil || t.buf == nil {
		return
	}
	t.buf.Destroy()
}
