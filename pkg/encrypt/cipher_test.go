package encrypt

import (
	"bytes"
	"crypto/md5"
	"math/rand"
	"testing"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns two ciphers wired back to back: a's encrypt IV is b's decrypt
// IV and vice versa.
func pair(t *testing.T, method string) (*Cipher, *Cipher) {
	t.Helper()
	a, err := New(method, "secret")
	require.NoError(t, err)
	b, err := New(method, "secret")
	require.NoError(t, err)
	require.NoError(t, a.SetDecryptIV(b.IV()))
	require.NoError(t, b.SetDecryptIV(a.IV()))
	return a, b
}

// chunked applies fn to b in random sized pieces.
func chunked(r *rand.Rand, b []byte, fn func([]byte)) {
	for len(b) > 0 {
		n := 1 + r.Intn(len(b))
		fn(b[:n])
		b = b[n:]
	}
}

func TestRoundTripArbitraryChunks(t *testing.T) {
	for _, method := range Methods() {
		t.Run(method, func(t *testing.T) {
			a, b := pair(t, method)
			r := rand.New(rand.NewSource(1))

			plain := make([]byte, 4096)
			r.Read(plain)
			buf := append([]byte(nil), plain...)

			chunked(r, buf, a.Encrypt)
			assert.NotEqual(t, plain, buf)
			chunked(r, buf, b.Decrypt)
			assert.Equal(t, plain, buf)

			// Second message continues the key stream.
			msg := []byte("second message")
			c := append([]byte(nil), msg...)
			a.Encrypt(c)
			b.Decrypt(c)
			assert.Equal(t, msg, c)
		})
	}
}

func TestChunkingDoesNotChangeCiphertext(t *testing.T) {
	key := KeyFromPassword("pw", 32)
	iv := bytes.Repeat([]byte{7}, 12)
	whole, err := NewWithIV("chacha20-ietf", key, iv, nil)
	require.NoError(t, err)
	pieces, err := NewWithIV("chacha20-ietf", key, iv, nil)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("abcdefgh"), 100)
	x := append([]byte(nil), data...)
	y := append([]byte(nil), data...)
	whole.Encrypt(x)
	chunked(rand.New(rand.NewSource(42)), y, pieces.Encrypt)
	assert.Equal(t, x, y)
}

func TestNewWithIVValidation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		key    []byte
		iv     []byte
		kind   nperrors.Kind
	}{
		{"unknown method", "rc4-md5", make([]byte, 16), make([]byte, 16), nperrors.KindConfig},
		{"short key", "aes-256-ctr", make([]byte, 16), make([]byte, 16), nperrors.KindConfig},
		{"short iv", "xchacha20", make([]byte, 32), make([]byte, 12), nperrors.KindConfig},
		{"bad peer iv", "aes-128-ctr", make([]byte, 16), make([]byte, 16), nperrors.KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decIV []byte
			if tt.kind == nperrors.KindProtocol {
				decIV = []byte{1, 2, 3}
			}
			_, err := NewWithIV(tt.method, tt.key, tt.iv, decIV)
			require.Error(t, err)
			assert.Equal(t, tt.kind, nperrors.GetKind(err))
		})
	}
}

func TestDecryptBeforeIVPanics(t *testing.T) {
	c, err := New("aes-128-ctr", "x")
	require.NoError(t, err)
	assert.False(t, c.HasDecryptIV())
	assert.Panics(t, func() { c.Decrypt([]byte{1}) })
}

func TestDefaultMethod(t *testing.T) {
	m, err := Lookup("")
	require.NoError(t, err)
	assert.Equal(t, DefaultMethod, m.Name)
}

func TestKeyFromPassword(t *testing.T) {
	first := md5.Sum([]byte("foobar"))
	h := md5.New()
	h.Write(first[:])
	h.Write([]byte("foobar"))
	second := h.Sum(nil)

	key := KeyFromPassword("foobar", 32)
	assert.Len(t, key, 32)
	assert.Equal(t, first[:], key[:16])
	assert.Equal(t, second, key[16:])

	assert.Equal(t, first[:], KeyFromPassword("foobar", 16))
	assert.Len(t, KeyFromPassword("foobar", 24), 24)
}

func TestClose(t *testing.T) {
	c, err := New("chacha20-ietf", "pw")
	require.NoError(t, err)
	c.Close()
	assert.Equal(t, make([]byte, 32), c.key)
}
