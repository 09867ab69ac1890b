// Package encrypt implements the stateful stream transforms used by the
// encrypted relay tunnel. Both directions keep their own key stream position,
// so callers may hand in buffers of any size and in any chunking as long as
// the order of bytes is preserved.
package encrypt

import (
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"io"

	nperrors "github.com/pshima/natproxy/internal/errors"
)

// Encryptor transforms buffers in place. State carries over between calls.
type Encryptor interface {
	Encrypt(b []byte)
	Decrypt(b []byte)
}

// Cipher is an Encryptor with one stream per direction. It is not safe for
// concurrent use by multiple goroutines in the same direction; the encrypt
// and decrypt sides may be driven concurrently.
type Cipher struct {
	method *Method
	key    []byte
	encIV  []byte
	enc    cipher.Stream
	dec    cipher.Stream
}

// New creates a cipher for method, deriving the key from password and picking
// a random encryption IV. The decryption IV arrives from the peer later via
// SetDecryptIV.
func New(method, password string) (*Cipher, error) {
	m, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, m.IVLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	return newCipher(m, KeyFromPassword(password, m.KeyLen), iv)
}

// NewWithIV creates a cipher with explicit key material. decIV may be nil.
func NewWithIV(method string, key, encIV, decIV []byte) (*Cipher, error) {
	m, err := Lookup(method)
	if err != nil {
		return nil, err
	}
	if len(key) != m.KeyLen {
		return nil, nperrors.Errorf(nperrors.KindConfig, "%s: key must be %d bytes, got %d", m.Name, m.KeyLen, len(key))
	}
	c, err := newCipher(m, key, encIV)
	if err != nil {
		return nil, err
	}
	if decIV != nil {
		if err := c.SetDecryptIV(decIV); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newCipher(m *Method, key, iv []byte) (*Cipher, error) {
	if len(iv) != m.IVLen {
		return nil, nperrors.Errorf(nperrors.KindConfig, "%s: iv must be %d bytes, got %d", m.Name, m.IVLen, len(iv))
	}
	enc, err := m.newStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &Cipher{
		method: m,
		key:    append([]byte(nil), key...),
		encIV:  append([]byte(nil), iv...),
		enc:    enc,
	}, nil
}

// Method returns the cipher method description.
func (c *Cipher) Method() *Method { return c.method }

// IV returns the encryption IV that must be sent to the peer first.
func (c *Cipher) IV() []byte { return c.encIV }

// SetDecryptIV initializes the decrypt stream from the IV the peer sent.
func (c *Cipher) SetDecryptIV(iv []byte) error {
	if len(iv) != c.method.IVLen {
		return nperrors.Errorf(nperrors.KindProtocol, "%s: peer iv must be %d bytes, got %d", c.method.Name, c.method.IVLen, len(iv))
	}
	dec, err := c.method.newStream(c.key, iv)
	if err != nil {
		return err
	}
	c.dec = dec
	return nil
}

// HasDecryptIV reports whether SetDecryptIV has been called.
func (c *Cipher) HasDecryptIV() bool { return c.dec != nil }

func (c *Cipher) Encrypt(b []byte) {
	c.enc.XORKeyStream(b, b)
}

// Decrypt panics if the decrypt IV has not been set yet.
func (c *Cipher) Decrypt(b []byte) {
	if c.dec == nil {
		panic("encrypt: Decrypt before SetDecryptIV")
	}
	c.dec.XORKeyStream(b, b)
}

// Close wipes the retained key. Streams already created keep working;
// SetDecryptIV must not be called afterwards.
func (c *Cipher) Close() {
	clear(c.key)
}

// KeyFromPassword derives keyLen bytes from password the way OpenSSL's
// EVP_BytesToKey does with MD5 and no salt.
func KeyFromPassword(password string, keyLen int) []byte {
	var (
		key  = make([]byte, 0, keyLen+md5.Size)
		prev []byte
	)
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}
