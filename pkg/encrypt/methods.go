package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"sort"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"golang.org/x/crypto/chacha20"
)

// Method describes a stream cipher by name and key material sizes.
type Method struct {
	Name      string
	KeyLen    int
	IVLen     int
	newStream func(key, iv []byte) (cipher.Stream, error)
}

func newChaCha(key, iv []byte) (cipher.Stream, error) {
	// 12 byte nonce selects ChaCha20-IETF, 24 byte selects XChaCha20.
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

func newAESCTR(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

var methods = map[string]*Method{
	"chacha20-ietf": {Name: "chacha20-ietf", KeyLen: chacha20.KeySize, IVLen: chacha20.NonceSize, newStream: newChaCha},
	"xchacha20":     {Name: "xchacha20", KeyLen: chacha20.KeySize, IVLen: chacha20.NonceSizeX, newStream: newChaCha},
	"aes-128-ctr":   {Name: "aes-128-ctr", KeyLen: 16, IVLen: aes.BlockSize, newStream: newAESCTR},
	"aes-192-ctr":   {Name: "aes-192-ctr", KeyLen: 24, IVLen: aes.BlockSize, newStream: newAESCTR},
	"aes-256-ctr":   {Name: "aes-256-ctr", KeyLen: 32, IVLen: aes.BlockSize, newStream: newAESCTR},
}

// DefaultMethod is used when a relay configuration names none.
const DefaultMethod = "chacha20-ietf"

// Lookup returns the method registered under name.
func Lookup(name string) (*Method, error) {
	if name == "" {
		name = DefaultMethod
	}
	m, ok := methods[name]
	if !ok {
		return nil, nperrors.Errorf(nperrors.KindConfig, "unsupported cipher method %q", name)
	}
	return m, nil
}

// Methods lists the supported method names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for n := range methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
