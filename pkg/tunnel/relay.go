package tunnel

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/pkg/encrypt"
	"golang.org/x/net/proxy"
)

// SOCKS address types used in the relay request header.
const (
	atypIPv4   = 1
	atypDomain = 3
	atypIPv6   = 4
)

// EncryptedRelay carries the stream through a relay server. The client sends
// its IV followed by the encrypted target address and then encrypted payload;
// the relay replies with its own IV followed by encrypted payload.
type EncryptedRelay struct {
	*Raw
	cfg    Config
	cipher *encrypt.Cipher

	mu     sync.Mutex // guards cipher setup against Close
	closed bool
	wbuf   []byte
}

func NewEncryptedRelay(cfg Config, dest Destination, dialer proxy.ContextDialer) *EncryptedRelay {
	return &EncryptedRelay{
		Raw: newRawTo(dest, cfg.Address, dialer),
		cfg: cfg,
	}
}

// AddressHeader encodes dest as ATYP || address || port.
func AddressHeader(dest Destination) ([]byte, error) {
	var b []byte
	switch {
	case dest.Host != "":
		if len(dest.Host) > 255 {
			return nil, nperrors.Errorf(nperrors.KindProtocol, "host name too long: %d bytes", len(dest.Host))
		}
		b = append(b, atypDomain, byte(len(dest.Host)))
		b = append(b, dest.Host...)
	case dest.IP.Is4():
		a := dest.IP.As4()
		b = append(append(b, atypIPv4), a[:]...)
	case dest.IP.Is6():
		a := dest.IP.As16()
		b = append(append(b, atypIPv6), a[:]...)
	default:
		return nil, nperrors.New(nperrors.KindProtocol, "destination has neither host nor ip")
	}
	return binary.BigEndian.AppendUint16(b, dest.Port), nil
}

func (e *EncryptedRelay) Connect(ctx context.Context) error {
	c, err := encrypt.New(e.cfg.Method, e.cfg.Password)
	if err != nil {
		return err
	}
	hdr, err := AddressHeader(e.dest)
	if err != nil {
		return err
	}
	if err := e.Raw.Connect(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.cipher = c
	e.mu.Unlock()

	c.Encrypt(hdr)
	msg := append(append([]byte(nil), c.IV()...), hdr...)
	if _, err := e.Raw.Write(msg); err != nil {
		e.Close()
		return nperrors.Wrapf(err, nperrors.KindHandshake, "relay %s", e.cfg.Address)
	}
	return nil
}

func (e *EncryptedRelay) Write(b []byte) (int, error) {
	if e.cipher == nil {
		return 0, net.ErrClosed
	}
	if cap(e.wbuf) < len(b) {
		e.wbuf = make([]byte, len(b))
	}
	buf := e.wbuf[:len(b)]
	copy(buf, b)
	e.cipher.Encrypt(buf)
	n, err := e.Raw.Write(buf)
	return n, err
}

func (e *EncryptedRelay) Read(b []byte) (int, error) {
	if e.cipher == nil {
		return 0, net.ErrClosed
	}
	if !e.cipher.HasDecryptIV() {
		iv := make([]byte, e.cipher.Method().IVLen)
		if _, err := io.ReadFull(e.Raw, iv); err != nil {
			return 0, err
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		err := e.cipher.SetDecryptIV(iv)
		e.mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
	n, err := e.Raw.Read(b)
	if n > 0 {
		e.cipher.Decrypt(b[:n])
	}
	return n, err
}

// Close closes the relay connection and wipes the cipher key.
func (e *EncryptedRelay) Close() error {
	err := e.Raw.Close()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed && e.cipher != nil {
		e.cipher.Close()
	}
	e.closed = true
	return err
}

func (e *EncryptedRelay) Kind() Kind { return KindEncryptedRelay }
