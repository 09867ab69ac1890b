package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"golang.org/x/net/proxy"
)

var noDeadline time.Time

// Raw connects straight to an address and passes bytes through unchanged.
type Raw struct {
	dest   Destination
	addr   string
	dialer proxy.ContextDialer

	mu   sync.Mutex
	conn net.Conn
}

// NewRaw returns a tunnel that dials dest directly.
func NewRaw(dest Destination, dialer proxy.ContextDialer) *Raw {
	return newRawTo(dest, dest.DialAddress(), dialer)
}

func newRawTo(dest Destination, addr string, dialer proxy.ContextDialer) *Raw {
	if dialer == nil {
		dialer = proxy.Direct
	}
	return &Raw{dest: dest, addr: addr, dialer: dialer}
}

func (r *Raw) Connect(ctx context.Context) error {
	conn, err := r.dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nperrors.Attr(nperrors.Wrapf(err, nperrors.KindTransient, "dial %s", r.addr), "dest", r.dest.String())
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// Conn returns the underlying connection, nil before Connect.
func (r *Raw) Conn() net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Raw) Read(b []byte) (int, error) {
	conn := r.Conn()
	if conn == nil {
		return 0, net.ErrClosed
	}
	return conn.Read(b)
}

func (r *Raw) Write(b []byte) (int, error) {
	conn := r.Conn()
	if conn == nil {
		return 0, net.ErrClosed
	}
	return conn.Write(b)
}

// CloseWrite half-closes the connection when the transport supports it.
func (r *Raw) CloseWrite() error {
	if cw, ok := r.Conn().(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (r *Raw) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Raw) Kind() Kind { return KindRaw }

func (r *Raw) Destination() Destination { return r.dest }
