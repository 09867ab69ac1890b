// Package tunnel opens the real upstream connection for a redirected TCP
// flow. A Tunnel is bound to one Destination when it is created and is
// owned by exactly one proxied connection.
package tunnel

import (
	"context"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"

	nperrors "github.com/pshima/natproxy/internal/errors"
)

// Kind selects the tunnel variant.
type Kind int

const (
	KindRaw Kind = iota
	KindHTTPConnect
	KindEncryptedRelay
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindHTTPConnect:
		return "http-connect"
	case KindEncryptedRelay:
		return "encrypted-relay"
	default:
		return "unknown"
	}
}

// ParseKind accepts the names used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw", "direct":
		return KindRaw, nil
	case "http-connect", "http", "connect":
		return KindHTTPConnect, nil
	case "encrypted-relay", "relay", "shadowsocks", "ss":
		return KindEncryptedRelay, nil
	default:
		return 0, nperrors.Errorf(nperrors.KindConfig, "unknown tunnel kind %q", s)
	}
}

// Destination is where the application meant to connect. Host is set when
// the destination is known by name; IP is always the address from the packet.
type Destination struct {
	Host string
	IP   netip.Addr
	Port uint16
}

// Unresolved reports whether routing should be decided by domain name.
func (d Destination) Unresolved() bool { return d.Host != "" }

// HostPort returns host:port, preferring the domain name.
func (d Destination) HostPort() string {
	if d.Host != "" {
		return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
	}
	return netip.AddrPortFrom(d.IP, d.Port).String()
}

// DialAddress is the address a direct tunnel connects to. The original IP is
// used when present so a direct connection does not depend on resolving the
// name again.
func (d Destination) DialAddress() string {
	if d.IP.IsValid() {
		return netip.AddrPortFrom(d.IP, d.Port).String()
	}
	return d.HostPort()
}

func (d Destination) String() string { return d.HostPort() }

// Config is a tunnel configuration record.
type Config struct {
	Name     string
	Kind     Kind
	Address  string // proxy or relay host:port
	Username string
	Password string
	Method   string // cipher method for KindEncryptedRelay
}

// Tunnel is a duplex byte stream toward one destination.
type Tunnel interface {
	io.ReadWriteCloser
	// Connect establishes the stream, including any proxy handshake.
	Connect(ctx context.Context) error
	Kind() Kind
	Destination() Destination
}
