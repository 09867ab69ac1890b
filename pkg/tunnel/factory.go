package tunnel

import (
	nperrors "github.com/pshima/natproxy/internal/errors"
	"golang.org/x/net/proxy"
)

// Factory builds the tunnel for a destination.
type Factory struct {
	router Router
	dialer proxy.ContextDialer
}

// NewFactory returns a factory using router for named destinations and
// dialer for every outbound socket. A nil router sends everything direct.
func NewFactory(router Router, dialer proxy.ContextDialer) *Factory {
	if dialer == nil {
		dialer = proxy.Direct
	}
	return &Factory{router: router, dialer: dialer}
}

// New picks the variant: a named destination with a routing override gets
// the configured proxy tunnel, anything else is dialed directly. An override
// of an unknown kind fails only this connection.
func (f *Factory) New(dest Destination) (Tunnel, error) {
	if !dest.Unresolved() || f.router == nil {
		return NewRaw(dest, f.dialer), nil
	}
	cfg, ok := f.router.Route(dest)
	if !ok {
		return NewRaw(dest, f.dialer), nil
	}
	switch cfg.Kind {
	case KindHTTPConnect:
		return NewHTTPConnect(cfg, dest, f.dialer), nil
	case KindEncryptedRelay:
		return NewEncryptedRelay(cfg, dest, f.dialer), nil
	case KindRaw:
		return NewRaw(dest, f.dialer), nil
	default:
		return nil, nperrors.Attr(
			nperrors.Errorf(nperrors.KindConfig, "tunnel config %q has unknown kind %d", cfg.Name, int(cfg.Kind)),
			"dest", dest.String())
	}
}
