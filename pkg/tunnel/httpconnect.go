package tunnel

import (
	"bufio"
	"context"
	"encoding/base64"
	"net/http"
	"net/url"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"golang.org/x/net/proxy"
)

// HTTPConnect reaches the destination through an HTTP proxy's CONNECT method.
type HTTPConnect struct {
	*Raw
	cfg Config
	br  *bufio.Reader
}

func NewHTTPConnect(cfg Config, dest Destination, dialer proxy.ContextDialer) *HTTPConnect {
	return &HTTPConnect{
		Raw: newRawTo(dest, cfg.Address, dialer),
		cfg: cfg,
	}
}

func (h *HTTPConnect) Connect(ctx context.Context) error {
	if err := h.Raw.Connect(ctx); err != nil {
		return err
	}
	conn := h.Raw.Conn()

	target := h.dest.HostPort()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if h.cfg.Username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(h.cfg.Username + ":" + h.cfg.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(noDeadline)
	}

	if err := req.Write(conn); err != nil {
		h.Raw.Close()
		return nperrors.Wrapf(err, nperrors.KindHandshake, "send CONNECT to %s", h.cfg.Address)
	}

	h.br = bufio.NewReader(conn)
	resp, err := http.ReadResponse(h.br, req)
	if err != nil {
		h.Raw.Close()
		return nperrors.Wrapf(err, nperrors.KindHandshake, "read CONNECT reply from %s", h.cfg.Address)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		h.Raw.Close()
		return nperrors.Attr(
			nperrors.Errorf(nperrors.KindHandshake, "proxy %s refused CONNECT %s: %s", h.cfg.Address, target, resp.Status),
			"status", resp.StatusCode)
	}
	return nil
}

// Read drains bytes the proxy sent right after its reply before reading the
// connection again.
func (h *HTTPConnect) Read(b []byte) (int, error) {
	if h.br == nil {
		return h.Raw.Read(b)
	}
	return h.br.Read(b)
}

func (h *HTTPConnect) Kind() Kind { return KindHTTPConnect }
