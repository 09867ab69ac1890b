package tunnel

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"testing"
	"time"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/pkg/encrypt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// echoServer echoes every connection until it closes.
func echoServer(t *testing.T) net.Listener {
	ln := listen(t)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func roundTrip(t *testing.T, tun Tunnel, msg string) {
	t.Helper()
	_, err := tun.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(tun, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"raw", KindRaw, false},
		{"direct", KindRaw, false},
		{"HTTP-CONNECT", KindHTTPConnect, false},
		{"http", KindHTTPConnect, false},
		{"shadowsocks", KindEncryptedRelay, false},
		{"encrypted-relay", KindEncryptedRelay, false},
		{"socks4", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Equal(t, nperrors.KindConfig, nperrors.GetKind(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDestination(t *testing.T) {
	ip := netip.MustParseAddr("93.184.216.34")
	named := Destination{Host: "example.com", IP: ip, Port: 443}
	bare := Destination{IP: ip, Port: 80}

	assert.True(t, named.Unresolved())
	assert.False(t, bare.Unresolved())
	assert.Equal(t, "example.com:443", named.HostPort())
	assert.Equal(t, "93.184.216.34:443", named.DialAddress())
	assert.Equal(t, "93.184.216.34:80", bare.HostPort())
	assert.Equal(t, "example.com:8080", Destination{Host: "example.com", Port: 8080}.DialAddress())
}

func TestStaticRouter(t *testing.T) {
	proxies := []Config{
		{Name: "corp", Kind: KindHTTPConnect, Address: "10.1.1.1:3128"},
		{Name: "ss", Kind: KindEncryptedRelay, Address: "10.1.1.2:8388"},
	}
	rules := []Rule{
		{DomainSuffix: "internal.example", Proxy: "corp"},
		{DomainSuffix: ".blocked.test", Proxy: "ss"},
		{DomainSuffix: "cdn.blocked.test", Proxy: "direct"},
	}
	r, err := NewStaticRouter(proxies, rules, "")
	require.NoError(t, err)

	tests := []struct {
		host string
		want string
		ok   bool
	}{
		{"internal.example", "corp", true},
		{"git.internal.example", "corp", true},
		{"notinternal.example", "", false},
		{"www.BLOCKED.test.", "ss", true},
		{"cdn.blocked.test", "ss", true}, // first match wins
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			cfg, ok := r.Route(Destination{Host: tt.host, Port: 443})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, cfg.Name)
		})
	}

	withDefault, err := NewStaticRouter(proxies, nil, "ss")
	require.NoError(t, err)
	cfg, ok := withDefault.Route(Destination{Host: "anything.test", Port: 80})
	assert.True(t, ok)
	assert.Equal(t, "ss", cfg.Name)
	_, ok = withDefault.Route(Destination{IP: netip.MustParseAddr("1.1.1.1"), Port: 80})
	assert.False(t, ok, "bare IPs are never routed")
}

func TestStaticRouterValidation(t *testing.T) {
	_, err := NewStaticRouter(nil, []Rule{{DomainSuffix: "x", Proxy: "missing"}}, "")
	assert.Equal(t, nperrors.KindConfig, nperrors.GetKind(err))

	_, err = NewStaticRouter(nil, nil, "missing")
	assert.Equal(t, nperrors.KindConfig, nperrors.GetKind(err))

	_, err = NewStaticRouter([]Config{{Name: "a"}, {Name: "a"}}, nil, "")
	assert.Equal(t, nperrors.KindConfig, nperrors.GetKind(err))
}

type routeFunc func(Destination) (Config, bool)

func (f routeFunc) Route(d Destination) (Config, bool) { return f(d) }

func TestFactorySelection(t *testing.T) {
	ip := netip.MustParseAddr("1.2.3.4")
	router := routeFunc(func(d Destination) (Config, bool) {
		switch d.Host {
		case "proxied.test":
			return Config{Name: "p", Kind: KindHTTPConnect, Address: "127.0.0.1:1"}, true
		case "relayed.test":
			return Config{Name: "r", Kind: KindEncryptedRelay, Address: "127.0.0.1:1"}, true
		case "bogus.test":
			return Config{Name: "b", Kind: Kind(42)}, true
		}
		return Config{}, false
	})
	f := NewFactory(router, nil)

	tests := []struct {
		name    string
		dest    Destination
		want    Kind
		wantErr bool
	}{
		{"bare ip", Destination{IP: ip, Port: 80}, KindRaw, false},
		{"named without override", Destination{Host: "plain.test", IP: ip, Port: 80}, KindRaw, false},
		{"http connect", Destination{Host: "proxied.test", Port: 443}, KindHTTPConnect, false},
		{"relay", Destination{Host: "relayed.test", Port: 443}, KindEncryptedRelay, false},
		{"unknown kind", Destination{Host: "bogus.test", Port: 443}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tun, err := f.New(tt.dest)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, nperrors.KindConfig, nperrors.GetKind(err))
				assert.Nil(t, tun)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tun.Kind())
			assert.Equal(t, tt.dest, tun.Destination())
		})
	}
}

func TestRawTunnel(t *testing.T) {
	ln := echoServer(t)
	ap := netip.MustParseAddrPort(ln.Addr().String())

	tun := NewRaw(Destination{IP: ap.Addr(), Port: ap.Port()}, nil)
	require.NoError(t, tun.Connect(ctxTimeout(t)))
	defer tun.Close()
	roundTrip(t, tun, "ping")
}

func TestRawTunnelDialFailure(t *testing.T) {
	ln := listen(t)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	ln.Close()

	tun := NewRaw(Destination{IP: addr.Addr(), Port: addr.Port()}, nil)
	err := tun.Connect(ctxTimeout(t))
	require.Error(t, err)
	assert.Equal(t, nperrors.KindTransient, nperrors.GetKind(err))
	assert.NoError(t, tun.Close())
}

func TestHTTPConnect(t *testing.T) {
	seen := make(chan *http.Request, 1)
	ln := listen(t)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		seen <- req
		c.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\nhello"))
		io.Copy(c, br)
	}()

	cfg := Config{Name: "corp", Kind: KindHTTPConnect, Address: ln.Addr().String(), Username: "u", Password: "p"}
	tun := NewHTTPConnect(cfg, Destination{Host: "example.com", Port: 443}, nil)
	require.NoError(t, tun.Connect(ctxTimeout(t)))
	defer tun.Close()

	req := <-seen
	assert.Equal(t, http.MethodConnect, req.Method)
	assert.Equal(t, "example.com:443", req.Host)
	assert.Equal(t, "Basic dTpw", req.Header.Get("Proxy-Authorization"))

	early := make([]byte, 5)
	_, err := io.ReadFull(tun, early)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(early))

	roundTrip(t, tun, "after handshake")
}

func TestHTTPConnectRefused(t *testing.T) {
	ln := listen(t)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if _, err := http.ReadRequest(bufio.NewReader(c)); err != nil {
			return
		}
		c.Write([]byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"))
	}()

	tun := NewHTTPConnect(Config{Address: ln.Addr().String()}, Destination{Host: "example.com", Port: 443}, nil)
	err := tun.Connect(ctxTimeout(t))
	require.Error(t, err)
	assert.Equal(t, nperrors.KindHandshake, nperrors.GetKind(err))
	assert.Equal(t, 403, nperrors.GetAttributes(err)["status"])
}

func TestAddressHeader(t *testing.T) {
	tests := []struct {
		name string
		dest Destination
		want []byte
	}{
		{"domain", Destination{Host: "a.io", Port: 443}, []byte{3, 4, 'a', '.', 'i', 'o', 0x01, 0xbb}},
		{"ipv4", Destination{IP: netip.MustParseAddr("1.2.3.4"), Port: 80}, []byte{1, 1, 2, 3, 4, 0, 80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AddressHeader(tt.dest)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	v6, err := AddressHeader(Destination{IP: netip.MustParseAddr("::1"), Port: 1})
	require.NoError(t, err)
	assert.Len(t, v6, 1+16+2)
	assert.Equal(t, byte(4), v6[0])

	_, err = AddressHeader(Destination{Port: 1})
	assert.Equal(t, nperrors.KindProtocol, nperrors.GetKind(err))
}

// relayServer speaks the relay framing: it reads the client IV and address,
// reports the address on got, then echoes payload back under its own IV.
func relayServer(t *testing.T, method, password string, got chan<- string) net.Listener {
	ln := listen(t)
	m, err := encrypt.Lookup(method)
	require.NoError(t, err)
	key := encrypt.KeyFromPassword(password, m.KeyLen)

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		clientIV := make([]byte, m.IVLen)
		if _, err := io.ReadFull(c, clientIV); err != nil {
			return
		}
		serverIV := make([]byte, m.IVLen)
		for i := range serverIV {
			serverIV[i] = byte(i + 1)
		}
		ciph, err := encrypt.NewWithIV(method, key, serverIV, clientIV)
		if err != nil {
			return
		}

		readPlain := func(n int) []byte {
			b := make([]byte, n)
			if _, err := io.ReadFull(c, b); err != nil {
				return nil
			}
			ciph.Decrypt(b)
			return b
		}
		atyp := readPlain(1)
		if atyp == nil || atyp[0] != atypDomain {
			return
		}
		host := readPlain(int(readPlain(1)[0]))
		port := binary.BigEndian.Uint16(readPlain(2))
		got <- net.JoinHostPort(string(host), strconv.Itoa(int(port)))

		if _, err := c.Write(serverIV); err != nil {
			return
		}
		buf := make([]byte, 64)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				ciph.Decrypt(buf[:n])
				ciph.Encrypt(buf[:n])
				c.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ln
}

func TestEncryptedRelay(t *testing.T) {
	for _, method := range []string{"chacha20-ietf", "aes-256-ctr"} {
		t.Run(method, func(t *testing.T) {
			got := make(chan string, 1)
			ln := relayServer(t, method, "s3cret", got)

			cfg := Config{Name: "ss", Kind: KindEncryptedRelay, Address: ln.Addr().String(), Password: "s3cret", Method: method}
			tun := NewEncryptedRelay(cfg, Destination{Host: "example.com", Port: 443}, nil)
			require.NoError(t, tun.Connect(ctxTimeout(t)))
			defer tun.Close()

			assert.Equal(t, "example.com:443", <-got)

			msg := []byte("GET / HTTP/1.1\r\n\r\n")
			orig := append([]byte(nil), msg...)
			roundTrip(t, tun, string(msg))
			assert.Equal(t, orig, msg, "Write must not modify the caller's buffer")
			roundTrip(t, tun, "second chunk")
		})
	}
}

func TestEncryptedRelayBadMethod(t *testing.T) {
	tun := NewEncryptedRelay(Config{Address: "127.0.0.1:1", Method: "rc4"}, Destination{Host: "x.test", Port: 1}, nil)
	err := tun.Connect(ctxTimeout(t))
	assert.Equal(t, nperrors.KindConfig, nperrors.GetKind(err))

	_, err = tun.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestProtectedDialer(t *testing.T) {
	d := ProtectedDialer(0, time.Second)
	assert.Nil(t, d.Control)
	assert.Equal(t, time.Second, d.Timeout)
}
