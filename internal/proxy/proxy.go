// Package proxy accepts the connections the interception engine redirects
// to the local proxy port and forwards each one through a tunnel to the
// destination the application originally meant to reach.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/internal/logger"
	"github.com/pshima/natproxy/internal/metrics"
	"github.com/pshima/natproxy/pkg/nat"
	"github.com/pshima/natproxy/pkg/tunnel"
)

// HostResolver maps an address back to the name it was resolved from.
type HostResolver interface {
	Lookup(ip netip.Addr) (string, bool)
}

// TunnelFactory creates the tunnel for a destination.
type TunnelFactory interface {
	New(dest tunnel.Destination) (tunnel.Tunnel, error)
}

// Server represents the local proxy server
type Server struct {
	addr        string
	table       *nat.Table
	factory     TunnelFactory
	resolver    HostResolver
	dialTimeout time.Duration
	logger      logger.Logger
	metrics     *metrics.Metrics

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*Connection
	closing  bool
	wg       sync.WaitGroup
}

// Connection is one proxied connection.
type Connection struct {
	ID          string
	StartTime   time.Time
	LocalPort   uint16
	Destination tunnel.Destination
	Kind        tunnel.Kind

	client net.Conn
	tunnel tunnel.Tunnel
}

type ServerOption func(*Server)

// WithResolver names IP-only destinations from recent DNS answers.
func WithResolver(r HostResolver) ServerOption {
	return func(s *Server) { s.resolver = r }
}

func WithDialTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a proxy server that will listen on addr. Port 0 picks
// a free port when Listen is called.
func NewServer(addr string, table *nat.Table, factory TunnelFactory, log logger.Logger, opts ...ServerOption) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		addr:        addr,
		table:       table,
		factory:     factory,
		dialTimeout: 10 * time.Second,
		logger:      log.With("component", "proxy"),
		conns:       make(map[string]*Connection),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Listen binds the listener and returns the port it is bound to.
func (s *Server) Listen() (uint16, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return 0, nperrors.Wrapf(err, nperrors.KindFatal, "failed to create listener on %s", s.addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}

// Serve accepts connections until ctx is cancelled, then closes every
// active connection and waits for their handlers. A listener failure is
// fatal.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return nperrors.New(nperrors.KindFatal, "proxy server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.shutdown()

	s.logger.Info("Starting proxy server", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Shutting down proxy server")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("Accept failed", "error", err, "code", "E401")
			return nperrors.Wrap(err, nperrors.KindFatal, "accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closing = true
	for _, c := range s.conns {
		c.client.Close()
		c.tunnel.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Close stops accepting and closes every proxied connection. It is safe to
// call whether or not Serve ran.
func (s *Server) Close() error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()

	var err error
	if ln != nil {
		if err = ln.Close(); errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	s.shutdown()
	return err
}

// handle serves one redirected connection. Its peer address carries the
// original destination IP and the application's local port.
func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer client.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in connection handler", "panic", r, "code", "E499")
		}
	}()

	peer := peerAddr(client)
	sess := s.table.Lookup(peer.Port())
	if sess == nil || sess.RemoteIP != peer.Addr() {
		s.logger.Warn("No session for accepted connection", "peer", peer.String(), "code", "E402")
		return
	}

	dest := s.destination(sess)
	log := s.logger.With("local_port", sess.LocalPort, "dest", dest.String())

	tun, err := s.factory.New(dest)
	if err != nil {
		s.metrics.TunnelError("unknown", nperrors.GetKind(err).String())
		log.Error("Failed to create tunnel", "error", err, "code", "E403")
		return
	}
	defer tun.Close()
	kind := tun.Kind().String()

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	err = tun.Connect(dialCtx)
	cancel()
	if err != nil {
		s.metrics.TunnelError(kind, nperrors.GetKind(err).String())
		log.Warn("Tunnel connect failed", "kind", kind, "error", err, "code", "E404")
		sess.MarkClosed(s.table.Now())
		return
	}

	c := &Connection{
		ID:          uuid.NewString(),
		StartTime:   time.Now(),
		LocalPort:   sess.LocalPort,
		Destination: dest,
		Kind:        tun.Kind(),
		client:      client,
		tunnel:      tun,
	}
	if !s.track(c) {
		return
	}
	defer s.untrack(c)
	s.metrics.TunnelOpened(kind)
	defer s.metrics.TunnelClosed()

	log = log.With("conn_id", c.ID, "kind", kind)
	log.Debug("Tunnel connected")

	up, down := pipe(client, tun)
	sess.MarkClosed(s.table.Now())
	log.Debug("Connection closed",
		"bytes_up", up,
		"bytes_down", down,
		"duration_ms", time.Since(c.StartTime).Milliseconds(),
	)
}

// destination prefers the sniffed host, then the reverse DNS cache, then
// the bare IP.
func (s *Server) destination(sess *nat.Session) tunnel.Destination {
	dest := tunnel.Destination{IP: sess.RemoteIP, Port: sess.RemotePort}
	if host := sess.RemoteHost(); host != "" {
		dest.Host = host
	} else if s.resolver != nil {
		if host, ok := s.resolver.Lookup(sess.RemoteIP); ok {
			dest.Host = host
		}
	}
	return dest
}

// track registers c unless the server is shutting down.
func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.ID] = c
	return true
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID)
}

// ActiveConnections returns a snapshot of the connections being proxied.
func (s *Server) ActiveConnections() []Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, Connection{
			ID:          c.ID,
			StartTime:   c.StartTime,
			LocalPort:   c.LocalPort,
			Destination: c.Destination,
			Kind:        c.Kind,
		})
	}
	return out
}

// Addr returns the listener address (thread-safe)
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func peerAddr(c net.Conn) netip.AddrPort {
	if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(c.RemoteAddr().String())
	return ap
}

type closeWriter interface {
	CloseWrite() error
}

// pipe copies in both directions until both sides are done. Each side is
// half-closed when its source reaches EOF so the peer sees the shutdown.
func pipe(client net.Conn, tun tunnel.Tunnel) (up, down int64) {
	done := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(tun, client)
		halfClose(tun)
		done <- n
	}()
	down, _ = io.Copy(client, tun)
	halfClose(client)
	up = <-done
	return up, down
}

func halfClose(c io.Closer) {
	if cw, ok := c.(closeWriter); ok {
		if cw.CloseWrite() == nil {
			return
		}
	}
	c.Close()
}

// listenAddr joins host and port for Listen.
func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
