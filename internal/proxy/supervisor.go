package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/pshima/natproxy/internal/config"
	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/internal/logger"
	"github.com/pshima/natproxy/internal/metrics"
	"github.com/pshima/natproxy/pkg/dnsproxy"
	"github.com/pshima/natproxy/pkg/intercept"
	"github.com/pshima/natproxy/pkg/nat"
	"github.com/pshima/natproxy/pkg/tunnel"
	"golang.org/x/sync/errgroup"
)

// Supervisor owns the interception pipeline: the session table, the proxy
// server, the engine and the DNS forwarder. A fatal failure in any of them
// tears the whole pipeline down.
type Supervisor struct {
	cfg     *config.Config
	dev     intercept.Device
	logger  logger.Logger
	metrics *metrics.Metrics

	table     *nat.Table
	server    *Server
	forwarder *dnsproxy.Forwarder
	cache     *dnsproxy.ReverseCache

	mu        sync.RWMutex
	started   bool
	running   bool
	engine    *intercept.Engine
	observers []intercept.Observer
}

// Stats is a snapshot of the whole pipeline.
type Stats struct {
	intercept.InterceptStats
	Sessions          int
	ActiveConnections int
}

// NewSupervisor wires the pipeline for dev from cfg. m may be nil.
func NewSupervisor(cfg *config.Config, dev intercept.Device, log logger.Logger, m *metrics.Metrics) (*Supervisor, error) {
	if log == nil {
		log = logger.Nop()
	}
	router, err := cfg.Router()
	if err != nil {
		return nil, err
	}

	table := nat.NewTable(nat.WithPolicy(cfg.EvictionPolicy()))
	table.OnCreate = func(*nat.Session) {
		m.SessionCreated()
		m.SetSessionsActive(table.Len())
	}
	table.OnEvict = func(s *nat.Session) {
		m.SessionEvicted()
		m.SetSessionsActive(table.Len())
		log.Debug("Session evicted", "session", s.String())
	}

	var cache *dnsproxy.ReverseCache
	if cfg.DNS.CacheSize > 0 {
		cache = dnsproxy.NewReverseCache(cfg.DNS.CacheSize, cfg.DNS.CacheTTL)
	}

	fwdOpts := []dnsproxy.Option{
		dnsproxy.WithDialer(tunnel.ProtectedDialer(cfg.ProtectMark, cfg.DNS.Timeout)),
		dnsproxy.WithTimeout(cfg.DNS.Timeout),
		dnsproxy.WithMTU(cfg.MTU),
		dnsproxy.WithMetrics(m),
	}
	srvOpts := []ServerOption{
		WithDialTimeout(cfg.DialTimeout),
		WithServerMetrics(m),
	}
	if cache != nil {
		fwdOpts = append(fwdOpts, dnsproxy.WithCache(cache))
		srvOpts = append(srvOpts, WithResolver(cache))
	}

	factory := tunnel.NewFactory(router, tunnel.ProtectedDialer(cfg.ProtectMark, cfg.DialTimeout))

	return &Supervisor{
		cfg:       cfg,
		dev:       dev,
		logger:    log,
		metrics:   m,
		table:     table,
		server:    NewServer(listenAddr(cfg.ProxyListen, cfg.ProxyPort), table, factory, log, srvOpts...),
		forwarder: dnsproxy.NewForwarder(cfg, log, fwdOpts...),
		cache:     cache,
	}, nil
}

// AddObserver registers o for engine status and log events. Observers added
// while running take effect on the next Run.
func (s *Supervisor) AddObserver(o intercept.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Supervisor) RemoveObserver(o intercept.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.observers {
		if cur == o {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			break
		}
	}
	if s.engine != nil {
		s.engine.RemoveObserver(o)
	}
}

// Run starts the pipeline and blocks until ctx is cancelled or a component
// fails. It returns nil on cancellation and the first fatal error otherwise.
// The device, the listener and the forwarder are closed on return, so a
// Supervisor runs only once.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nperrors.New(nperrors.KindFatal, "pipeline already started")
	}
	s.started = true
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("Starting interception pipeline", "device", s.dev.Name(), "mtu", s.cfg.MTU)
	if intercept.RequiresPrivileges() {
		s.logger.Debug("Opening the virtual interface requires elevated privileges (root/administrator)")
	}

	port, err := s.server.Listen()
	if err != nil {
		return s.abort(err)
	}

	engine, err := intercept.NewEngine(intercept.Config{
		VirtualIP:  s.cfg.VirtualAddr(),
		ProxyPort:  port,
		BufferSize: s.cfg.BufferSize,
	}, s.dev, s.table, s.logger,
		intercept.WithDNSHandler(s.forwarder),
		intercept.WithMetrics(s.metrics),
	)
	if err != nil {
		return s.abort(err)
	}

	s.mu.Lock()
	s.engine = engine
	for _, o := range s.observers {
		engine.AddObserver(o)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.server.Serve(gctx) })
	var engineErr error
	g.Go(func() error {
		engineErr = engine.Run(gctx)
		return engineErr
	})
	g.Go(func() error {
		if err := s.table.Run(gctx, s.cfg.Session.SweepInterval); gctx.Err() == nil {
			return err
		}
		return nil
	})
	if s.cfg.StatsInterval > 0 {
		g.Go(func() error {
			s.reportStats(gctx)
			return nil
		})
	}

	s.logger.Info("Interception pipeline started", "proxy_addr", s.server.Addr())
	err = g.Wait()
	s.teardown()

	if err != nil {
		kind := nperrors.GetKind(err)
		err = fatal(err)
		s.logger.Error("Interception pipeline failed", "error", err, "kind", kind.String(), "code", "E001")
		if engineErr == nil {
			// The engine stopped cleanly because a sibling failed.
			s.notifyFailed(err)
		}
		return err
	}
	s.logger.Info("Interception pipeline stopped")
	return nil
}

// fatal escalates err to a pipeline failure. Whatever stops one component
// stops the pipeline, so errors of any other kind are wrapped as fatal.
func fatal(err error) error {
	if err == nil || nperrors.IsFatal(err) {
		return err
	}
	return nperrors.Wrap(err, nperrors.KindFatal, "interception pipeline stopped")
}

// abort handles a failure before the engine started.
func (s *Supervisor) abort(err error) error {
	err = fatal(err)
	s.logger.Error("Interception pipeline failed to start", "error", err, "code", "E001")
	s.teardown()
	s.notifyFailed(err)
	return err
}

// teardown releases everything Run acquired. The engine is not running, so
// no more DNS queries can arrive at the forwarder.
func (s *Supervisor) teardown() {
	s.server.Close()
	s.dev.Close()
	s.forwarder.Close()
	s.table.Clear()
}

func (s *Supervisor) notifyFailed(err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.observers {
		o.OnStatusChanged(intercept.StatusFailed, false)
		o.OnLog("interception failed: " + err.Error())
	}
}

// IsRunning returns true if the pipeline is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Table returns the session table shared by the engine and the server.
func (s *Supervisor) Table() *nat.Table { return s.table }

// Server returns the local proxy server.
func (s *Supervisor) Server() *Server { return s.server }

// Stats returns a snapshot of the pipeline counters.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	st := Stats{
		Sessions:          s.table.Len(),
		ActiveConnections: len(s.server.ActiveConnections()),
	}
	if engine != nil {
		st.InterceptStats = engine.Stats()
	}
	return st
}

// reportStats periodically reports interception statistics
func (s *Supervisor) reportStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.Stats()
			s.logger.Info("Interception statistics",
				"sessions", stats.Sessions,
				"active_connections", stats.ActiveConnections,
				"packets_read", stats.PacketsRead,
				"packets_sent", stats.PacketsSent,
				"packets_received", stats.PacketsReceived,
				"bytes_sent", stats.BytesSent,
				"bytes_received", stats.BytesReceived,
				"dropped_packets", stats.DroppedPackets,
				"no_session", stats.NoSession,
				"dns_queries", stats.DNSQueries,
			)
		}
	}
}
