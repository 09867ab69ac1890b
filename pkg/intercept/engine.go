package intercept

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/internal/logger"
	"github.com/pshima/natproxy/internal/metrics"
	"github.com/pshima/natproxy/pkg/nat"
	"github.com/pshima/natproxy/pkg/packet"
)

const dnsPort = 53

// Engine is the packet loop. Run and Process must only be called from one
// goroutine at a time: the header views share a single buffer.
type Engine struct {
	cfg     Config
	dev     Device
	table   *nat.Table
	dns     DNSHandler
	logger  logger.Logger
	metrics *metrics.Metrics

	buf []byte
	ip  *packet.IPv4Header
	tcp *packet.TCPHeader
	udp *packet.UDPHeader

	wmu     sync.Mutex
	running atomic.Bool

	obsMu     sync.RWMutex
	observers map[Observer]struct{}

	packetsRead     atomic.Int64
	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	dropped         atomic.Int64
	noSession       atomic.Int64
	dnsQueries      atomic.Int64
	writeErrors     atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithDNSHandler sets the resolver that receives DNS queries. Without one,
// DNS traffic is ignored like any other UDP.
func WithDNSHandler(h DNSHandler) Option {
	return func(e *Engine) { e.dns = h }
}

// WithMetrics records engine counters in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine for dev. The table is shared with the proxy
// server that accepts the redirected connections.
func NewEngine(cfg Config, dev Device, table *nat.Table, log logger.Logger, opts ...Option) (*Engine, error) {
	if !cfg.VirtualIP.Is4() {
		return nil, nperrors.Errorf(nperrors.KindConfig, "virtual ip %v is not an IPv4 address", cfg.VirtualIP)
	}
	if cfg.ProxyPort == 0 {
		return nil, nperrors.New(nperrors.KindConfig, "proxy port is not set")
	}
	if cfg.BufferSize <= 0 || cfg.BufferSize > packet.MaxPacketSize {
		cfg.BufferSize = packet.MaxPacketSize
	}
	if log == nil {
		log = logger.Nop()
	}

	e := &Engine{
		cfg:       cfg,
		dev:       dev,
		table:     table,
		logger:    log.With("component", "engine"),
		buf:       make([]byte, cfg.BufferSize),
		observers: make(map[Observer]struct{}),
	}
	e.ip = packet.NewIPv4Header(e.buf, 0)
	e.tcp = packet.NewTCPHeader(e.buf, 0)
	e.udp = packet.NewUDPHeader(e.buf, 0)
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// AddObserver registers o for status and log events.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers[o] = struct{}{}
}

// RemoveObserver stops delivering events to o.
func (e *Engine) RemoveObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	delete(e.observers, o)
}

func (e *Engine) notifyStatus(status string, running bool) {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for o := range e.observers {
		o.OnStatusChanged(status, running)
	}
}

func (e *Engine) notifyLog(msg string) {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for o := range e.observers {
		o.OnLog(msg)
	}
}

// IsRunning reports whether Run is active.
func (e *Engine) IsRunning() bool { return e.running.Load() }

// Run reads and handles packets until ctx is cancelled or the device fails.
// Cancellation closes the device and returns nil; a read failure returns a
// KindFatal error and the caller must tear down the pipeline.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nperrors.New(nperrors.KindFatal, "engine already running")
	}
	defer e.running.Store(false)

	stop := context.AfterFunc(ctx, func() { e.dev.Close() })
	defer stop()

	e.logger.Info("Interception engine started",
		"device", e.dev.Name(),
		"virtual_ip", e.cfg.VirtualIP,
		"proxy_port", e.cfg.ProxyPort,
	)
	e.notifyStatus(StatusRunning, true)
	e.notifyLog("interception started on " + e.dev.Name())

	for {
		n, err := e.dev.Read(e.buf)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Info("Interception engine stopped")
				e.notifyStatus(StatusStopped, false)
				return nil
			}
			e.logger.Error("Virtual interface read failed", "error", err, "code", "E101")
			e.notifyStatus(StatusFailed, false)
			e.notifyLog("interception failed: " + err.Error())
			return nperrors.Wrap(err, nperrors.KindFatal, "read virtual interface")
		}
		if n > 0 {
			e.handle(n)
		}
	}
}

// Process handles one packet as if it had been read from the device. pkt is
// copied into the engine buffer; it is not modified.
func (e *Engine) Process(pkt []byte) {
	n := copy(e.buf, pkt)
	e.handle(n)
}

// WritePacket writes one complete packet to the device. Writes from the
// engine and from DNS replies are serialized so packets never interleave.
func (e *Engine) WritePacket(b []byte) error {
	e.wmu.Lock()
	_, err := e.dev.Write(b)
	e.wmu.Unlock()
	if err != nil {
		e.writeErrors.Add(1)
		e.dropped.Add(1)
		e.metrics.PacketDropped(metrics.DropWriteError)
		e.logger.Warn("Failed to write packet", "error", err, "size", len(b), "code", "E201")
		return nperrors.Wrap(err, nperrors.KindTransient, "write packet")
	}
	return nil
}

func (e *Engine) drop(reason string) {
	e.dropped.Add(1)
	e.metrics.PacketDropped(reason)
}

func (e *Engine) handle(n int) {
	e.packetsRead.Add(1)
	e.metrics.PacketRead()

	if n == 0 || e.buf[0]>>4 != 4 {
		return
	}
	if err := e.ip.Validate(n); err != nil {
		e.drop(metrics.DropMalformed)
		e.logger.Debug("Dropping malformed packet", "error", err)
		return
	}

	switch e.ip.Protocol() {
	case packet.ProtocolTCP:
		e.handleTCP()
	case packet.ProtocolUDP:
		e.handleUDP()
	}
}

func (e *Engine) handleTCP() {
	if e.ip.SourceIP() != e.cfg.VirtualIP {
		return
	}
	e.tcp.Reset(e.ip.HeaderLength())
	segLen := e.ip.DataLength()
	if err := e.tcp.Validate(segLen); err != nil {
		e.drop(metrics.DropMalformed)
		e.logger.Debug("Dropping malformed tcp segment", "error", err)
		return
	}

	if e.tcp.SourcePort() == e.cfg.ProxyPort {
		e.handleReturn()
		return
	}
	e.handleOutbound(segLen - e.tcp.HeaderLength())
}

// handleReturn restores a proxy reply so it appears to come from the
// original remote endpoint.
func (e *Engine) handleReturn() {
	s := e.table.Lookup(e.tcp.DestinationPort())
	if s == nil {
		e.noSession.Add(1)
		e.drop(metrics.DropNoSession)
		e.logger.Debug("No session for proxy reply",
			"local_port", e.tcp.DestinationPort(),
			"tcp", e.tcp.String(),
			"code", "E102",
		)
		return
	}

	e.ip.SetSourceIP(e.ip.DestinationIP())
	e.ip.SetDestinationIP(e.cfg.VirtualIP)
	e.tcp.SetSourcePort(s.RemotePort)
	packet.ComputeTCPChecksum(e.ip, e.tcp)

	total := e.ip.TotalLength()
	if err := e.WritePacket(e.buf[:total]); err != nil {
		return
	}
	e.packetsReceived.Add(1)
	e.bytesReceived.Add(int64(total))
	e.metrics.PacketForwarded("inbound", total)
}

// handleOutbound redirects an application packet to the proxy server. The
// original destination address is kept in the IP source field.
func (e *Engine) handleOutbound(payloadLen int) {
	dstIP := e.ip.DestinationIP()
	s := e.table.GetOrCreate(e.tcp.SourcePort(), dstIP, e.tcp.DestinationPort())
	if _, closed := s.ClosedAt(); closed && e.tcp.HasFlag(packet.TCPFlagSYN) && !e.tcp.HasFlag(packet.TCPFlagACK) {
		// A new connection reusing the port of a finished one.
		s = e.table.Reclaim(s)
		e.logger.Debug("Reclaimed closed session", "session", s.String())
	}
	s.Touch(e.table.Now())

	// Count first so the handshake check sees this packet.
	if s.IncPackets() == 2 && payloadLen == 0 {
		e.drop(metrics.DropHandshakeACK)
		return
	}

	if s.BytesSent() == 0 && payloadLen > 10 {
		off := e.ip.HeaderLength() + e.tcp.HeaderLength()
		if host := SniffHost(e.buf[off : off+payloadLen]); host != "" {
			s.SetRemoteHost(host)
			e.logger.Debug("Sniffed host", "host", host, "session", s.String())
		}
	}

	e.ip.SetSourceIP(dstIP)
	e.ip.SetDestinationIP(e.cfg.VirtualIP)
	e.tcp.SetDestinationPort(e.cfg.ProxyPort)
	packet.ComputeTCPChecksum(e.ip, e.tcp)

	total := e.ip.TotalLength()
	if err := e.WritePacket(e.buf[:total]); err != nil {
		return
	}
	s.AddBytes(payloadLen)
	e.packetsSent.Add(1)
	e.bytesSent.Add(int64(total))
	e.metrics.PacketForwarded("outbound", total)
}

func (e *Engine) handleUDP() {
	if e.dns == nil || e.ip.SourceIP() != e.cfg.VirtualIP {
		return
	}
	e.udp.Reset(e.ip.HeaderLength())
	if err := e.udp.Validate(e.ip.DataLength()); err != nil {
		e.drop(metrics.DropMalformed)
		e.logger.Debug("Dropping malformed udp datagram", "error", err)
		return
	}
	if e.udp.DestinationPort() != dnsPort {
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(e.udp.Payload()); err != nil {
		e.drop(metrics.DropMalformed)
		e.logger.Debug("Dropping malformed dns message", "error", err, "code", "E103")
		return
	}
	if msg.Response || len(msg.Question) == 0 {
		return
	}

	e.dnsQueries.Add(1)
	e.metrics.DNSQuery()
	e.dns.HandleQuery(e, e.ip, e.udp, msg)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() InterceptStats {
	return InterceptStats{
		PacketsRead:     e.packetsRead.Load(),
		PacketsSent:     e.packetsSent.Load(),
		PacketsReceived: e.packetsReceived.Load(),
		BytesSent:       e.bytesSent.Load(),
		BytesReceived:   e.bytesReceived.Load(),
		DroppedPackets:  e.dropped.Load(),
		NoSession:       e.noSession.Load(),
		DNSQueries:      e.dnsQueries.Load(),
		WriteErrors:     e.writeErrors.Load(),
	}
}
