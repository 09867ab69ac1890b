// Package dnsproxy answers DNS queries captured on the virtual interface by
// forwarding them to upstream resolvers and writing the replies back as raw
// IP/UDP packets.
package dnsproxy

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/pshima/natproxy/internal/logger"
	"github.com/pshima/natproxy/internal/metrics"
	"github.com/pshima/natproxy/pkg/intercept"
	"github.com/pshima/natproxy/pkg/packet"
)

const defaultTimeout = 2 * time.Second

// UpstreamProvider supplies the resolver addresses queries are forwarded
// to, in order of preference. It is consulted for every query so a reloaded
// configuration takes effect immediately.
type UpstreamProvider interface {
	DNSUpstreams() []string
}

// Upstreams is a fixed UpstreamProvider.
type Upstreams []string

func (u Upstreams) DNSUpstreams() []string { return u }

// Forwarder implements intercept.DNSHandler.
type Forwarder struct {
	upstreams UpstreamProvider
	timeout   time.Duration
	mtu       int
	dialer    *net.Dialer
	cache     *ReverseCache
	logger    logger.Logger
	metrics   *metrics.Metrics

	ids    atomic.Uint32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ intercept.DNSHandler = (*Forwarder)(nil)

type Option func(*Forwarder)

// WithCache records every successful answer in c.
func WithCache(c *ReverseCache) Option {
	return func(f *Forwarder) { f.cache = c }
}

// WithDialer sets the dialer for upstream sockets. Use a protected dialer so
// queries do not loop back into the virtual interface.
func WithDialer(d *net.Dialer) Option {
	return func(f *Forwarder) { f.dialer = d }
}

// WithTimeout bounds each upstream exchange.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMTU caps replies so the whole IP packet fits in mtu bytes.
func WithMTU(mtu int) Option {
	return func(f *Forwarder) {
		if mtu > packet.IPv4MinHeaderLen+packet.UDPHeaderLen+dns.MinMsgSize && mtu <= packet.MaxPacketSize {
			f.mtu = mtu
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

func NewForwarder(upstreams UpstreamProvider, log logger.Logger, opts ...Option) *Forwarder {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		upstreams: upstreams,
		timeout:   defaultTimeout,
		mtu:       packet.MaxPacketSize,
		logger:    log.With("component", "dns"),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// HandleQuery copies the addressing out of the engine buffer and resolves
// msg on its own goroutine. The reply is written through w.
func (f *Forwarder) HandleQuery(w intercept.PacketWriter, ip *packet.IPv4Header, udp *packet.UDPHeader, msg *dns.Msg) {
	client := netip.AddrPortFrom(ip.SourceIP(), udp.SourcePort())
	server := netip.AddrPortFrom(ip.DestinationIP(), udp.DestinationPort())

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.answer(w, client, server, msg)
	}()
}

func (f *Forwarder) answer(w intercept.PacketWriter, client, server netip.AddrPort, query *dns.Msg) {
	q := query.Question[0]
	resp, err := f.Exchange(f.ctx, query)
	if err != nil {
		if f.ctx.Err() != nil {
			return
		}
		f.metrics.DNSFailure()
		f.logger.Warn("DNS query failed",
			"name", q.Name,
			"type", dns.TypeToString[q.Qtype],
			"error", err,
			"code", "E301",
		)
		resp = new(dns.Msg).SetRcode(query, dns.RcodeServerFailure)
	} else if f.cache != nil {
		f.cache.Record(resp)
	}
	resp.Id = query.Id

	// Fit the reply into what the client can accept over UDP.
	size := dns.MinMsgSize
	if opt := query.IsEdns0(); opt != nil {
		size = int(opt.UDPSize())
	}
	if limit := f.mtu - packet.IPv4MinHeaderLen - packet.UDPHeaderLen; size > limit {
		size = limit
	}
	resp.Truncate(size)

	payload, err := resp.Pack()
	if err != nil {
		f.logger.Warn("Failed to pack DNS reply", "name", q.Name, "error", err, "code", "E302")
		return
	}
	reply := packet.BuildIPv4UDP(server, client, uint16(f.ids.Add(1)), payload)
	if err := w.WritePacket(reply); err != nil {
		f.logger.Debug("DNS reply not delivered", "name", q.Name, "error", err)
		return
	}
	f.logger.Debug("DNS query answered",
		"name", q.Name,
		"rcode", dns.RcodeToString[resp.Rcode],
		"answers", len(resp.Answer),
	)
}

// Exchange sends query to each upstream in turn and returns the first
// answer. A truncated UDP answer is retried over TCP on the same upstream.
func (f *Forwarder) Exchange(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	var upstreams []string
	if f.upstreams != nil {
		upstreams = f.upstreams.DNSUpstreams()
	}
	if len(upstreams) == 0 {
		return nil, nperrors.New(nperrors.KindConfig, "no dns upstreams configured")
	}

	var lastErr error
	for _, up := range upstreams {
		addr := withPort(up)
		resp, err := f.exchangeOne(ctx, "udp", query, addr)
		if err == nil && resp.Truncated {
			resp, err = f.exchangeOne(ctx, "tcp", query, addr)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, nperrors.Attr(
		nperrors.Wrap(lastErr, nperrors.KindTransient, "all dns upstreams failed"),
		"upstreams", len(upstreams),
	)
}

func (f *Forwarder) exchangeOne(ctx context.Context, network string, query *dns.Msg, addr string) (*dns.Msg, error) {
	c := &dns.Client{Net: network, Timeout: f.timeout, Dialer: f.dialer}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	resp, _, err := c.ExchangeContext(ctx, query, addr)
	return resp, err
}

// withPort appends the DNS port when addr has none.
func withPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "53")
}

// Close abandons in-flight queries and waits for their goroutines.
func (f *Forwarder) Close() error {
	f.cancel()
	f.wg.Wait()
	return nil
}
