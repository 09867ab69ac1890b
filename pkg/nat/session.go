// Package nat keeps the mapping from a local ephemeral TCP port to the
// remote endpoint the application actually tried to reach.
package nat

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

// Session is one NAT entry. The key and remote endpoint never change after
// creation; the counters and timestamps are updated in place by whoever holds
// a reference, even after the session has been evicted from its Table.
type Session struct {
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	CreatedAt  time.Time

	lastActive  atomic.Int64 // unix nanos
	closedAt    atomic.Int64 // unix nanos, 0 while the proxied connection is open
	packetsSent atomic.Int64
	bytesSent   atomic.Int64
	remoteHost  atomic.Pointer[string]
}

func newSession(localPort uint16, ip netip.Addr, port uint16, now time.Time) *Session {
	s := &Session{
		LocalPort:  localPort,
		RemoteIP:   ip,
		RemotePort: port,
		CreatedAt:  now,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// Matches reports whether the session points at ip:port.
func (s *Session) Matches(ip netip.Addr, port uint16) bool {
	return s.RemotePort == port && s.RemoteIP == ip
}

// Remote returns the original destination as an AddrPort.
func (s *Session) Remote() netip.AddrPort {
	return netip.AddrPortFrom(s.RemoteIP, s.RemotePort)
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// IncPackets bumps the outbound packet counter and returns the new value.
func (s *Session) IncPackets() int64 { return s.packetsSent.Add(1) }

func (s *Session) PacketsSent() int64 { return s.packetsSent.Load() }

// AddBytes accounts payload bytes that were actually forwarded.
func (s *Session) AddBytes(n int) int64 { return s.bytesSent.Add(int64(n)) }

func (s *Session) BytesSent() int64 { return s.bytesSent.Load() }

// SetRemoteHost records a host name sniffed from the first payload.
func (s *Session) SetRemoteHost(host string) {
	s.remoteHost.Store(&host)
}

// RemoteHost returns the sniffed host name or "".
func (s *Session) RemoteHost() string {
	if h := s.remoteHost.Load(); h != nil {
		return *h
	}
	return ""
}

// MarkClosed records that the proxied connection for this session ended.
// Only the first call has an effect.
func (s *Session) MarkClosed(now time.Time) {
	s.closedAt.CompareAndSwap(0, now.UnixNano())
}

// ClosedAt returns when MarkClosed was first called, and false if never.
func (s *Session) ClosedAt() (time.Time, bool) {
	v := s.closedAt.Load()
	if v == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, v), true
}

func (s *Session) String() string {
	host := s.RemoteHost()
	if host == "" {
		host = "-"
	}
	return fmt.Sprintf(":%d -> %s host=%s packets=%d bytes=%d",
		s.LocalPort, s.Remote(), host, s.PacketsSent(), s.BytesSent())
}
