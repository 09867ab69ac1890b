// Package intercept runs the packet loop on the virtual interface. Every
// outbound TCP packet from the device address is rewritten toward the local
// proxy server, replies from the proxy are rewritten back so the application
// sees the real remote endpoint, and DNS queries are handed to a resolver.
package intercept

import (
	"io"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/pshima/natproxy/pkg/packet"
)

// Config holds configuration for the interception engine
type Config struct {
	// VirtualIP is the address assigned to the virtual interface.
	VirtualIP netip.Addr
	// ProxyPort is the port the local proxy server listens on.
	ProxyPort uint16
	// BufferSize bounds a single packet; it is capped at packet.MaxPacketSize.
	BufferSize int
}

// Device is the virtual interface. A Read returns exactly one IP packet and a
// Write must carry exactly one complete IP packet.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// PacketWriter writes a complete IP packet to the virtual interface.
type PacketWriter interface {
	WritePacket(b []byte) error
}

// DNSHandler answers DNS queries sent by the device. ip and udp alias the
// engine's packet buffer and are only valid for the duration of the call;
// the handler owns building and writing any reply through w.
type DNSHandler interface {
	HandleQuery(w PacketWriter, ip *packet.IPv4Header, udp *packet.UDPHeader, msg *dns.Msg)
}

// Observer receives status and log events from the engine. Callbacks run on
// the engine goroutine and must not block.
type Observer interface {
	OnStatusChanged(status string, running bool)
	OnLog(msg string)
}

// InterceptStats holds statistics about intercepted traffic
type InterceptStats struct {
	PacketsRead     int64
	PacketsSent     int64 // rewritten toward the proxy
	PacketsReceived int64 // restored toward the application
	BytesSent       int64
	BytesReceived   int64
	DroppedPackets  int64
	NoSession       int64
	DNSQueries      int64
	WriteErrors     int64
}

// Engine status values passed to Observer.OnStatusChanged.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)
