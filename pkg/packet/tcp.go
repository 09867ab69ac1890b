package packet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// TCP flag bits
const (
	TCPFlagFIN uint8 = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
)

const (
	TCPMinHeaderLen = 20
	TCPMaxHeaderLen = 60
)

const (
	tcpOffSrcPort  = 0
	tcpOffDstPort  = 2
	tcpOffSeq      = 4
	tcpOffAck      = 8
	tcpOffDataOff  = 12
	tcpOffFlags    = 13
	tcpOffWindow   = 14
	tcpOffChecksum = 16
	tcpOffUrgent   = 18
)

// TCPHeader is a read/write view of a TCP header. It normally aliases the
// buffer of an IPv4Header at the IP header length.
type TCPHeader struct {
	data   []byte
	offset int
}

func NewTCPHeader(data []byte, offset int) *TCPHeader {
	return &TCPHeader{data: data, offset: offset}
}

func (h *TCPHeader) Data() []byte { return h.data }

func (h *TCPHeader) Offset() int { return h.offset }

// Reset re-targets the view at offset within the same buffer.
func (h *TCPHeader) Reset(offset int) { h.offset = offset }

func (h *TCPHeader) SourcePort() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+tcpOffSrcPort:])
}

func (h *TCPHeader) SetSourcePort(p uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+tcpOffSrcPort:], p)
}

func (h *TCPHeader) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+tcpOffDstPort:])
}

func (h *TCPHeader) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+tcpOffDstPort:], p)
}

func (h *TCPHeader) Seq() uint32 {
	return binary.BigEndian.Uint32(h.data[h.offset+tcpOffSeq:])
}

func (h *TCPHeader) Ack() uint32 {
	return binary.BigEndian.Uint32(h.data[h.offset+tcpOffAck:])
}

// HeaderLength returns the data offset field in bytes.
func (h *TCPHeader) HeaderLength() int {
	return int(h.data[h.offset+tcpOffDataOff]>>4) * 4
}

func (h *TCPHeader) Flags() uint8 { return h.data[h.offset+tcpOffFlags] & 0x3f }

func (h *TCPHeader) HasFlag(f uint8) bool { return h.Flags()&f == f }

func (h *TCPHeader) Window() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+tcpOffWindow:])
}

func (h *TCPHeader) Checksum() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+tcpOffChecksum:])
}

func (h *TCPHeader) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+tcpOffChecksum:], v)
}

func (h *TCPHeader) UrgentPointer() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+tcpOffUrgent:])
}

// Validate checks the header against the segment length taken from the
// enclosing IP header.
func (h *TCPHeader) Validate(segmentLen int) error {
	if segmentLen < TCPMinHeaderLen || h.offset+segmentLen > len(h.data) {
		return fmt.Errorf("%w: tcp segment of %d bytes", ErrTruncated, segmentLen)
	}
	hl := h.HeaderLength()
	if hl < TCPMinHeaderLen || hl > segmentLen {
		return fmt.Errorf("%w: tcp header length %d", ErrMalformed, hl)
	}
	return nil
}

func (h *TCPHeader) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit  uint8
		name string
	}{
		{TCPFlagSYN, "SYN "},
		{TCPFlagACK, "ACK "},
		{TCPFlagPSH, "PSH "},
		{TCPFlagRST, "RST "},
		{TCPFlagFIN, "FIN "},
		{TCPFlagURG, "URG "},
	} {
		if h.HasFlag(f.bit) {
			b.WriteString(f.name)
		}
	}
	fmt.Fprintf(&b, "%d->%d seq=%d ack=%d", h.SourcePort(), h.DestinationPort(), h.Seq(), h.Ack())
	return b.String()
}
