package packet

import (
	"encoding/binary"
	"fmt"
)

const UDPHeaderLen = 8

// UDPHeader is a read/write view of a UDP header.
type UDPHeader struct {
	data   []byte
	offset int
}

func NewUDPHeader(data []byte, offset int) *UDPHeader {
	return &UDPHeader{data: data, offset: offset}
}

func (h *UDPHeader) Data() []byte { return h.data }

func (h *UDPHeader) Offset() int { return h.offset }

func (h *UDPHeader) Reset(offset int) { h.offset = offset }

func (h *UDPHeader) SourcePort() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset:])
}

func (h *UDPHeader) SetSourcePort(p uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset:], p)
}

func (h *UDPHeader) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+2:])
}

func (h *UDPHeader) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+2:], p)
}

// Length is the UDP length field: header plus payload.
func (h *UDPHeader) Length() int {
	return int(binary.BigEndian.Uint16(h.data[h.offset+4:]))
}

func (h *UDPHeader) SetLength(n int) {
	binary.BigEndian.PutUint16(h.data[h.offset+4:], uint16(n))
}

func (h *UDPHeader) Checksum() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+6:])
}

func (h *UDPHeader) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+6:], v)
}

// Payload returns the datagram body. Validate first.
func (h *UDPHeader) Payload() []byte {
	return h.data[h.offset+UDPHeaderLen : h.offset+h.Length()]
}

// Validate checks the length field against the IP payload length.
func (h *UDPHeader) Validate(segmentLen int) error {
	if segmentLen < UDPHeaderLen || h.offset+segmentLen > len(h.data) {
		return fmt.Errorf("%w: udp datagram of %d bytes", ErrTruncated, segmentLen)
	}
	if l := h.Length(); l < UDPHeaderLen || l > segmentLen {
		return fmt.Errorf("%w: udp length %d", ErrMalformed, l)
	}
	return nil
}

func (h *UDPHeader) String() string {
	return fmt.Sprintf("%d->%d len=%d", h.SourcePort(), h.DestinationPort(), h.Length())
}
