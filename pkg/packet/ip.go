// Package packet provides zero-copy views over raw IPv4, TCP and UDP headers.
//
// A header view is a buffer plus an offset. Views never copy: several views
// may alias the same buffer at different offsets (an IPv4 view at 0 and a
// TCP view at the IP header length, for example) and a write through one
// view is immediately visible through the others. Callers must validate
// length fields against the number of bytes actually read before trusting
// them; see the Validate methods.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrTruncated = errors.New("packet truncated")
	ErrMalformed = errors.New("malformed header")
)

// Protocol numbers carried in the IPv4 protocol field
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

// MaxPacketSize is the largest packet the interception path ever handles.
const MaxPacketSize = 20000

const (
	IPv4MinHeaderLen = 20
	IPv4MaxHeaderLen = 60
)

const (
	ipOffVersionIHL = 0
	ipOffTOS        = 1
	ipOffTotalLen   = 2
	ipOffID         = 4
	ipOffFlagsFrag  = 6
	ipOffTTL        = 8
	ipOffProtocol   = 9
	ipOffChecksum   = 10
	ipOffSrc        = 12
	ipOffDst        = 16
)

// IPv4Header is a read/write view of an IPv4 header at Offset within Data.
type IPv4Header struct {
	data   []byte
	offset int
}

// NewIPv4Header returns a view of the IPv4 header starting at offset.
func NewIPv4Header(data []byte, offset int) *IPv4Header {
	return &IPv4Header{data: data, offset: offset}
}

// Data returns the underlying buffer. It is shared, not copied.
func (h *IPv4Header) Data() []byte { return h.data }

// Offset returns the position of the header within Data.
func (h *IPv4Header) Offset() int { return h.offset }

// Reset re-targets the view at another buffer and offset.
func (h *IPv4Header) Reset(data []byte, offset int) {
	h.data = data
	h.offset = offset
}

func (h *IPv4Header) Version() uint8 {
	return h.data[h.offset+ipOffVersionIHL] >> 4
}

// HeaderLength returns IHL in bytes.
func (h *IPv4Header) HeaderLength() int {
	return int(h.data[h.offset+ipOffVersionIHL]&0x0f) * 4
}

// SetHeaderLength writes version 4 and the IHL for n bytes.
func (h *IPv4Header) SetHeaderLength(n int) {
	h.data[h.offset+ipOffVersionIHL] = 4<<4 | byte(n/4)&0x0f
}

func (h *IPv4Header) TOS() uint8 { return h.data[h.offset+ipOffTOS] }

func (h *IPv4Header) SetTOS(v uint8) { h.data[h.offset+ipOffTOS] = v }

func (h *IPv4Header) TotalLength() int {
	return int(binary.BigEndian.Uint16(h.data[h.offset+ipOffTotalLen:]))
}

func (h *IPv4Header) SetTotalLength(n int) {
	binary.BigEndian.PutUint16(h.data[h.offset+ipOffTotalLen:], uint16(n))
}

// DataLength is the IP payload length: total length minus header length.
func (h *IPv4Header) DataLength() int {
	return h.TotalLength() - h.HeaderLength()
}

func (h *IPv4Header) Identification() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+ipOffID:])
}

func (h *IPv4Header) SetIdentification(v uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+ipOffID:], v)
}

func (h *IPv4Header) FlagsAndFragment() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+ipOffFlagsFrag:])
}

func (h *IPv4Header) SetFlagsAndFragment(v uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+ipOffFlagsFrag:], v)
}

func (h *IPv4Header) TTL() uint8 { return h.data[h.offset+ipOffTTL] }

func (h *IPv4Header) SetTTL(v uint8) { h.data[h.offset+ipOffTTL] = v }

func (h *IPv4Header) Protocol() uint8 { return h.data[h.offset+ipOffProtocol] }

func (h *IPv4Header) SetProtocol(v uint8) { h.data[h.offset+ipOffProtocol] = v }

func (h *IPv4Header) Checksum() uint16 {
	return binary.BigEndian.Uint16(h.data[h.offset+ipOffChecksum:])
}

func (h *IPv4Header) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(h.data[h.offset+ipOffChecksum:], v)
}

func (h *IPv4Header) SourceIP() netip.Addr {
	return netip.AddrFrom4([4]byte(h.data[h.offset+ipOffSrc : h.offset+ipOffSrc+4]))
}

// SetSourceIP writes an IPv4 address; other address families are ignored.
func (h *IPv4Header) SetSourceIP(ip netip.Addr) {
	if !ip.Is4() {
		return
	}
	a := ip.As4()
	copy(h.data[h.offset+ipOffSrc:], a[:])
}

func (h *IPv4Header) DestinationIP() netip.Addr {
	return netip.AddrFrom4([4]byte(h.data[h.offset+ipOffDst : h.offset+ipOffDst+4]))
}

func (h *IPv4Header) SetDestinationIP(ip netip.Addr) {
	if !ip.Is4() {
		return
	}
	a := ip.As4()
	copy(h.data[h.offset+ipOffDst:], a[:])
}

// Payload returns the bytes following the header up to the total length.
// It must only be called after Validate succeeded.
func (h *IPv4Header) Payload() []byte {
	return h.data[h.offset+h.HeaderLength() : h.offset+h.TotalLength()]
}

// Validate reports whether the header is a plausible IPv4 header for a
// packet of n bytes starting at the view offset.
func (h *IPv4Header) Validate(n int) error {
	if n < IPv4MinHeaderLen || h.offset+n > len(h.data) {
		return fmt.Errorf("%w: ipv4 packet of %d bytes", ErrTruncated, n)
	}
	if v := h.Version(); v != 4 {
		return fmt.Errorf("%w: ip version %d", ErrMalformed, v)
	}
	hl := h.HeaderLength()
	if hl < IPv4MinHeaderLen || hl > n {
		return fmt.Errorf("%w: ipv4 header length %d", ErrMalformed, hl)
	}
	tl := h.TotalLength()
	if tl < hl || tl > n || tl > MaxPacketSize {
		return fmt.Errorf("%w: ipv4 total length %d (read %d)", ErrMalformed, tl, n)
	}
	return nil
}

func (h *IPv4Header) String() string {
	return fmt.Sprintf("%s->%s proto=%d hlen=%d tlen=%d",
		h.SourceIP(), h.DestinationIP(), h.Protocol(), h.HeaderLength(), h.TotalLength())
}
