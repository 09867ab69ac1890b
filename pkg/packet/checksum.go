package packet

import "net/netip"

// sum adds b to initial as a sequence of big-endian 16-bit words. An odd
// trailing byte is padded with zero.
func sum(initial uint32, b []byte) uint32 {
	s := initial
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		s += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		s += uint32(b[n-1]) << 8
	}
	return s
}

func fold(s uint32) uint16 {
	for s>>16 != 0 {
		s = s&0xffff + s>>16
	}
	return uint16(s)
}

// Checksum returns the Internet checksum (one's complement of the one's
// complement sum) of b, seeded with initial.
func Checksum(initial uint32, b []byte) uint16 {
	return ^fold(sum(initial, b))
}

// pseudoHeaderSum is the partial sum of the TCP/UDP pseudo-header.
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	s4, d4 := src.As4(), dst.As4()
	s := sum(0, s4[:])
	s = sum(s, d4[:])
	s += uint32(proto)
	s += uint32(length)
	return s
}

// ComputeIPChecksum recomputes the checksum over the IPv4 header only.
func ComputeIPChecksum(ip *IPv4Header) uint16 {
	ip.SetChecksum(0)
	hdr := ip.data[ip.offset : ip.offset+ip.HeaderLength()]
	c := Checksum(0, hdr)
	ip.SetChecksum(c)
	return c
}

// ComputeTCPChecksum recomputes the IP header checksum and then the TCP
// checksum over the pseudo-header, TCP header and payload.
func ComputeTCPChecksum(ip *IPv4Header, tcp *TCPHeader) uint16 {
	ComputeIPChecksum(ip)
	segLen := ip.DataLength()
	if segLen < 0 {
		return 0
	}
	tcp.SetChecksum(0)
	seg := tcp.data[tcp.offset : tcp.offset+segLen]
	c := Checksum(pseudoHeaderSum(ip.SourceIP(), ip.DestinationIP(), ProtocolTCP, segLen), seg)
	tcp.SetChecksum(c)
	return c
}

// ComputeUDPChecksum recomputes the IP header checksum and the UDP checksum.
// A computed value of zero is sent as 0xffff since zero means "no checksum".
func ComputeUDPChecksum(ip *IPv4Header, udp *UDPHeader) uint16 {
	ComputeIPChecksum(ip)
	segLen := ip.DataLength()
	if segLen < 0 {
		return 0
	}
	udp.SetChecksum(0)
	seg := udp.data[udp.offset : udp.offset+segLen]
	c := Checksum(pseudoHeaderSum(ip.SourceIP(), ip.DestinationIP(), ProtocolUDP, segLen), seg)
	if c == 0 {
		c = 0xffff
	}
	udp.SetChecksum(c)
	return c
}

// BuildIPv4UDP assembles a complete IPv4/UDP datagram with valid checksums.
func BuildIPv4UDP(src netip.AddrPort, dst netip.AddrPort, id uint16, payload []byte) []byte {
	total := IPv4MinHeaderLen + UDPHeaderLen + len(payload)
	buf := make([]byte, total)

	ip := NewIPv4Header(buf, 0)
	ip.SetHeaderLength(IPv4MinHeaderLen)
	ip.SetTotalLength(total)
	ip.SetIdentification(id)
	ip.SetFlagsAndFragment(0x4000) // DF
	ip.SetTTL(64)
	ip.SetProtocol(ProtocolUDP)
	ip.SetSourceIP(src.Addr())
	ip.SetDestinationIP(dst.Addr())

	udp := NewUDPHeader(buf, IPv4MinHeaderLen)
	udp.SetSourcePort(src.Port())
	udp.SetDestinationPort(dst.Port())
	udp.SetLength(UDPHeaderLen + len(payload))
	copy(buf[IPv4MinHeaderLen+UDPHeaderLen:], payload)

	ComputeUDPChecksum(ip, udp)
	return buf
}
