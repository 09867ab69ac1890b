package intercept

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
)

// SniffHost extracts the destination host name from the first payload of a
// connection: the Host header of an HTTP request or the SNI of a TLS
// ClientHello. It returns "" when neither is present.
func SniffHost(payload []byte) string {
	switch {
	case isHTTPRequest(payload):
		return parseHTTPHost(payload)
	case isTLSHandshake(payload):
		info, err := extractTLSInfo(payload)
		if err != nil {
			return ""
		}
		return info.ServerName
	}
	return ""
}

var httpMethods = []string{"GET ", "POST", "PUT ", "DELE", "HEAD", "OPTI", "PATC", "TRAC", "CONN"}

// isHTTPRequest checks if the payload starts with an HTTP method
func isHTTPRequest(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	prefix := string(data[:4])
	for _, m := range httpMethods {
		if prefix == m {
			return true
		}
	}
	return false
}

// parseHTTPHost returns the Host header value without its port. Only the
// header block present in this payload is examined.
func parseHTTPHost(data []byte) string {
	if end := bytes.Index(data, []byte("\r\n\r\n")); end >= 0 {
		data = data[:end]
	}
	lines := bytes.Split(data, []byte("\r\n"))
	for _, line := range lines[1:] {
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok || !strings.EqualFold(string(bytes.TrimSpace(name)), "host") {
			continue
		}
		return stripPort(string(bytes.TrimSpace(value)))
	}
	return ""
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

// TLSInfo holds information extracted from a TLS ClientHello
type TLSInfo struct {
	ServerName string
	Version    uint16
}

var errShortHello = errors.New("truncated ClientHello")

// isTLSHandshake checks if the given data looks like a TLS handshake record
func isTLSHandshake(data []byte) bool {
	if len(data) < 6 {
		return false
	}
	return data[0] == 0x16 && data[1] == 0x03 && data[5] == 0x01
}

// extractTLSInfo reads the SNI from a ClientHello without terminating the
// connection. The hello must fit in this payload.
func extractTLSInfo(data []byte) (*TLSInfo, error) {
	if len(data) < 43 {
		return nil, errShortHello
	}
	if data[0] != 0x16 {
		return nil, fmt.Errorf("not a TLS handshake record")
	}
	version := uint16(data[1])<<8 | uint16(data[2])
	if version < 0x0301 {
		return nil, fmt.Errorf("unsupported TLS version: %04x", version)
	}
	info := &TLSInfo{Version: version}

	// record header (5), handshake header (4), client version (2), random (32)
	offset := 5 + 4 + 2 + 32

	if len(data) < offset+1 {
		return nil, errShortHello
	}
	offset += 1 + int(data[offset]) // session id

	if len(data) < offset+2 {
		return nil, errShortHello
	}
	offset += 2 + (int(data[offset])<<8 | int(data[offset+1])) // cipher suites

	if len(data) < offset+1 {
		return nil, errShortHello
	}
	offset += 1 + int(data[offset]) // compression methods

	if len(data) < offset+2 {
		// No extensions, so no SNI.
		return info, nil
	}
	extEnd := offset + 2 + (int(data[offset])<<8 | int(data[offset+1]))
	offset += 2
	if len(data) < extEnd {
		return nil, errShortHello
	}

	for offset+4 <= extEnd {
		extType := uint16(data[offset])<<8 | uint16(data[offset+1])
		extLen := int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if offset+extLen > extEnd {
			break
		}
		if extType == 0x0000 {
			if sni, err := parseSNIExtension(data[offset : offset+extLen]); err == nil {
				info.ServerName = sni
			}
			break
		}
		offset += extLen
	}
	return info, nil
}

// parseSNIExtension parses the Server Name Indication extension
func parseSNIExtension(data []byte) (string, error) {
	if len(data) < 5 {
		return "", fmt.Errorf("SNI extension too short")
	}
	offset := 2 // server name list length
	for offset+3 <= len(data) {
		nameType := data[offset]
		nameLen := int(data[offset+1])<<8 | int(data[offset+2])
		offset += 3
		if offset+nameLen > len(data) {
			return "", fmt.Errorf("insufficient data for server name")
		}
		if nameType == 0x00 {
			return string(data[offset : offset+nameLen]), nil
		}
		offset += nameLen
	}
	return "", fmt.Errorf("no hostname found in SNI extension")
}
