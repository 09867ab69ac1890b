package tunnel

import (
	"net"
	"time"
)

// ProtectedDialer returns a dialer whose sockets are excluded from capture
// by the virtual interface. mark is the routing mark applied to each socket
// where the platform supports it; 0 disables marking.
func ProtectedDialer(mark int, timeout time.Duration) *net.Dialer {
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if mark != 0 {
		d.Control = protect(mark)
	}
	return d
}
