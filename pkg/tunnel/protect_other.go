//go:build !linux

package tunnel

import "syscall"

// Socket marks are Linux only; elsewhere routes must exclude the relay.
func protect(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
