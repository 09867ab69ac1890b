package intercept

import "runtime"

// IsSupported returns true if a TUN device can be opened on this platform
func IsSupported() bool {
	switch runtime.GOOS {
	case "windows", "darwin", "linux":
		return true
	default:
		return false
	}
}

// RequiresPrivileges returns true if opening the device needs elevated privileges
func RequiresPrivileges() bool {
	switch runtime.GOOS {
	case "windows":
		return true // Administrator for the TAP-Windows driver
	case "darwin":
		return true // root for utun
	case "linux":
		return true // CAP_NET_ADMIN for /dev/net/tun
	default:
		return false
	}
}
