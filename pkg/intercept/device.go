package intercept

import (
	"fmt"
	"runtime"

	nperrors "github.com/pshima/natproxy/internal/errors"
	"github.com/songgao/water"
)

// OpenTUN opens a layer 3 virtual interface. name may be empty to let the
// system choose. Addresses and routes must be configured separately.
func OpenTUN(name string) (Device, error) {
	if !IsSupported() {
		return nil, nperrors.Errorf(nperrors.KindUnsupported, "tun devices are not supported on %s", runtime.GOOS)
	}
	cfg := water.Config{DeviceType: water.TUN}
	setDeviceName(&cfg, name)

	ifce, err := water.New(cfg)
	if err != nil {
		return nil, nperrors.Wrap(fmt.Errorf("open tun %q: %w", name, err), nperrors.KindFatal, "virtual interface")
	}
	return ifce, nil
}
