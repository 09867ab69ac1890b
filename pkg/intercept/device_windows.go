//go:build windows

package intercept

import "github.com/songgao/water"

func setDeviceName(cfg *water.Config, name string) {
	cfg.InterfaceName = name
}
