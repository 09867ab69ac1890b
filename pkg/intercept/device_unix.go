//go:build linux || darwin

package intercept

import "github.com/songgao/water"

func setDeviceName(cfg *water.Config, name string) {
	cfg.Name = name
}
