//go:build !linux && !darwin && !windows

package intercept

import "github.com/songgao/water"

func setDeviceName(*water.Config, string) {}
