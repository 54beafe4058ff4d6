//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/agvlink/internal/radio"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w on %s", radio.ErrUnsupported, runtime.GOOS)
}
