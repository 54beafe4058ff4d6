package goble

import (
	"fmt"
	"strings"

	"github.com/srg/agvlink/internal/radio"
)

// NormalizeError maps known go-ble error strings onto the radio sentinels.
// The original error is kept in the message so nothing is lost for logging.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	// CoreBluetooth appends "is Bluetooth turned on?" to every invalid state,
	// so the state code decides.
	case containsIgnoreCase(msg, "have=3 want=5"),
		containsIgnoreCase(msg, "unauthorized"),
		containsIgnoreCase(msg, "operation not permitted"):
		return fmt.Errorf("%w: %v", radio.ErrUnauthorized, err)
	case containsIgnoreCase(msg, "have=2 want=5"),
		containsIgnoreCase(msg, "not supported"):
		return fmt.Errorf("%w: %v", radio.ErrUnsupported, err)
	case containsIgnoreCase(msg, "have=4 want=5"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", radio.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	default:
		return err
	}
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
