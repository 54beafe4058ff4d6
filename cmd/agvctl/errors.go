package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/mission"
	"github.com/srg/agvlink/internal/radio"
)

// ErrLinkLost is returned by long-running commands when the AGV drops the link.
var ErrLinkLost = errors.New("link to AGV lost")

// FormatUserError turns an error into a message for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var scriptErr *mission.ScriptError
	switch {
	case errors.As(err, &scriptErr):
		return scriptErr.Error()
	case errors.Is(err, radio.ErrUnauthorized):
		return fmt.Sprintf("Bluetooth access denied; grant this program Bluetooth permission (%v)", err)
	case errors.Is(err, radio.ErrUnsupported):
		return fmt.Sprintf("Bluetooth LE is not supported on this machine (%v)", err)
	case errors.Is(err, radio.ErrBluetoothOff), errors.Is(err, link.ErrAdapterNotReady):
		return fmt.Sprintf("Bluetooth is not ready; make sure it is turned on (%v)", err)
	case errors.Is(err, link.ErrUnknownPeripheral):
		return fmt.Sprintf("AGV not found; check the ID with 'agvctl scan' (%v)", err)
	case errors.Is(err, link.ErrDiscoveryIncomplete):
		return fmt.Sprintf("device does not look like an AGV controller (%v)", err)
	case errors.Is(err, link.ErrConnectFailed):
		return fmt.Sprintf("could not connect to the AGV (%v)", err)
	case errors.Is(err, link.ErrWriteFailed):
		return fmt.Sprintf("AGV did not accept the command (%v)", err)
	case errors.Is(err, link.ErrInvalidOpcode):
		return fmt.Sprintf("%v; use stop, forward, turn or a byte 0-255", err)
	case errors.Is(err, ErrLinkLost):
		return fmt.Sprintf("connection to the AGV was lost (%v)", err)
	case errors.Is(err, link.ErrNotReady):
		return fmt.Sprintf("AGV link is not ready (%v)", err)
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
