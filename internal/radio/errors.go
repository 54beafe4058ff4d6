package radio

import (
	"errors"
	"fmt"
)

// Platform-level errors. Backends wrap their native errors with these so the
// link can react without knowing which BLE stack is underneath.
var (
	ErrBluetoothOff        = errors.New("bluetooth is turned off")
	ErrUnauthorized        = errors.New("bluetooth access is not authorized")
	ErrUnsupported         = errors.New("bluetooth low energy is not supported")
	ErrNotConnected        = errors.New("device not connected")
	ErrConnectionLost      = errors.New("connection lost")
	ErrUnknownPeripheral   = errors.New("unknown peripheral")
	ErrUnknownAttribute    = errors.New("unknown attribute")
	ErrOperationInProgress = errors.New("operation already in progress")
)

// NotFoundError represents a GATT resource the peripheral does not expose.
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	switch len(e.UUIDs) {
	case 0:
		return fmt.Sprintf("%s not found", e.Resource)
	case 1:
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	default:
		return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
	}
}

// StateForError maps a normalized platform error onto the adapter state it implies.
// Errors that say nothing about the adapter map to AdapterUnknown.
func StateForError(err error) AdapterState {
	switch {
	case err == nil:
		return AdapterPoweredOn
	case errors.Is(err, ErrBluetoothOff):
		return AdapterPoweredOff
	case errors.Is(err, ErrUnauthorized):
		return AdapterUnauthorized
	case errors.Is(err, ErrUnsupported):
		return AdapterUnsupported
	default:
		return AdapterUnknown
	}
}
