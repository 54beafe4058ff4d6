package link

import (
	"errors"
	"fmt"

	"github.com/srg/agvlink/internal/radio"
)

var (
	ErrAdapterNotReady     = errors.New("bluetooth adapter is not powered on")
	ErrNotReady            = errors.New("link is not ready")
	ErrDiscoveryIncomplete = errors.New("AGV service or characteristics not found")
	ErrUnknownPeripheral   = radio.ErrUnknownPeripheral
	ErrBusy                = errors.New("a connection is already active")
	ErrClosed              = errors.New("link manager is closed")
	ErrTimeout             = errors.New("operation timed out")
	ErrConnectFailed       = errors.New("connection failed")
	ErrWriteFailed         = errors.New("command write failed")
	ErrInvalidOpcode       = errors.New("invalid opcode")
)

// ConnectError reports why a connection attempt did not reach the Ready phase.
type ConnectError struct {
	ID  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %q: %v", e.ID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// WriteError reports a command write the peripheral did not acknowledge.
type WriteError struct {
	Opcode Opcode
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write opcode %s: %v", e.Opcode, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Is(target error) bool { return target == ErrWriteFailed }
