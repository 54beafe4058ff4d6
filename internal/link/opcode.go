package link

import (
	"fmt"
	"strconv"
	"strings"
)

// Opcode is the single byte written to the command characteristic.
type Opcode uint8

const (
	OpStop       Opcode = 0
	OpForward    Opcode = 1
	OpTurnAround Opcode = 2
)

func (o Opcode) String() string {
	switch o {
	case OpStop:
		return "stop"
	case OpForward:
		return "forward"
	case OpTurnAround:
		return "turn"
	default:
		return fmt.Sprintf("0x%02x", uint8(o))
	}
}

// ParseOpcode accepts a command name (stop, forward, turn) or an unsigned
// byte in decimal or 0x-prefixed hex. Bytes without a name are passed through
// uninterpreted.
func ParseOpcode(text string) (Opcode, error) {
	s := strings.ToLower(strings.TrimSpace(text))
	switch s {
	case "stop", "s":
		return OpStop, nil
	case "forward", "fwd", "f":
		return OpForward, nil
	case "turn", "turnaround", "turn-around", "t":
		return OpTurnAround, nil
	case "":
		return 0, fmt.Errorf("%w: empty command", ErrInvalidOpcode)
	}

	base := 10
	if strings.HasPrefix(s, "0x") {
		base = 16
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a command name or a byte (0-255)", ErrInvalidOpcode, text)
	}
	return Opcode(v), nil
}
