package link

import (
	"time"

	"github.com/srg/agvlink/internal/radio"
)

// UnnamedDevice is shown for peripherals that advertise no local name.
const UnnamedDevice = "Unnamed device"

// Phase is the lifecycle of the single connection.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseServiceDiscovery
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseServiceDiscovery:
		return "service_discovery"
	case PhaseReady:
		return "ready"
	default:
		return "invalid"
	}
}

// Peripheral is a discovered device as seen during the current scan session.
type Peripheral struct {
	ID          string
	Name        string
	RSSI        int
	Connectable bool
	LastSeen    time.Time
}

// DisplayName returns the advertised name or a placeholder.
func (p Peripheral) DisplayName() string {
	if p.Name == "" {
		return UnnamedDevice
	}
	return p.Name
}

// Notification is a value pushed by the peripheral on the notify characteristic.
type Notification struct {
	PeripheralID string
	Value        []byte
	Received     time.Time
}

// State is an immutable snapshot of the manager.
type State struct {
	Adapter    radio.AdapterState
	Scanning   bool
	Discovered []Peripheral

	// Peripheral is the connecting or connected device, nil when disconnected.
	Peripheral *Peripheral
	Phase      Phase
	// Disconnecting is set once teardown was requested and not yet confirmed.
	Disconnecting bool

	// CommandCharacteristic is set exactly when Phase is PhaseReady.
	CommandCharacteristic *radio.Characteristic
	NotificationsEnabled  bool
}

// Ready reports whether commands can be sent.
func (s State) Ready() bool {
	return s.Phase == PhaseReady && s.CommandCharacteristic != nil && !s.Disconnecting
}

// Lookup finds a discovered peripheral by ID.
func (s State) Lookup(id string) (Peripheral, bool) {
	for _, p := range s.Discovered {
		if p.ID == id {
			return p, true
		}
	}
	return Peripheral{}, false
}
