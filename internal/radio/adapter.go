package radio

// AdapterState mirrors the power/authorization state of the local BLE adapter.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

var adapterStateNames = [...]string{
	AdapterUnknown:      "unknown",
	AdapterResetting:    "resetting",
	AdapterUnsupported:  "unsupported",
	AdapterUnauthorized: "unauthorized",
	AdapterPoweredOff:   "powered_off",
	AdapterPoweredOn:    "powered_on",
}

var adapterStateDescriptions = [...]string{
	AdapterUnknown:      "Unknown",
	AdapterResetting:    "Resetting",
	AdapterUnsupported:  "Not supported",
	AdapterUnauthorized: "Unauthorized",
	AdapterPoweredOff:   "Powered off",
	AdapterPoweredOn:    "Powered on",
}

func (s AdapterState) String() string {
	if s < 0 || int(s) >= len(adapterStateNames) {
		return "invalid"
	}
	return adapterStateNames[s]
}

// Description returns a human-readable label for status displays.
func (s AdapterState) Description() string {
	if s < 0 || int(s) >= len(adapterStateDescriptions) {
		return "Invalid"
	}
	return adapterStateDescriptions[s]
}

// Settled reports whether the adapter has left the transient states
// (Unknown, Resetting) and reached a state callers can act on.
func (s AdapterState) Settled() bool {
	return s != AdapterUnknown && s != AdapterResetting
}
