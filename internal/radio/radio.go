package radio

// Advertisement is the metadata received with a discovery event.
type Advertisement struct {
	LocalName        string
	RSSI             int
	Connectable      bool
	Services         []string // normalized UUIDs
	ManufacturerData []byte
	TxPower          *int
}

// Property is a bit set of GATT characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of p2 are set in p.
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

// Characteristic identifies a discovered characteristic.
type Characteristic struct {
	UUID       string // normalized
	Properties Property
}

// Radio is the platform BLE stack as seen by the link.
//
// Command methods must not block on radio I/O and must not invoke the sink
// synchronously; results arrive as events. UUID arguments and results use the
// normalized form produced by NormalizeUUID. A nil or empty filter means
// "everything".
type Radio interface {
	// Start begins delivering events to sink. The first event is the current
	// adapter state once it is known.
	Start(sink EventSink) error

	// StartScan begins passive discovery; a running scan is restarted.
	StartScan() error
	// StopScan halts discovery. Idempotent.
	StopScan()

	Connect(id string)
	// CancelConnection tears down an established or pending link. Completion is
	// reported with Disconnected.
	CancelConnection(id string)

	DiscoverServices(id string, filter []string)
	DiscoverCharacteristics(id, service string, filter []string)
	SetNotify(id, characteristic string, enabled bool)
	Write(id, characteristic string, data []byte, withResponse bool)

	// Close releases the radio; no events are delivered afterwards.
	Close() error
}
