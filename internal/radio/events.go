package radio

// Event is a notification from the radio about the outcome of a command or
// an unsolicited change (adapter power, advertisements, link loss, values).
type Event interface {
	radioEvent()
}

// EventSink receives radio events. Implementations of Radio may call it from
// any goroutine but never from inside one of their own command methods.
type EventSink func(Event)

// AdapterStateChanged reports a new adapter state. Err carries the platform
// error that caused a non-powered state, if any.
type AdapterStateChanged struct {
	State AdapterState
	Err   error
}

// PeripheralDiscovered is delivered for every received advertisement,
// duplicates included.
type PeripheralDiscovered struct {
	ID            string
	Advertisement Advertisement
}

// ScanStopped reports that discovery ended without being asked to, e.g. the
// adapter went away. Err is nil for a requested stop.
type ScanStopped struct {
	Err error
}

type Connected struct {
	ID string
}

type ConnectFailed struct {
	ID  string
	Err error
}

// Disconnected confirms teardown of a link. Err is nil for a requested
// disconnect and non-nil when the link was lost.
type Disconnected struct {
	ID  string
	Err error
}

// ServicesDiscovered lists the normalized UUIDs of the discovered services
// that matched the requested filter.
type ServicesDiscovered struct {
	ID       string
	Services []string
	Err      error
}

type CharacteristicsDiscovered struct {
	ID              string
	Service         string
	Characteristics []Characteristic
	Err             error
}

// ValueUpdated carries a notification/indication payload.
type ValueUpdated struct {
	ID             string
	Characteristic string
	Value          []byte
	Err            error
}

type NotifyStateChanged struct {
	ID             string
	Characteristic string
	Enabled        bool
	Err            error
}

// WriteCompleted acknowledges a write issued with a response requested.
type WriteCompleted struct {
	ID             string
	Characteristic string
	Err            error
}

func (AdapterStateChanged) radioEvent()       {}
func (PeripheralDiscovered) radioEvent()      {}
func (ScanStopped) radioEvent()               {}
func (Connected) radioEvent()                 {}
func (ConnectFailed) radioEvent()             {}
func (Disconnected) radioEvent()              {}
func (ServicesDiscovered) radioEvent()        {}
func (CharacteristicsDiscovered) radioEvent() {}
func (ValueUpdated) radioEvent()              {}
func (NotifyStateChanged) radioEvent()        {}
func (WriteCompleted) radioEvent()            {}
