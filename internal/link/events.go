package link

// Event is delivered to subscribers in the order the manager produced it.
type Event interface {
	linkEvent()
}

// StateChanged carries the snapshot after any observable change.
type StateChanged struct {
	State State
}

// ConnectFailed reports a connection attempt that ended before Ready.
// Err is a *ConnectError.
type ConnectFailed struct {
	Err error
}

// DiscoveryIncomplete reports a peripheral without the AGV service or its
// characteristics. The connection is torn down.
type DiscoveryIncomplete struct {
	ID  string
	Err error
}

// WriteFailed reports a command the peripheral did not acknowledge.
// Err is a *WriteError.
type WriteFailed struct {
	Err error
}

// CommandWritten confirms an acknowledged command.
type CommandWritten struct {
	Opcode Opcode
}

type NotificationReceived struct {
	Notification Notification
}

// LinkLost reports a Ready or discovering connection dropped by the peer or the platform.
type LinkLost struct {
	ID  string
	Err error
}

// SubscribeFailed reports that notifications could not be enabled. The link stays Ready.
type SubscribeFailed struct {
	ID  string
	Err error
}

// ScanFailed reports that discovery ended on its own.
type ScanFailed struct {
	Err error
}

func (StateChanged) linkEvent()         {}
func (ConnectFailed) linkEvent()        {}
func (DiscoveryIncomplete) linkEvent()  {}
func (WriteFailed) linkEvent()          {}
func (CommandWritten) linkEvent()       {}
func (NotificationReceived) linkEvent() {}
func (LinkLost) linkEvent()             {}
func (SubscribeFailed) linkEvent()      {}
func (ScanFailed) linkEvent()           {}
