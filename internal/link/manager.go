package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/agvlink/internal/groutine"
	"github.com/srg/agvlink/internal/radio"
	"github.com/srg/agvlink/internal/ringchan"
)

// GATT identifiers of the AGV command interface.
const (
	ServiceUUID               = "0000ffe0-0000-1000-8000-00805f9b34fb"
	NotifyCharacteristicUUID  = "0000ffe1-0000-1000-8000-00805f9b34fb"
	CommandCharacteristicUUID = "0000ffe2-0000-1000-8000-00805f9b34fb"
)

// Manager is the connection manager for a single AGV.
//
// All fields below the loop marker are owned by the loop goroutine and must
// only be touched from functions it runs.
type Manager struct {
	radio  radio.Radio
	opts   Options
	logger *logrus.Logger
	now    func() time.Time

	inbox     chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error

	snapshot atomic.Pointer[State]
	history  mpmc.RichOverlappedRingBuffer[Notification]
	dropped  atomic.Int64

	// loop
	stopped    bool
	adapter    radio.AdapterState
	scanning   bool
	discovered *orderedmap.OrderedMap[string, Peripheral]
	conn       *connection
	connGen    uint64
	subs       map[uint64]*ringchan.RingChannel[Event]
	nextSub    uint64

	// forced counts teardowns per peripheral that the radio never confirmed;
	// the late Disconnected for each is swallowed.
	forced map[string]int
}

type connection struct {
	gen        uint64
	peripheral Peripheral
	phase      Phase
	closing    bool

	notifyChar  *radio.Characteristic
	commandChar *radio.Characteristic
	notifying   bool

	timer   *time.Timer
	pending []*pendingWrite
}

type pendingWrite struct {
	op       Opcode
	timer    *time.Timer
	timedOut bool
}

func (c *connection) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// NewManager starts the event loop and the radio. The manager owns r from now
// on and closes it in Close.
func NewManager(r radio.Radio, opts Options, logger *logrus.Logger) (*Manager, error) {
	if r == nil {
		return nil, fmt.Errorf("radio cannot be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	m := &Manager{
		radio:      r,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		inbox:      make(chan func(), opts.InboxSize),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		history:    mpmc.NewOverlappedRingBuffer[Notification](opts.NotificationHistory),
		discovered: orderedmap.New[string, Peripheral](),
		subs:       make(map[uint64]*ringchan.RingChannel[Event]),
		forced:     make(map[string]int),
	}
	m.snapshot.Store(&State{})

	groutine.Go(context.Background(), "agv-link-loop", m.run)

	if err := r.Start(m.onRadioEvent); err != nil {
		close(m.done)
		<-m.loopDone
		return nil, fmt.Errorf("failed to start radio: %w", err)
	}
	return m, nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.loopDone)
	m.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Link loop started")
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn for the loop; false means the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the loop and returns its result.
func (m *Manager) call(fn func() error) error {
	res := make(chan error, 1)
	ok := m.post(func() {
		if m.stopped {
			res <- ErrClosed
			return
		}
		res <- fn()
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-m.loopDone:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

func (m *Manager) onRadioEvent(ev radio.Event) {
	m.post(func() {
		if !m.stopped {
			m.handleRadio(ev)
		}
	})
}

// after runs fn on the loop once d elapses, provided connection gen is still current.
func (m *Manager) after(d time.Duration, gen uint64, fn func(c *connection)) *time.Timer {
	if d <= 0 {
		return nil
	}
	return time.AfterFunc(d, func() {
		m.post(func() {
			if m.stopped || m.conn == nil || m.conn.gen != gen {
				return
			}
			fn(m.conn)
		})
	})
}

// ----------------------------
// Public operations
// ----------------------------

// State returns the latest snapshot. Safe from any goroutine.
func (m *Manager) State() State {
	return *m.snapshot.Load()
}

// StartScan clears the discovered set and starts discovery. It requires a
// powered-on adapter; otherwise the set is left untouched.
func (m *Manager) StartScan() error {
	return m.call(func() error {
		if m.adapter != radio.AdapterPoweredOn {
			return fmt.Errorf("%w: adapter is %s", ErrAdapterNotReady, m.adapter)
		}
		if err := m.radio.StartScan(); err != nil {
			m.logger.WithField("error", err).Warn("Failed to start scan")
			return fmt.Errorf("failed to start scan: %w", err)
		}
		m.discovered = orderedmap.New[string, Peripheral]()
		m.scanning = true
		m.logger.Info("Scanning for peripherals...")
		m.publish()
		return nil
	})
}

// StopScan halts discovery. The discovered set is kept.
func (m *Manager) StopScan() {
	_ = m.call(func() error {
		if !m.scanning {
			return nil
		}
		m.radio.StopScan()
		m.scanning = false
		m.logger.WithField("discovered", m.discovered.Len()).Info("Scan stopped")
		m.publish()
		return nil
	})
}

// Connect starts connecting to a peripheral of the current discovered set.
// The outcome is reported through events.
func (m *Manager) Connect(id string) error {
	return m.call(func() error {
		p, ok := m.discovered.Get(id)
		if !ok {
			return &ConnectError{ID: id, Err: ErrUnknownPeripheral}
		}
		if m.adapter != radio.AdapterPoweredOn {
			return fmt.Errorf("%w: adapter is %s", ErrAdapterNotReady, m.adapter)
		}
		if c := m.conn; c != nil {
			return fmt.Errorf("%w: %s is %s", ErrBusy, c.peripheral.ID, c.phase)
		}

		m.connGen++
		c := &connection{gen: m.connGen, peripheral: p, phase: PhaseConnecting}
		m.conn = c
		c.timer = m.after(m.opts.ConnectTimeout, c.gen, m.onConnectTimeout)

		m.logger.WithFields(logrus.Fields{
			"address": p.ID,
			"name":    p.DisplayName(),
		}).Info("Connecting...")
		m.radio.Connect(p.ID)
		m.publish()
		return nil
	})
}

// Disconnect requests teardown of the active connection. No-op when there is none.
func (m *Manager) Disconnect() {
	_ = m.call(func() error {
		c := m.conn
		if c == nil || c.closing {
			return nil
		}
		m.logger.WithField("address", c.peripheral.ID).Info("Disconnecting...")
		m.beginClose(c)
		m.publish()
		return nil
	})
}

// SendCommand writes op as a single byte, with response, to the command
// characteristic. It fails with ErrNotReady unless the link is Ready; write
// failures arrive later as WriteFailed events and are never retried.
func (m *Manager) SendCommand(op Opcode) error {
	return m.call(func() error {
		c := m.conn
		if c == nil || c.phase != PhaseReady || c.closing || c.commandChar == nil {
			phase := PhaseDisconnected
			if c != nil {
				phase = c.phase
			}
			return fmt.Errorf("%w: link is %s", ErrNotReady, phase)
		}

		pw := &pendingWrite{op: op}
		pw.timer = m.after(m.opts.WriteTimeout, c.gen, func(c *connection) { m.onWriteTimeout(c, pw) })
		c.pending = append(c.pending, pw)

		m.logger.WithFields(logrus.Fields{
			"address":   c.peripheral.ID,
			"opcode":    op.String(),
			"char_uuid": c.commandChar.UUID,
		}).Info("Sending command")
		m.radio.Write(c.peripheral.ID, c.commandChar.UUID, []byte{byte(op)}, true)
		return nil
	})
}

// Subscribe returns a channel of events starting with the current state.
// The channel keeps the newest EventBuffer events when the reader falls
// behind. It is closed by the returned cancel func or by Close.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	rc := ringchan.New[Event](m.opts.EventBuffer)
	var id uint64
	err := m.call(func() error {
		m.nextSub++
		id = m.nextSub
		m.subs[id] = rc
		rc.ForceSend(StateChanged{State: m.State()})
		return nil
	})
	if err != nil {
		rc.Close()
		return rc.C(), func() {}
	}
	return rc.C(), sync.OnceFunc(func() {
		_ = m.call(func() error {
			if s, ok := m.subs[id]; ok {
				delete(m.subs, id)
				s.Close()
			}
			return nil
		})
	})
}

// DrainNotifications removes and returns the buffered notification history,
// oldest first.
func (m *Manager) DrainNotifications() []Notification {
	var out []Notification
	for !m.history.IsEmpty() {
		n, err := m.history.Dequeue()
		if err != nil {
			break
		}
		out = append(out, n)
	}
	return out
}

// DroppedNotifications counts history entries overwritten before being drained.
func (m *Manager) DroppedNotifications() int64 {
	return m.dropped.Load()
}

// Close stops scanning, drops the connection, closes subscriber channels and the radio.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		_ = m.call(func() error {
			m.shutdown()
			return nil
		})
		close(m.done)
		<-m.loopDone
		m.closeErr = m.radio.Close()
	})
	return m.closeErr
}

func (m *Manager) shutdown() {
	if m.scanning {
		m.radio.StopScan()
		m.scanning = false
	}
	if c := m.conn; c != nil {
		c.closing = true
		m.radio.CancelConnection(c.peripheral.ID)
		m.teardown(nil)
	}
	m.publish()
	m.stopped = true
	for id, s := range m.subs {
		delete(m.subs, id)
		s.Close()
	}
	m.logger.Debug("Link manager closed")
}

// ----------------------------
// Loop helpers
// ----------------------------

func (m *Manager) buildState() State {
	s := State{
		Adapter:    m.adapter,
		Scanning:   m.scanning,
		Discovered: make([]Peripheral, 0, m.discovered.Len()),
	}
	for pair := m.discovered.Oldest(); pair != nil; pair = pair.Next() {
		s.Discovered = append(s.Discovered, pair.Value)
	}
	if c := m.conn; c != nil {
		p := c.peripheral
		s.Peripheral = &p
		s.Phase = c.phase
		s.Disconnecting = c.closing
		s.NotificationsEnabled = c.notifying
		if c.phase == PhaseReady && c.commandChar != nil {
			ch := *c.commandChar
			s.CommandCharacteristic = &ch
		}
	}
	return s
}

// refresh updates the snapshot without telling subscribers.
func (m *Manager) refresh() State {
	s := m.buildState()
	m.snapshot.Store(&s)
	return s
}

// publish updates the snapshot and broadcasts it.
func (m *Manager) publish() {
	m.emit(StateChanged{State: m.refresh()})
}

func (m *Manager) emit(ev Event) {
	for _, s := range m.subs {
		s.ForceSend(ev)
	}
}

// beginClose asks the radio to tear c down and arms the forced teardown.
func (m *Manager) beginClose(c *connection) {
	c.closing = true
	c.stopTimer()
	c.timer = m.after(m.opts.DisconnectTimeout, c.gen, func(c *connection) {
		m.logger.WithField("address", c.peripheral.ID).Warn("No disconnect confirmation, dropping connection")
		m.forced[c.peripheral.ID]++
		m.teardown(nil)
	})
	m.radio.CancelConnection(c.peripheral.ID)
}

// teardown drops the connection locally. reason is the cause reported by the
// radio; it is surfaced unless the teardown was requested or already reported.
func (m *Manager) teardown(reason error) {
	c := m.conn
	if c == nil {
		return
	}
	m.conn = nil
	c.stopTimer()

	for _, pw := range c.pending {
		if pw.timer != nil {
			pw.timer.Stop()
		}
		if !pw.timedOut {
			m.emit(WriteFailed{Err: &WriteError{Opcode: pw.op, Err: radio.ErrNotConnected}})
		}
	}
	c.pending = nil

	fields := logrus.Fields{"address": c.peripheral.ID, "phase": c.phase.String()}
	switch {
	case c.closing:
		m.logger.WithFields(fields).Info("Disconnected")
	case c.phase == PhaseConnecting:
		if reason == nil {
			reason = radio.ErrConnectionLost
		}
		fields["error"] = reason
		m.logger.WithFields(fields).Warn("Connection failed")
		m.emit(ConnectFailed{Err: &ConnectError{ID: c.peripheral.ID, Err: reason}})
	default:
		if reason == nil {
			reason = radio.ErrConnectionLost
		}
		fields["error"] = reason
		m.logger.WithFields(fields).Warn("Link lost")
		m.emit(LinkLost{ID: c.peripheral.ID, Err: reason})
	}
	m.publish()
}

// current returns the connection an event for id applies to, if any.
func (m *Manager) current(id string) *connection {
	if c := m.conn; c != nil && c.peripheral.ID == id {
		return c
	}
	return nil
}
