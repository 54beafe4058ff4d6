// Package radiotest provides a scriptable in-memory radio.Radio for tests.
package radiotest

import (
	"errors"
	"sync"
	"time"

	"github.com/srg/agvlink/internal/radio"
)

// Op names a radio command recorded by Fake.
type Op string

const (
	OpStart                   Op = "start"
	OpStartScan               Op = "start_scan"
	OpStopScan                Op = "stop_scan"
	OpConnect                 Op = "connect"
	OpCancelConnection        Op = "cancel_connection"
	OpDiscoverServices        Op = "discover_services"
	OpDiscoverCharacteristics Op = "discover_characteristics"
	OpSetNotify               Op = "set_notify"
	OpWrite                   Op = "write"
	OpClose                   Op = "close"
)

// Call is one recorded command.
type Call struct {
	Op             Op
	ID             string
	Service        string
	Characteristic string
	UUIDs          []string
	Data           []byte
	WithResponse   bool
	Enabled        bool
}

// Profile makes the fake answer commands on its own, like a well-behaved
// peripheral would. Responses are delivered from separate goroutines.
type Profile struct {
	// Services maps a service UUID to its characteristics.
	Services map[string][]radio.Characteristic
	// ConnectErr fails every connect attempt.
	ConnectErr error
	// WriteErr fails every write that asks for a response.
	WriteErr error
	// Adapter, when not AdapterUnknown, is announced right after Start.
	Adapter radio.AdapterState
	// Advertisements are replayed after every StartScan.
	Advertisements []radio.PeripheralDiscovered
}

// AGVProfile is the FFE0 service with FFE1 notify and FFE2 write characteristics.
func AGVProfile() *Profile {
	return &Profile{
		Services: map[string][]radio.Characteristic{
			"ffe0": {
				{UUID: "ffe1", Properties: radio.PropNotify | radio.PropRead},
				{UUID: "ffe2", Properties: radio.PropWrite | radio.PropWriteWithoutResponse},
			},
		},
	}
}

// Fake records every command and lets the test inject events.
type Fake struct {
	mu       sync.Mutex
	sink     radio.EventSink
	calls    []Call
	profile  *Profile
	startErr error
	scanErr  error
	closed   bool
	wg       sync.WaitGroup
}

var _ radio.Radio = (*Fake)(nil)

// New creates a fake radio that answers nothing until told to.
func New() *Fake {
	return &Fake{}
}

// SetProfile switches on automatic responses. nil switches them off.
func (f *Fake) SetProfile(p *Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile = p
}

// FailStart makes Start return err.
func (f *Fake) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// FailScan makes StartScan return err.
func (f *Fake) FailScan(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanErr = err
}

// Emit delivers ev to the sink from the calling goroutine.
func (f *Fake) Emit(ev radio.Event) {
	f.mu.Lock()
	sink, closed := f.sink, f.closed
	f.mu.Unlock()
	if sink == nil || closed {
		return
	}
	sink(ev)
}

func (f *Fake) emitAsync(ev radio.Event) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.Emit(ev)
	}()
}

func (f *Fake) record(c Call) *Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.profile
}

// Calls returns a copy of every recorded command.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded commands of one kind.
func (f *Fake) CallsTo(op Op) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// WaitForCalls polls until at least n commands of kind op were recorded.
func (f *Fake) WaitForCalls(op Op, n int, timeout time.Duration) ([]Call, bool) {
	deadline := time.Now().Add(timeout)
	for {
		calls := f.CallsTo(op)
		if len(calls) >= n {
			return calls, true
		}
		if time.Now().After(deadline) {
			return calls, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Reset forgets the recorded commands.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) Start(sink radio.EventSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: OpStart})
	if f.startErr != nil {
		return f.startErr
	}
	if f.sink != nil {
		return errors.New("radio already started")
	}
	f.sink = sink
	if f.profile != nil && f.profile.Adapter != radio.AdapterUnknown {
		f.emitAsync(radio.AdapterStateChanged{State: f.profile.Adapter})
	}
	return nil
}

func (f *Fake) StartScan() error {
	p := f.record(Call{Op: OpStartScan})
	f.mu.Lock()
	err := f.scanErr
	f.mu.Unlock()
	if err != nil || p == nil {
		return err
	}
	for _, adv := range p.Advertisements {
		f.emitAsync(adv)
	}
	return nil
}

func (f *Fake) StopScan() {
	f.record(Call{Op: OpStopScan})
}

func (f *Fake) Connect(id string) {
	p := f.record(Call{Op: OpConnect, ID: id})
	if p == nil {
		return
	}
	if p.ConnectErr != nil {
		f.emitAsync(radio.ConnectFailed{ID: id, Err: p.ConnectErr})
		return
	}
	f.emitAsync(radio.Connected{ID: id})
}

func (f *Fake) CancelConnection(id string) {
	if p := f.record(Call{Op: OpCancelConnection, ID: id}); p != nil {
		f.emitAsync(radio.Disconnected{ID: id})
	}
}

func (f *Fake) DiscoverServices(id string, filter []string) {
	p := f.record(Call{Op: OpDiscoverServices, ID: id, UUIDs: filter})
	if p == nil {
		return
	}
	var found []string
	for svc := range p.Services {
		if len(filter) == 0 || radio.ContainsUUID(filter, svc) {
			found = append(found, radio.NormalizeUUID(svc))
		}
	}
	f.emitAsync(radio.ServicesDiscovered{ID: id, Services: found})
}

func (f *Fake) DiscoverCharacteristics(id, service string, filter []string) {
	p := f.record(Call{Op: OpDiscoverCharacteristics, ID: id, Service: service, UUIDs: filter})
	if p == nil {
		return
	}
	var found []radio.Characteristic
	for svc, chars := range p.Services {
		if !radio.SameUUID(svc, service) {
			continue
		}
		for _, c := range chars {
			if len(filter) == 0 || radio.ContainsUUID(filter, c.UUID) {
				found = append(found, c)
			}
		}
	}
	f.emitAsync(radio.CharacteristicsDiscovered{ID: id, Service: radio.NormalizeUUID(service), Characteristics: found})
}

func (f *Fake) SetNotify(id, characteristic string, enabled bool) {
	p := f.record(Call{Op: OpSetNotify, ID: id, Characteristic: characteristic, Enabled: enabled})
	if p != nil {
		f.emitAsync(radio.NotifyStateChanged{ID: id, Characteristic: characteristic, Enabled: enabled})
	}
}

func (f *Fake) Write(id, characteristic string, data []byte, withResponse bool) {
	p := f.record(Call{
		Op:             OpWrite,
		ID:             id,
		Characteristic: characteristic,
		Data:           append([]byte(nil), data...),
		WithResponse:   withResponse,
	})
	if p != nil && withResponse {
		f.emitAsync(radio.WriteCompleted{ID: id, Characteristic: characteristic, Err: p.WriteErr})
	}
}

func (f *Fake) Close() error {
	f.record(Call{Op: OpClose})
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}
