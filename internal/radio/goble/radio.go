// Package goble implements radio.Radio on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/agvlink/internal/groutine"
	"github.com/srg/agvlink/internal/radio"
)

// Config tunes adapter state probing.
type Config struct {
	// ProbeWindow is how long a probe scan runs to find out whether the adapter is usable.
	ProbeWindow time.Duration `default:"300ms"`
	// ProbeInterval is the pause between probes while the adapter is not powered on.
	ProbeInterval time.Duration `default:"2s"`
	// GATTQueueSize bounds the pending GATT operations per connection.
	GATTQueueSize int `default:"64"`
}

// Radio drives a single go-ble device.
type Radio struct {
	cfg    Config
	logger *logrus.Logger

	sink atomic.Pointer[radio.EventSink]

	mu       sync.Mutex
	dev      device
	state    radio.AdapterState
	reported bool
	watching bool

	scanMu     sync.Mutex // held for the lifetime of any dev.Scan call
	scanCancel context.CancelFunc
	scanGen    uint64

	peers *hashmap.Map[string, ble.Addr]
	links *hashmap.Map[string, *peerLink]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ radio.Radio = (*Radio)(nil)

// New creates a go-ble backed radio. A nil cfg uses the defaults.
func New(cfg *Config, logger *logrus.Logger) *Radio {
	if logger == nil {
		logger = logrus.New()
	}
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	defaults.SetDefaults(&c)

	ctx, cancel := context.WithCancel(context.Background())
	return &Radio{
		cfg:    c,
		logger: logger,
		peers:  hashmap.New[string, ble.Addr](),
		links:  hashmap.New[string, *peerLink](),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Radio) Start(sink radio.EventSink) error {
	if sink == nil {
		return fmt.Errorf("event sink is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return fmt.Errorf("radio is closed")
	}
	if !r.sink.CompareAndSwap(nil, &sink) {
		return fmt.Errorf("radio already started")
	}
	r.startWatchLocked()
	return nil
}

// emit delivers ev unless the radio is closed.
func (r *Radio) emit(ev radio.Event) {
	if r.ctx.Err() != nil {
		return
	}
	if sink := r.sink.Load(); sink != nil {
		(*sink)(ev)
	}
}

// emitAsync delivers ev from a fresh goroutine so command methods never call the sink themselves.
func (r *Radio) emitAsync(ev radio.Event) {
	groutine.GoTracked(r.ctx, &r.wg, "ble-event", func(context.Context) {
		r.emit(ev)
	})
}

// ----------------------------
// Adapter state
// ----------------------------

func (r *Radio) setState(state radio.AdapterState, err error) {
	r.mu.Lock()
	changed := !r.reported || r.state != state
	r.state = state
	r.reported = true
	if state != radio.AdapterPoweredOn {
		r.startWatchLocked()
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	r.logger.WithFields(logrus.Fields{
		"state": state.String(),
		"error": err,
	}).Info("Bluetooth adapter state changed")
	r.emit(radio.AdapterStateChanged{State: state, Err: err})
}

func (r *Radio) startWatchLocked() {
	if r.watching || r.ctx.Err() != nil {
		return
	}
	r.watching = true
	groutine.GoTracked(r.ctx, &r.wg, "ble-adapter-watch", r.watchAdapter)
}

// watchAdapter probes until the adapter is usable, then exits. Scan failures restart it.
func (r *Radio) watchAdapter(ctx context.Context) {
	for {
		state, err := r.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if state == radio.AdapterPoweredOn {
			r.mu.Lock()
			r.watching = false
			r.mu.Unlock()
		}
		r.setState(state, err)
		if state == radio.AdapterPoweredOn {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.ProbeInterval):
		}
	}
}

// probe opens the device if needed and runs a short scan to learn the adapter state.
func (r *Radio) probe(ctx context.Context) (radio.AdapterState, error) {
	dev, err := r.device()
	if err != nil {
		return radio.StateForError(err), err
	}

	// a running scan proves the adapter is on
	if !r.scanMu.TryLock() {
		return radio.AdapterPoweredOn, nil
	}
	defer r.scanMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeWindow)
	defer cancel()
	err = dev.Scan(pctx, func(string, ble.Addr, radio.Advertisement) {})
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return radio.AdapterPoweredOn, nil
	}
	err = NormalizeError(err)
	return radio.StateForError(err), err
}

func (r *Radio) device() (device, error) {
	r.mu.Lock()
	dev := r.dev
	r.mu.Unlock()
	if dev != nil {
		return dev, nil
	}

	opened, err := openDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dev == nil {
		r.dev = opened
	}
	return r.dev, nil
}

// ----------------------------
// Scanning
// ----------------------------

func (r *Radio) StartScan() error {
	dev, err := r.device()
	if err != nil {
		return fmt.Errorf("adapter not available: %w", err)
	}

	r.StopScan()

	ctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	r.scanGen++
	gen := r.scanGen
	r.scanCancel = cancel
	r.mu.Unlock()

	groutine.GoTracked(ctx, &r.wg, "ble-scan", func(ctx context.Context) {
		err := r.runScan(ctx, dev)

		r.mu.Lock()
		if r.scanGen == gen {
			r.scanCancel = nil
		}
		r.mu.Unlock()

		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.logger.Debug("Scan stopped")
			return
		}

		err = NormalizeError(err)
		r.logger.WithField("error", err).Warn("Scan failed")
		if state := radio.StateForError(err); state != radio.AdapterUnknown {
			r.setState(state, err)
		}
		r.emit(radio.ScanStopped{Err: err})
	})
	return nil
}

// runScan holds scanMu for the duration of the scan only, so the adapter
// watcher can probe as soon as a failed scan returns.
func (r *Radio) runScan(ctx context.Context, dev device) error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.logger.Info("Scanning for BLE devices...")
	return dev.Scan(ctx, func(id string, addr ble.Addr, adv radio.Advertisement) {
		r.peers.Set(id, addr)
		r.emit(radio.PeripheralDiscovered{ID: id, Advertisement: adv})
	})
}

func (r *Radio) StopScan() {
	r.mu.Lock()
	cancel := r.scanCancel
	r.scanCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ----------------------------
// Connections
// ----------------------------

func (r *Radio) Connect(id string) {
	addr, ok := r.peers.Get(id)
	if !ok {
		r.emitAsync(radio.ConnectFailed{ID: id, Err: fmt.Errorf("%w: %s", radio.ErrUnknownPeripheral, id)})
		return
	}
	r.mu.Lock()
	dev := r.dev
	r.mu.Unlock()
	if dev == nil {
		r.emitAsync(radio.ConnectFailed{ID: id, Err: fmt.Errorf("%w: adapter not available", radio.ErrBluetoothOff)})
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	pl := newPeerLink(id, cancel, r.cfg.GATTQueueSize)
	if _, loaded := r.links.GetOrInsert(id, pl); loaded {
		cancel()
		r.emitAsync(radio.ConnectFailed{ID: id, Err: fmt.Errorf("%w: connect %s", radio.ErrOperationInProgress, id)})
		return
	}

	groutine.GoTracked(ctx, &r.wg, "ble-dial", func(ctx context.Context) {
		r.logger.WithField("address", id).Info("Connecting to BLE device...")
		client, err := dev.Dial(ctx, addr)
		if err != nil {
			if pl.isCancelled() {
				r.finish(pl, nil)
				return
			}
			err = NormalizeError(err)
			r.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Warn("Failed to dial BLE device")
			r.links.Del(id)
			pl.closeDone()
			r.emit(radio.ConnectFailed{ID: id, Err: err})
			return
		}

		if !pl.attach(client) {
			if cerr := client.CancelConnection(); cerr != nil {
				r.logger.WithField("error", cerr).Debug("Cancel after aborted dial failed")
			}
			r.finish(pl, nil)
			return
		}

		groutine.GoTracked(r.ctx, &r.wg, "ble-gatt-worker", pl.run)
		groutine.GoTracked(r.ctx, &r.wg, "ble-connection-monitor", func(ctx context.Context) {
			select {
			case <-client.Disconnected():
				if pl.isCancelled() {
					r.finish(pl, nil)
					return
				}
				r.logger.WithField("address", id).Warn("Peripheral reported disconnection")
				r.finish(pl, radio.ErrConnectionLost)
			case <-pl.done:
			case <-ctx.Done():
			}
		})

		r.logger.WithField("address", id).Info("BLE device connected")
		r.emit(radio.Connected{ID: id})
	})
}

func (r *Radio) CancelConnection(id string) {
	pl, ok := r.links.Get(id)
	if !ok {
		r.emitAsync(radio.Disconnected{ID: id})
		return
	}

	client := pl.cancel()
	if client == nil {
		// the dial goroutine reports once Dial returns
		return
	}
	groutine.GoTracked(r.ctx, &r.wg, "ble-cancel-connection", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": id,
				"error":   err,
			}).Warn("CancelConnection failed")
		}
		r.finish(pl, nil)
	})
}

// finish reports the end of a link exactly once.
func (r *Radio) finish(pl *peerLink, err error) {
	pl.once.Do(func() {
		r.links.Del(pl.id)
		pl.closeDone()
		r.emit(radio.Disconnected{ID: pl.id, Err: err})
	})
}

// ----------------------------
// GATT
// ----------------------------

// enqueue runs op on the connection's GATT worker; onMissing is emitted when the link is gone.
func (r *Radio) enqueue(id string, op func(c gattClient), onMissing func(error) radio.Event) {
	pl, ok := r.links.Get(id)
	if !ok {
		r.emitAsync(onMissing(fmt.Errorf("%w: %s", radio.ErrNotConnected, id)))
		return
	}
	if err := pl.submit(op); err != nil {
		r.emitAsync(onMissing(err))
	}
}

func (r *Radio) DiscoverServices(id string, filter []string) {
	r.enqueue(id, func(c gattClient) {
		pl, ok := r.links.Get(id)
		if !ok {
			return
		}
		svcs, err := c.DiscoverServices(nil)
		if err != nil {
			r.emit(radio.ServicesDiscovered{ID: id, Err: NormalizeError(err)})
			return
		}

		var found []string
		for _, s := range svcs {
			u := radio.NormalizeUUID(s.UUID.String())
			pl.services[u] = s
			if len(filter) == 0 || radio.ContainsUUID(filter, u) {
				found = append(found, u)
			}
		}
		r.logger.WithFields(logrus.Fields{
			"address":  id,
			"services": len(svcs),
			"matched":  len(found),
		}).Debug("Services discovered")
		r.emit(radio.ServicesDiscovered{ID: id, Services: found})
	}, func(err error) radio.Event {
		return radio.ServicesDiscovered{ID: id, Err: err}
	})
}

func (r *Radio) DiscoverCharacteristics(id, service string, filter []string) {
	service = radio.NormalizeUUID(service)
	fail := func(err error) radio.Event {
		return radio.CharacteristicsDiscovered{ID: id, Service: service, Err: err}
	}
	r.enqueue(id, func(c gattClient) {
		pl, ok := r.links.Get(id)
		if !ok {
			return
		}
		svc, ok := pl.services[service]
		if !ok {
			r.emit(fail(&radio.NotFoundError{Resource: "service", UUIDs: []string{service}}))
			return
		}
		chars, err := c.DiscoverCharacteristics(nil, svc)
		if err != nil {
			r.emit(fail(NormalizeError(err)))
			return
		}

		var found []radio.Characteristic
		for _, ch := range chars {
			u := radio.NormalizeUUID(ch.UUID.String())
			pl.chars[u] = ch
			if len(filter) == 0 || radio.ContainsUUID(filter, u) {
				found = append(found, radio.Characteristic{UUID: u, Properties: convertProperties(ch.Property)})
			}
		}
		r.emit(radio.CharacteristicsDiscovered{ID: id, Service: service, Characteristics: found})
	}, fail)
}

func (r *Radio) SetNotify(id, characteristic string, enabled bool) {
	characteristic = radio.NormalizeUUID(characteristic)
	fail := func(err error) radio.Event {
		return radio.NotifyStateChanged{ID: id, Characteristic: characteristic, Enabled: false, Err: err}
	}
	r.enqueue(id, func(c gattClient) {
		pl, ok := r.links.Get(id)
		if !ok {
			return
		}
		ch, ok := pl.chars[characteristic]
		if !ok {
			r.emit(fail(fmt.Errorf("%w: %s", radio.ErrUnknownAttribute, characteristic)))
			return
		}
		ind := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0

		var err error
		if enabled {
			err = c.Subscribe(ch, ind, func(data []byte) {
				value := append([]byte(nil), data...)
				r.emit(radio.ValueUpdated{ID: id, Characteristic: characteristic, Value: value})
			})
		} else {
			err = c.Unsubscribe(ch, ind)
		}
		if err != nil {
			r.emit(radio.NotifyStateChanged{ID: id, Characteristic: characteristic, Enabled: !enabled, Err: NormalizeError(err)})
			return
		}
		r.emit(radio.NotifyStateChanged{ID: id, Characteristic: characteristic, Enabled: enabled})
	}, fail)
}

func (r *Radio) Write(id, characteristic string, data []byte, withResponse bool) {
	characteristic = radio.NormalizeUUID(characteristic)
	payload := append([]byte(nil), data...)
	fail := func(err error) radio.Event {
		return radio.WriteCompleted{ID: id, Characteristic: characteristic, Err: err}
	}
	r.enqueue(id, func(c gattClient) {
		pl, ok := r.links.Get(id)
		if !ok {
			return
		}
		ch, ok := pl.chars[characteristic]
		if !ok {
			if withResponse {
				r.emit(fail(fmt.Errorf("%w: %s", radio.ErrUnknownAttribute, characteristic)))
			}
			return
		}

		err := NormalizeError(c.WriteCharacteristic(ch, payload, !withResponse))
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"address":   id,
				"char_uuid": characteristic,
				"error":     err,
			}).Warn("Characteristic write failed")
		}
		if withResponse {
			r.emit(radio.WriteCompleted{ID: id, Characteristic: characteristic, Err: err})
		}
	}, fail)
}

func (r *Radio) Close() error {
	r.StopScan()
	for _, pl := range r.activeLinks() {
		if client := pl.cancel(); client != nil {
			_ = client.CancelConnection()
		}
	}
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	dev := r.dev
	r.dev = nil
	r.mu.Unlock()
	if dev != nil {
		return NormalizeError(dev.Stop())
	}
	return nil
}

func (r *Radio) activeLinks() []*peerLink {
	var out []*peerLink
	r.links.Range(func(_ string, pl *peerLink) bool {
		out = append(out, pl)
		return true
	})
	return out
}

func convertProperties(p ble.Property) radio.Property {
	var out radio.Property
	if p&ble.CharRead != 0 {
		out |= radio.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= radio.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= radio.PropWriteWithoutResponse
	}
	if p&ble.CharNotify != 0 {
		out |= radio.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= radio.PropIndicate
	}
	return out
}
