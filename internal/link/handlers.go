package link

import (
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/agvlink/internal/radio"
)

func (m *Manager) handleRadio(ev radio.Event) {
	switch e := ev.(type) {
	case radio.AdapterStateChanged:
		m.onAdapterState(e)
	case radio.PeripheralDiscovered:
		m.onPeripheralDiscovered(e)
	case radio.ScanStopped:
		m.onScanStopped(e)
	case radio.Connected:
		m.onConnected(e)
	case radio.ConnectFailed:
		m.onConnectFailed(e)
	case radio.Disconnected:
		m.onDisconnected(e)
	case radio.ServicesDiscovered:
		m.onServicesDiscovered(e)
	case radio.CharacteristicsDiscovered:
		m.onCharacteristicsDiscovered(e)
	case radio.NotifyStateChanged:
		m.onNotifyStateChanged(e)
	case radio.ValueUpdated:
		m.onValueUpdated(e)
	case radio.WriteCompleted:
		m.onWriteCompleted(e)
	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Ignoring radio event")
	}
}

func (m *Manager) onAdapterState(e radio.AdapterStateChanged) {
	if e.State == m.adapter {
		return
	}
	m.adapter = e.State
	m.logger.WithFields(logrus.Fields{
		"state": e.State.String(),
		"error": e.Err,
	}).Info("Bluetooth adapter state changed")

	if e.State != radio.AdapterPoweredOn {
		if m.scanning {
			m.radio.StopScan()
			m.scanning = false
		}
		if c := m.conn; c != nil {
			if !c.closing {
				m.radio.CancelConnection(c.peripheral.ID)
			}
			m.teardown(fmt.Errorf("%w: adapter is %s", radio.ErrConnectionLost, e.State))
			return
		}
	}
	m.publish()
}

func (m *Manager) onPeripheralDiscovered(e radio.PeripheralDiscovered) {
	if !m.scanning || e.ID == "" {
		return
	}

	p := Peripheral{
		ID:          e.ID,
		Name:        e.Advertisement.LocalName,
		RSSI:        e.Advertisement.RSSI,
		Connectable: e.Advertisement.Connectable,
		LastSeen:    m.now(),
	}
	prev, seen := m.discovered.Get(e.ID)
	if seen && p.Name == "" {
		// scan responses without a name must not erase a known one
		p.Name = prev.Name
	}
	m.discovered.Set(e.ID, p)

	if seen && prev.Name == p.Name {
		m.refresh()
		return
	}
	m.logger.WithFields(logrus.Fields{
		"address": p.ID,
		"name":    p.DisplayName(),
		"rssi":    p.RSSI,
	}).Debug("Discovered peripheral")
	m.publish()
}

func (m *Manager) onScanStopped(e radio.ScanStopped) {
	if !m.scanning {
		return
	}
	m.scanning = false
	if e.Err != nil {
		m.logger.WithField("error", e.Err).Warn("Scan stopped unexpectedly")
		m.emit(ScanFailed{Err: e.Err})
	}
	m.publish()
}

func (m *Manager) onConnected(e radio.Connected) {
	c := m.current(e.ID)
	if c == nil {
		m.logger.WithField("address", e.ID).Warn("Unexpected connection, cancelling it")
		m.radio.CancelConnection(e.ID)
		return
	}
	if c.phase != PhaseConnecting || c.closing {
		return
	}

	c.stopTimer()
	c.phase = PhaseServiceDiscovery
	c.timer = m.after(m.opts.DiscoveryTimeout, c.gen, func(c *connection) {
		m.discoveryFailed(c, ErrTimeout)
	})
	m.logger.WithField("address", e.ID).Info("Connected, discovering services...")
	m.radio.DiscoverServices(e.ID, []string{ServiceUUID})
	m.publish()
}

func (m *Manager) onConnectTimeout(c *connection) {
	if c.phase != PhaseConnecting || c.closing {
		return
	}
	err := &ConnectError{ID: c.peripheral.ID, Err: ErrTimeout}
	m.logger.WithField("address", c.peripheral.ID).Warn("Connection attempt timed out")
	m.emit(ConnectFailed{Err: err})
	m.beginClose(c)
	m.publish()
}

func (m *Manager) onConnectFailed(e radio.ConnectFailed) {
	c := m.current(e.ID)
	if c == nil || c.phase != PhaseConnecting {
		return
	}
	reason := e.Err
	if reason == nil {
		reason = ErrConnectFailed
	}
	m.teardown(reason)
}

func (m *Manager) onDisconnected(e radio.Disconnected) {
	if n := m.forced[e.ID]; n > 0 {
		if n == 1 {
			delete(m.forced, e.ID)
		} else {
			m.forced[e.ID] = n - 1
		}
		m.logger.WithField("address", e.ID).Debug("Late disconnect confirmation ignored")
		return
	}
	if c := m.current(e.ID); c != nil {
		m.teardown(e.Err)
	}
}

func (m *Manager) onServicesDiscovered(e radio.ServicesDiscovered) {
	c := m.current(e.ID)
	if c == nil || c.phase != PhaseServiceDiscovery || c.closing {
		return
	}
	if e.Err != nil {
		m.discoveryFailed(c, fmt.Errorf("service discovery: %w", e.Err))
		return
	}
	if !radio.ContainsUUID(e.Services, ServiceUUID) {
		m.discoveryFailed(c, &radio.NotFoundError{Resource: "service", UUIDs: []string{radio.NormalizeUUID(ServiceUUID)}})
		return
	}

	m.logger.WithField("address", e.ID).Debug("AGV service found, discovering characteristics...")
	m.radio.DiscoverCharacteristics(e.ID, ServiceUUID, []string{NotifyCharacteristicUUID, CommandCharacteristicUUID})
}

func (m *Manager) onCharacteristicsDiscovered(e radio.CharacteristicsDiscovered) {
	c := m.current(e.ID)
	if c == nil || c.phase != PhaseServiceDiscovery || c.closing || !radio.SameUUID(e.Service, ServiceUUID) {
		return
	}
	if e.Err != nil {
		m.discoveryFailed(c, fmt.Errorf("characteristic discovery: %w", e.Err))
		return
	}

	var notify, command *radio.Characteristic
	for i := range e.Characteristics {
		ch := e.Characteristics[i]
		switch {
		case radio.SameUUID(ch.UUID, NotifyCharacteristicUUID):
			notify = &ch
		case radio.SameUUID(ch.UUID, CommandCharacteristicUUID):
			command = &ch
		}
	}
	svc := radio.NormalizeUUID(ServiceUUID)
	if command == nil {
		m.discoveryFailed(c, &radio.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, radio.NormalizeUUID(CommandCharacteristicUUID)}})
		return
	}
	if notify == nil {
		m.discoveryFailed(c, &radio.NotFoundError{Resource: "characteristic", UUIDs: []string{svc, radio.NormalizeUUID(NotifyCharacteristicUUID)}})
		return
	}
	if command.Properties != 0 && !command.Properties.Has(radio.PropWrite) {
		m.logger.WithField("char_uuid", command.UUID).Warn("Command characteristic does not advertise write with response")
	}

	c.stopTimer()
	c.phase = PhaseReady
	c.notifyChar = notify
	c.commandChar = command
	m.logger.WithFields(logrus.Fields{
		"address":   e.ID,
		"char_uuid": command.UUID,
	}).Info("AGV link ready")
	m.radio.SetNotify(e.ID, notify.UUID, true)
	m.publish()
}

// discoveryFailed reports an unusable peripheral and tears the connection down.
func (m *Manager) discoveryFailed(c *connection, cause error) {
	err := fmt.Errorf("%w: %w", ErrDiscoveryIncomplete, cause)
	m.logger.WithFields(logrus.Fields{
		"address": c.peripheral.ID,
		"error":   cause,
	}).Warn("AGV service discovery incomplete")
	m.emit(DiscoveryIncomplete{ID: c.peripheral.ID, Err: err})
	m.beginClose(c)
	m.publish()
}

func (m *Manager) onNotifyStateChanged(e radio.NotifyStateChanged) {
	c := m.current(e.ID)
	if c == nil || c.notifyChar == nil || !radio.SameUUID(e.Characteristic, c.notifyChar.UUID) {
		return
	}
	if e.Err != nil {
		m.logger.WithFields(logrus.Fields{
			"address":   e.ID,
			"char_uuid": e.Characteristic,
			"error":     e.Err,
		}).Warn("Failed to enable notifications")
		m.emit(SubscribeFailed{ID: e.ID, Err: e.Err})
		return
	}
	if c.notifying == e.Enabled {
		return
	}
	c.notifying = e.Enabled
	m.publish()
}

func (m *Manager) onValueUpdated(e radio.ValueUpdated) {
	c := m.current(e.ID)
	if c == nil || c.notifyChar == nil || !radio.SameUUID(e.Characteristic, c.notifyChar.UUID) {
		return
	}
	if e.Err != nil {
		m.logger.WithFields(logrus.Fields{
			"address":   e.ID,
			"char_uuid": e.Characteristic,
			"error":     e.Err,
		}).Warn("Notification error")
		return
	}

	n := Notification{
		PeripheralID: e.ID,
		Value:        append([]byte(nil), e.Value...),
		Received:     m.now(),
	}
	if overwrites, err := m.history.EnqueueM(n); err != nil {
		m.logger.WithField("error", err).Error("Failed to buffer notification")
	} else if overwrites > 0 {
		m.dropped.Add(int64(overwrites))
	}

	m.logger.WithFields(logrus.Fields{
		"address": e.ID,
		"value":   hex.EncodeToString(n.Value),
	}).Debug("Notification received")
	m.emit(NotificationReceived{Notification: n})
}

func (m *Manager) onWriteCompleted(e radio.WriteCompleted) {
	c := m.current(e.ID)
	if c == nil || c.commandChar == nil || !radio.SameUUID(e.Characteristic, c.commandChar.UUID) || len(c.pending) == 0 {
		return
	}
	pw := c.pending[0]
	c.pending = c.pending[1:]
	if pw.timer != nil {
		pw.timer.Stop()
	}
	if pw.timedOut {
		m.logger.WithField("opcode", pw.op.String()).Debug("Late write acknowledgement ignored")
		return
	}

	if e.Err != nil {
		m.logger.WithFields(logrus.Fields{
			"address": e.ID,
			"opcode":  pw.op.String(),
			"error":   e.Err,
		}).Warn("Command write failed")
		m.emit(WriteFailed{Err: &WriteError{Opcode: pw.op, Err: e.Err}})
		return
	}
	m.logger.WithField("opcode", pw.op.String()).Debug("Command acknowledged")
	m.emit(CommandWritten{Opcode: pw.op})
}

func (m *Manager) onWriteTimeout(c *connection, pw *pendingWrite) {
	if pw.timedOut {
		return
	}
	for _, p := range c.pending {
		if p == pw {
			pw.timedOut = true
			m.logger.WithField("opcode", pw.op.String()).Warn("Command write timed out")
			m.emit(WriteFailed{Err: &WriteError{Opcode: pw.op, Err: ErrTimeout}})
			return
		}
	}
}
