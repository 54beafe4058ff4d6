package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/agvlink/internal/radio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const eventTimeout = 2 * time.Second

type fakeAdvert struct {
	id  string
	adv radio.Advertisement
}

type fakeDevice struct {
	mu       sync.Mutex
	scanErr  error
	adverts  []fakeAdvert
	dialErr  error
	dialHold chan struct{}
	client   *fakeClient
	stopped  bool
}

func (d *fakeDevice) Scan(ctx context.Context, h AdvHandler) error {
	d.mu.Lock()
	err, adverts := d.scanErr, d.adverts
	d.mu.Unlock()
	if err != nil {
		return err
	}
	for _, a := range adverts {
		h(a.id, ble.NewAddr(a.id), a.adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *fakeDevice) Dial(ctx context.Context, _ ble.Addr) (gattClient, error) {
	d.mu.Lock()
	hold, err, client := d.dialHold, d.dialErr, d.client
	d.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

type fakeWrite struct {
	char  string
	data  []byte
	noRsp bool
}

type fakeClient struct {
	mu           sync.Mutex
	services     []*ble.Service
	chars        []*ble.Characteristic
	writeErr     error
	writes       []fakeWrite
	handlers     map[string]ble.NotificationHandler
	disconnected chan struct{}
	closeOnce    sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		services: []*ble.Service{
			{UUID: ble.UUID16(0x1800)},
			{UUID: ble.UUID16(0xffe0)},
		},
		chars: []*ble.Characteristic{
			{UUID: ble.UUID16(0xffe1), Property: ble.CharNotify | ble.CharRead},
			{UUID: ble.UUID16(0xffe2), Property: ble.CharWrite | ble.CharWriteNR},
		},
		handlers:     make(map[string]ble.NotificationHandler),
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) DiscoverServices([]ble.UUID) ([]*ble.Service, error) {
	return c.services, nil
}

func (c *fakeClient) DiscoverCharacteristics([]ble.UUID, *ble.Service) ([]*ble.Characteristic, error) {
	return c.chars, nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, fakeWrite{char: radio.NormalizeUUID(ch.UUID.String()), data: value, noRsp: noRsp})
	return c.writeErr
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, _ bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[radio.NormalizeUUID(ch.UUID.String())] = h
	return nil
}

func (c *fakeClient) Unsubscribe(ch *ble.Characteristic, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, radio.NormalizeUUID(ch.UUID.String()))
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.drop()
	return nil
}

func (c *fakeClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *fakeClient) drop() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

func (c *fakeClient) notify(char string, data []byte) bool {
	c.mu.Lock()
	h := c.handlers[char]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func (c *fakeClient) recordedWrites() []fakeWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeWrite(nil), c.writes...)
}

// RadioTestSuite runs the go-ble radio against an in-memory device.
type RadioTestSuite struct {
	suite.Suite
	dev          *fakeDevice
	client       *fakeClient
	radio        *Radio
	events       chan radio.Event
	originalOpen func() (device, error)
}

func (s *RadioTestSuite) SetupTest() {
	s.client = newFakeClient()
	s.dev = &fakeDevice{
		client: s.client,
		adverts: []fakeAdvert{
			{id: "agv-01", adv: radio.Advertisement{LocalName: "AGV-01", RSSI: -48, Connectable: true}},
		},
	}
	s.originalOpen = openDevice
	openDevice = func() (device, error) { return s.dev, nil }

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	s.radio = New(&Config{ProbeWindow: 10 * time.Millisecond, ProbeInterval: 20 * time.Millisecond}, logger)
	s.events = make(chan radio.Event, 256)
	s.Require().NoError(s.radio.Start(func(ev radio.Event) { s.events <- ev }))
}

func (s *RadioTestSuite) TearDownTest() {
	s.NoError(s.radio.Close())
	openDevice = s.originalOpen
}

// next returns the next event of type T, skipping others.
func next[T radio.Event](s *RadioTestSuite) T {
	s.T().Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev := <-s.events:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			s.FailNowf("timeout", "no %T event received", zero)
			return zero
		}
	}
}

func (s *RadioTestSuite) connect() {
	ev := next[radio.AdapterStateChanged](s)
	s.Require().Equal(radio.AdapterPoweredOn, ev.State)
	s.Require().NoError(s.radio.StartScan())
	next[radio.PeripheralDiscovered](s)
	s.radio.Connect("agv-01")
	s.Require().Equal("agv-01", next[radio.Connected](s).ID)
}

func (s *RadioTestSuite) TestStartReportsPoweredOn() {
	ev := next[radio.AdapterStateChanged](s)
	s.Equal(radio.AdapterPoweredOn, ev.State)
	s.NoError(ev.Err)
	s.Error(s.radio.Start(func(radio.Event) {}), "second Start MUST fail")
}

func (s *RadioTestSuite) TestScanDeliversAdvertisements() {
	next[radio.AdapterStateChanged](s)
	s.Require().NoError(s.radio.StartScan())

	ev := next[radio.PeripheralDiscovered](s)
	s.Equal("agv-01", ev.ID)
	s.Equal("AGV-01", ev.Advertisement.LocalName)
	s.Equal(-48, ev.Advertisement.RSSI)

	s.radio.StopScan()
	s.radio.StopScan()
}

func (s *RadioTestSuite) TestFullCommandPath() {
	s.connect()

	s.radio.DiscoverServices("agv-01", []string{"0000FFE0-0000-1000-8000-00805F9B34FB"})
	svcs := next[radio.ServicesDiscovered](s)
	s.Require().NoError(svcs.Err)
	s.Equal([]string{"ffe0"}, svcs.Services, "only filtered services MUST be reported")

	s.radio.DiscoverCharacteristics("agv-01", "ffe0", []string{"ffe1", "ffe2"})
	chars := next[radio.CharacteristicsDiscovered](s)
	s.Require().NoError(chars.Err)
	s.Require().Len(chars.Characteristics, 2)
	s.True(chars.Characteristics[0].Properties.Has(radio.PropNotify))
	s.True(chars.Characteristics[1].Properties.Has(radio.PropWrite | radio.PropWriteWithoutResponse))

	s.radio.SetNotify("agv-01", "ffe1", true)
	notify := next[radio.NotifyStateChanged](s)
	s.Require().NoError(notify.Err)
	s.True(notify.Enabled)

	s.Require().True(s.client.notify("ffe1", []byte{0xAA, 0x01}))
	val := next[radio.ValueUpdated](s)
	s.Equal("ffe1", val.Characteristic)
	s.Equal([]byte{0xAA, 0x01}, val.Value)

	s.radio.Write("agv-01", "ffe2", []byte{0x01}, true)
	wc := next[radio.WriteCompleted](s)
	s.NoError(wc.Err)
	writes := s.client.recordedWrites()
	s.Require().Len(writes, 1)
	s.Equal(fakeWrite{char: "ffe2", data: []byte{0x01}, noRsp: false}, writes[0])

	s.radio.CancelConnection("agv-01")
	dis := next[radio.Disconnected](s)
	s.Equal("agv-01", dis.ID)
	s.NoError(dis.Err, "requested disconnect MUST carry no error")
}

func (s *RadioTestSuite) TestWriteErrorIsReported() {
	s.connect()
	s.radio.DiscoverServices("agv-01", nil)
	next[radio.ServicesDiscovered](s)
	s.radio.DiscoverCharacteristics("agv-01", "ffe0", nil)
	next[radio.CharacteristicsDiscovered](s)

	s.client.mu.Lock()
	s.client.writeErr = errors.New("ATT error 0x03")
	s.client.mu.Unlock()

	s.radio.Write("agv-01", "ffe2", []byte{0x02}, true)
	s.Error(next[radio.WriteCompleted](s).Err)
}

func (s *RadioTestSuite) TestUnknownCharacteristic() {
	s.connect()
	s.radio.Write("agv-01", "ffe2", []byte{0x01}, true)
	s.ErrorIs(next[radio.WriteCompleted](s).Err, radio.ErrUnknownAttribute, "write before discovery MUST fail")
}

func (s *RadioTestSuite) TestLinkLoss() {
	s.connect()
	s.client.drop()

	dis := next[radio.Disconnected](s)
	s.ErrorIs(dis.Err, radio.ErrConnectionLost)

	s.radio.Write("agv-01", "ffe2", []byte{0x00}, true)
	s.ErrorIs(next[radio.WriteCompleted](s).Err, radio.ErrNotConnected)
}

func (s *RadioTestSuite) TestConnectUnknownPeripheral() {
	next[radio.AdapterStateChanged](s)
	s.radio.Connect("nobody")
	ev := next[radio.ConnectFailed](s)
	s.Equal("nobody", ev.ID)
	s.ErrorIs(ev.Err, radio.ErrUnknownPeripheral)
}

func (s *RadioTestSuite) TestDialFailure() {
	s.dev.mu.Lock()
	s.dev.dialErr = errors.New("connection timed out")
	s.dev.mu.Unlock()

	next[radio.AdapterStateChanged](s)
	s.Require().NoError(s.radio.StartScan())
	next[radio.PeripheralDiscovered](s)
	s.radio.Connect("agv-01")

	ev := next[radio.ConnectFailed](s)
	s.EqualError(ev.Err, "connection timed out")
}

func (s *RadioTestSuite) TestCancelPendingDial() {
	s.dev.mu.Lock()
	s.dev.dialHold = make(chan struct{})
	s.dev.mu.Unlock()

	next[radio.AdapterStateChanged](s)
	s.Require().NoError(s.radio.StartScan())
	next[radio.PeripheralDiscovered](s)
	s.radio.Connect("agv-01")
	s.radio.CancelConnection("agv-01")

	dis := next[radio.Disconnected](s)
	s.Equal("agv-01", dis.ID)
	s.NoError(dis.Err)
}

func (s *RadioTestSuite) TestScanFailureReportsPoweredOff() {
	next[radio.AdapterStateChanged](s)

	s.dev.mu.Lock()
	s.dev.scanErr = errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")
	s.dev.mu.Unlock()

	s.Require().NoError(s.radio.StartScan())
	st := next[radio.AdapterStateChanged](s)
	s.Equal(radio.AdapterPoweredOff, st.State)
	s.ErrorIs(next[radio.ScanStopped](s).Err, radio.ErrBluetoothOff)

	// adapter comes back: the watcher MUST notice it
	s.dev.mu.Lock()
	s.dev.scanErr = nil
	s.dev.mu.Unlock()
	s.Equal(radio.AdapterPoweredOn, next[radio.AdapterStateChanged](s).State)
}

func TestRadioTestSuite(t *testing.T) {
	suite.Run(t, new(RadioTestSuite))
}

func TestStartWithoutAdapter(t *testing.T) {
	tests := []struct {
		name    string
		openErr string
		state   radio.AdapterState
		want    error
	}{
		{"powered off", "central manager has invalid state: have=4 want=5: is Bluetooth turned on?", radio.AdapterPoweredOff, radio.ErrBluetoothOff},
		{"unauthorized", "central manager has invalid state: have=3 want=5: is Bluetooth turned on?", radio.AdapterUnauthorized, radio.ErrUnauthorized},
		{"unsupported", "central manager has invalid state: have=2 want=5: is Bluetooth turned on?", radio.AdapterUnsupported, radio.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := openDevice
			defer func() { openDevice = orig }()
			openDevice = func() (device, error) { return nil, errors.New(tt.openErr) }

			r := New(&Config{ProbeInterval: time.Hour}, nil)
			events := make(chan radio.Event, 8)
			require.NoError(t, r.Start(func(ev radio.Event) { events <- ev }))

			select {
			case ev := <-events:
				st, ok := ev.(radio.AdapterStateChanged)
				require.True(t, ok, "first event MUST be the adapter state")
				assert.Equal(t, tt.state, st.State)
				assert.ErrorIs(t, st.Err, tt.want)
			case <-time.After(eventTimeout):
				t.Fatal("no adapter state reported")
			}

			assert.ErrorIs(t, r.StartScan(), tt.want)
			require.NoError(t, r.Close())
		})
	}
}

func TestConvertProperties(t *testing.T) {
	assert.Equal(t, radio.PropRead|radio.PropNotify, convertProperties(ble.CharRead|ble.CharNotify))
	assert.Equal(t, radio.PropWrite|radio.PropWriteWithoutResponse, convertProperties(ble.CharWrite|ble.CharWriteNR))
	assert.Equal(t, radio.PropIndicate, convertProperties(ble.CharIndicate|ble.CharBroadcast))
}
