package link_test

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/radio"
	"github.com/srg/agvlink/internal/radio/radiotest"
)

const waitTimeout = 2 * time.Second

// linkSuite runs a Manager over the fake radio and records everything it publishes.
type linkSuite struct {
	suite.Suite
	radio   *radiotest.Fake
	mgr     *link.Manager
	events  <-chan link.Event
	cancel  func()
	opts    link.Options
	history []link.Event
}

func (s *linkSuite) SetupTest() {
	s.radio = radiotest.New()
	s.history = nil

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	mgr, err := link.NewManager(s.radio, s.opts, logger)
	s.Require().NoError(err)
	s.mgr = mgr
	s.events, s.cancel = mgr.Subscribe()
}

func (s *linkSuite) TearDownTest() {
	s.cancel()
	s.NoError(s.mgr.Close())
}

// nextEvent returns the next published event, failing the test on timeout.
func (s *linkSuite) nextEvent() link.Event {
	s.T().Helper()
	select {
	case ev, ok := <-s.events:
		s.Require().True(ok, "event channel MUST stay open")
		s.history = append(s.history, ev)
		return ev
	case <-time.After(waitTimeout):
		s.FailNow("timed out waiting for a link event")
		return nil
	}
}

// waitState consumes events until a snapshot satisfies pred.
func (s *linkSuite) waitState(desc string, pred func(link.State) bool) link.State {
	s.T().Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-s.events:
			s.Require().True(ok, "event channel MUST stay open")
			s.history = append(s.history, ev)
			if sc, isState := ev.(link.StateChanged); isState && pred(sc.State) {
				return sc.State
			}
		case <-deadline:
			s.FailNowf("timeout", "state never became %s; last state: %+v", desc, s.mgr.State())
			return link.State{}
		}
	}
}

// awaitEvent consumes events until match accepts one.
func (s *linkSuite) awaitEvent(desc string, match func(link.Event) bool) link.Event {
	s.T().Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-s.events:
			s.Require().True(ok, "event channel MUST stay open")
			s.history = append(s.history, ev)
			if match(ev) {
				return ev
			}
		case <-deadline:
			s.FailNowf("timeout", "no %s event received", desc)
			return nil
		}
	}
}

type eventAwaiter interface {
	awaitEvent(desc string, match func(link.Event) bool) link.Event
}

// waitEvent consumes events until one of type T shows up.
func waitEvent[T link.Event](s eventAwaiter) T {
	var zero T
	ev := s.awaitEvent(fmt.Sprintf("%T", zero), func(ev link.Event) bool {
		_, ok := ev.(T)
		return ok
	})
	v, _ := ev.(T)
	return v
}

func (s *linkSuite) waitCalls(op radiotest.Op, n int) []radiotest.Call {
	s.T().Helper()
	calls, ok := s.radio.WaitForCalls(op, n, waitTimeout)
	s.Require().True(ok, "radio MUST receive %d %s call(s), got %d", n, op, len(calls))
	return calls
}

func (s *linkSuite) setAdapter(state radio.AdapterState) {
	s.radio.Emit(radio.AdapterStateChanged{State: state})
	s.waitState("adapter "+state.String(), func(st link.State) bool { return st.Adapter == state })
}

func (s *linkSuite) advertise(id, name string, rssi int) {
	s.radio.Emit(radio.PeripheralDiscovered{
		ID:            id,
		Advertisement: radio.Advertisement{LocalName: name, RSSI: rssi, Connectable: true},
	})
}

// discover powers the adapter on, scans and waits until every id is discovered.
func (s *linkSuite) discover(ids ...string) {
	if s.mgr.State().Adapter != radio.AdapterPoweredOn {
		s.setAdapter(radio.AdapterPoweredOn)
	}
	s.Require().NoError(s.mgr.StartScan())
	for _, id := range ids {
		s.advertise(id, id, -50)
	}
	s.waitState("all peripherals discovered", func(st link.State) bool {
		for _, id := range ids {
			if _, ok := st.Lookup(id); !ok {
				return false
			}
		}
		return true
	})
}

// connectReady drives id to Ready with the auto-responding AGV profile.
func (s *linkSuite) connectReady(id string) link.State {
	s.radio.SetProfile(radiotest.AGVProfile())
	s.discover(id)
	s.Require().NoError(s.mgr.Connect(id))
	return s.waitState("ready", link.State.Ready)
}

// driveToDiscovery connects without auto responses and stops in ServiceDiscovery.
func (s *linkSuite) driveToDiscovery(id string) {
	s.radio.SetProfile(nil)
	s.discover(id)
	s.Require().NoError(s.mgr.Connect(id))
	s.waitCalls(radiotest.OpConnect, 1)
	s.radio.Emit(radio.Connected{ID: id})
	s.waitState("service discovery", func(st link.State) bool { return st.Phase == link.PhaseServiceDiscovery })
	s.waitCalls(radiotest.OpDiscoverServices, 1)
}

// driveToReady walks the whole handshake by hand, leaving writes unanswered.
func (s *linkSuite) driveToReady(id string) {
	s.driveToDiscovery(id)
	s.radio.Emit(radio.ServicesDiscovered{ID: id, Services: []string{"ffe0"}})
	s.waitCalls(radiotest.OpDiscoverCharacteristics, 1)
	s.radio.Emit(radio.CharacteristicsDiscovered{ID: id, Service: "ffe0", Characteristics: []radio.Characteristic{
		{UUID: "ffe1", Properties: radio.PropNotify},
		{UUID: "ffe2", Properties: radio.PropWrite},
	}})
	s.waitState("ready", link.State.Ready)
}

// assertCommandCharacteristicInvariant checks every snapshot seen so far.
func (s *linkSuite) assertCommandCharacteristicInvariant() {
	for _, ev := range s.history {
		sc, ok := ev.(link.StateChanged)
		if !ok {
			continue
		}
		st := sc.State
		s.Equal(st.Phase == link.PhaseReady, st.CommandCharacteristic != nil,
			"CommandCharacteristic MUST be set exactly when Ready (phase %s)", st.Phase)
		if st.Phase == link.PhaseDisconnected {
			s.Nil(st.Peripheral, "disconnected state MUST have no peripheral")
		}
	}
}
