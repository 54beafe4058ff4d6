package link_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/radio"
	"github.com/srg/agvlink/internal/radio/radiotest"
)

// TimeoutTestSuite covers the bounded waits; the radio never answers on its own.
type TimeoutTestSuite struct {
	linkSuite
}

func (s *TimeoutTestSuite) SetupTest() {
	s.opts = link.Options{
		ConnectTimeout:    300 * time.Millisecond,
		DiscoveryTimeout:  300 * time.Millisecond,
		WriteTimeout:      100 * time.Millisecond,
		DisconnectTimeout: 200 * time.Millisecond,
	}
	s.linkSuite.SetupTest()
}

func (s *TimeoutTestSuite) TestConnectTimeout() {
	// GOAL: Verify a connection attempt that never completes is abandoned
	//
	// TEST SCENARIO: Connect with silent radio → ConnectFailed(ErrTimeout) → cancel issued → radio confirms → Disconnected

	s.discover("agv-01")
	s.Require().NoError(s.mgr.Connect("agv-01"))

	ev := waitEvent[link.ConnectFailed](s)
	s.ErrorIs(ev.Err, link.ErrTimeout)
	s.ErrorIs(ev.Err, link.ErrConnectFailed)
	s.waitCalls(radiotest.OpCancelConnection, 1)

	st := s.waitState("disconnecting", func(st link.State) bool { return st.Disconnecting })
	s.Equal(link.PhaseConnecting, st.Phase, "manager MUST wait for the radio to confirm the cancel")
	s.ErrorIs(s.mgr.Connect("agv-01"), link.ErrBusy)

	s.radio.Emit(radio.Disconnected{ID: "agv-01"})
	s.waitState("disconnected", func(st link.State) bool { return st.Phase == link.PhaseDisconnected })
	s.assertCommandCharacteristicInvariant()
}

func (s *TimeoutTestSuite) TestLateConnectAfterTimeoutIsIgnored() {
	s.discover("agv-01")
	s.Require().NoError(s.mgr.Connect("agv-01"))
	waitEvent[link.ConnectFailed](s)

	s.radio.Emit(radio.Connected{ID: "agv-01"})
	s.radio.Emit(radio.Disconnected{ID: "agv-01"})

	s.waitState("disconnected", func(st link.State) bool { return st.Phase == link.PhaseDisconnected })
	s.Empty(s.radio.CallsTo(radiotest.OpDiscoverServices), "a cancelled attempt MUST NOT start discovery")
}

func (s *TimeoutTestSuite) TestDiscoveryTimeoutForcesTeardown() {
	// GOAL: Verify a peripheral that never answers discovery is dropped even if the radio never confirms
	//
	// TEST SCENARIO: ServiceDiscovery with silent radio → DiscoveryIncomplete(ErrTimeout) → no confirmation → forced Disconnected

	s.driveToDiscovery("agv-01")

	ev := waitEvent[link.DiscoveryIncomplete](s)
	s.ErrorIs(ev.Err, link.ErrDiscoveryIncomplete)
	s.ErrorIs(ev.Err, link.ErrTimeout)

	st := s.waitState("disconnected", func(st link.State) bool { return st.Phase == link.PhaseDisconnected })
	s.Nil(st.Peripheral)
	s.Len(s.radio.CallsTo(radiotest.OpCancelConnection), 1)
	s.assertCommandCharacteristicInvariant()
}

func (s *TimeoutTestSuite) TestWriteTimeout() {
	// GOAL: Verify an unacknowledged write is reported once and a late acknowledgement is not mistaken for the next command
	//
	// TEST SCENARIO: forward never acked → WriteFailed(timeout) → late ack ignored → stop acked → CommandWritten(stop)

	s.driveToReady("agv-01")

	s.Require().NoError(s.mgr.SendCommand(link.OpForward))
	wf := waitEvent[link.WriteFailed](s)
	s.ErrorIs(wf.Err, link.ErrTimeout)
	var we *link.WriteError
	s.Require().ErrorAs(wf.Err, &we)
	s.Equal(link.OpForward, we.Opcode)
	s.True(s.mgr.State().Ready(), "write timeout MUST NOT affect Ready")

	s.radio.Emit(radio.WriteCompleted{ID: "agv-01", Characteristic: "ffe2"})

	s.Require().NoError(s.mgr.SendCommand(link.OpStop))
	s.waitCalls(radiotest.OpWrite, 2)
	s.radio.Emit(radio.WriteCompleted{ID: "agv-01", Characteristic: "ffe2"})

	written := waitEvent[link.CommandWritten](s)
	s.Equal(link.OpStop, written.Opcode, "late ack MUST be consumed by the timed-out write")
}

func (s *TimeoutTestSuite) TestLateDisconnectAfterForcedTeardownIsIgnored() {
	// GOAL: Verify the late confirmation of a forced teardown does not drop a newer connection to the same peripheral
	//
	// TEST SCENARIO: Ready → Disconnect unconfirmed → forced Disconnected → reconnect to ServiceDiscovery → old Disconnected arrives → connection survives

	s.driveToReady("agv-01")
	s.mgr.Disconnect()
	s.waitState("forced disconnect", func(st link.State) bool { return st.Phase == link.PhaseDisconnected })

	s.Require().NoError(s.mgr.Connect("agv-01"))
	s.waitCalls(radiotest.OpConnect, 2)
	s.radio.Emit(radio.Connected{ID: "agv-01"})
	s.waitState("service discovery", func(st link.State) bool { return st.Phase == link.PhaseServiceDiscovery })

	s.radio.Emit(radio.Disconnected{ID: "agv-01"})
	s.radio.Emit(radio.ServicesDiscovered{ID: "agv-01", Services: []string{"ffe0"}})
	s.waitCalls(radiotest.OpDiscoverCharacteristics, 2)
	s.Equal(link.PhaseServiceDiscovery, s.mgr.State().Phase, "stale confirmation MUST NOT tear down the new connection")

	s.radio.Emit(radio.Disconnected{ID: "agv-01"})
	s.waitState("disconnected", func(st link.State) bool { return st.Phase == link.PhaseDisconnected })
}

func TestTimeoutTestSuite(t *testing.T) {
	suite.Run(t, new(TimeoutTestSuite))
}
