package link_test

import (
	"context"
	"errors"
	"time"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/radio"
	"github.com/srg/agvlink/internal/radio/radiotest"
)

func (s *ManagerTestSuite) TestAwaitAdapter() {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.radio.Emit(radio.AdapterStateChanged{State: radio.AdapterResetting})
		s.radio.Emit(radio.AdapterStateChanged{State: radio.AdapterPoweredOn})
	}()

	state, err := s.mgr.AwaitAdapter(ctx)
	s.NoError(err)
	s.Equal(radio.AdapterPoweredOn, state)
}

func (s *ManagerTestSuite) TestAwaitAdapterPoweredOff() {
	s.radio.Emit(radio.AdapterStateChanged{State: radio.AdapterPoweredOff})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	state, err := s.mgr.AwaitAdapter(ctx)

	s.ErrorIs(err, link.ErrAdapterNotReady)
	s.Equal(radio.AdapterPoweredOff, state)
}

func (s *ManagerTestSuite) TestAwaitAdapterContextCancelled() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.mgr.AwaitAdapter(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *ManagerTestSuite) TestAwaitPeripheralAndReady() {
	s.radio.SetProfile(radiotest.AGVProfile())
	s.setAdapter(radio.AdapterPoweredOn)
	s.Require().NoError(s.mgr.StartScan())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.advertise("agv-01", "AGV-01", -50)
	}()
	p, err := s.mgr.AwaitPeripheral(ctx, "agv-01")
	s.Require().NoError(err)
	s.Equal("AGV-01", p.Name)

	s.Require().NoError(s.mgr.Connect("agv-01"))
	s.NoError(s.mgr.AwaitReady(ctx))
	s.True(s.mgr.State().Ready())
}

func (s *ManagerTestSuite) TestAwaitReadyReportsFailure() {
	s.discover("agv-01")
	s.radio.SetProfile(&radiotest.Profile{ConnectErr: errors.New("refused")})
	s.Require().NoError(s.mgr.Connect("agv-01"))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := s.mgr.AwaitReady(ctx)

	s.Error(err)
	s.True(errors.Is(err, link.ErrConnectFailed) || errors.Is(err, link.ErrNotReady),
		"AwaitReady MUST report the failed attempt, got %v", err)
}

func (s *ManagerTestSuite) TestConnectReady() {
	// GOAL: Verify ConnectReady drives an advertised AGV all the way to Ready
	//
	// TEST SCENARIO: discovered agv-01 + AGV profile → ConnectReady → nil, state Ready

	s.discover("agv-01")
	s.radio.SetProfile(radiotest.AGVProfile())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	s.Require().NoError(s.mgr.ConnectReady(ctx, "agv-01"))
	s.True(s.mgr.State().Ready())
}

func (s *ManagerTestSuite) TestConnectReadyReportsConnectFailure() {
	s.discover("agv-01")
	s.radio.SetProfile(&radiotest.Profile{ConnectErr: errors.New("refused")})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	err := s.mgr.ConnectReady(ctx, "agv-01")

	s.ErrorIs(err, link.ErrConnectFailed, "the failure cause MUST NOT be lost to a subscription race")
	var cerr *link.ConnectError
	s.Require().ErrorAs(err, &cerr)
	s.Equal("agv-01", cerr.ID)
}

func (s *ManagerTestSuite) TestConnectReadyUnknownPeripheral() {
	err := s.mgr.ConnectReady(context.Background(), "ghost")
	s.ErrorIs(err, link.ErrUnknownPeripheral)
	s.Empty(s.radio.CallsTo(radiotest.OpConnect))
}

func (s *ManagerTestSuite) TestConnectReadyCancelledTearsDown() {
	s.discover("agv-01")
	// no profile: the radio never answers the connect

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.mgr.ConnectReady(ctx, "agv-01")

	s.ErrorIs(err, context.DeadlineExceeded)
	calls := s.waitCalls(radiotest.OpCancelConnection, 1)
	s.Equal("agv-01", calls[0].ID)
}
