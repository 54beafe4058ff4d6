package link

import (
	"context"
	"fmt"

	"github.com/srg/agvlink/internal/radio"
)

// WaitFor blocks until pred holds for the manager state, ctx ends or the
// manager closes.
func (m *Manager) WaitFor(ctx context.Context, pred func(State) bool) (State, error) {
	events, cancel := m.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return m.State(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return m.State(), ErrClosed
			}
			if sc, isState := ev.(StateChanged); isState && pred(sc.State) {
				return sc.State, nil
			}
		}
	}
}

// AwaitAdapter waits until the adapter state is settled and reports
// ErrAdapterNotReady unless it is powered on.
func (m *Manager) AwaitAdapter(ctx context.Context) (radio.AdapterState, error) {
	st, err := m.WaitFor(ctx, func(s State) bool { return s.Adapter.Settled() })
	if err != nil {
		return st.Adapter, err
	}
	if st.Adapter != radio.AdapterPoweredOn {
		return st.Adapter, fmt.Errorf("%w: %s", ErrAdapterNotReady, st.Adapter.Description())
	}
	return st.Adapter, nil
}

// AwaitPeripheral waits until id shows up in the discovered set.
func (m *Manager) AwaitPeripheral(ctx context.Context, id string) (Peripheral, error) {
	st, err := m.WaitFor(ctx, func(s State) bool {
		_, ok := s.Lookup(id)
		return ok
	})
	if err != nil {
		return Peripheral{}, err
	}
	p, _ := st.Lookup(id)
	return p, nil
}

// AwaitReady waits for the connection started by Connect to become Ready.
// It returns the error of the event that ended the attempt instead.
func (m *Manager) AwaitReady(ctx context.Context) error {
	events, cancel := m.Subscribe()
	defer cancel()
	return awaitReady(ctx, events)
}

// ConnectReady connects to id and waits for Ready. Unlike Connect followed by
// AwaitReady it cannot miss a failure reported in between. When ctx ends
// first the attempt is torn down.
func (m *Manager) ConnectReady(ctx context.Context, id string) error {
	events, cancel := m.Subscribe()
	defer cancel()
	// the snapshot from before the attempt
	<-events

	if err := m.Connect(id); err != nil {
		return err
	}
	err := awaitReady(ctx, events)
	if err != nil && ctx.Err() != nil {
		m.Disconnect()
	}
	return err
}

func awaitReady(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrClosed
			}
			switch e := ev.(type) {
			case StateChanged:
				if e.State.Ready() {
					return nil
				}
				if e.State.Phase == PhaseDisconnected {
					return fmt.Errorf("%w: not connected", ErrNotReady)
				}
			case ConnectFailed:
				return e.Err
			case DiscoveryIncomplete:
				return e.Err
			case LinkLost:
				return &ConnectError{ID: e.ID, Err: e.Err}
			}
		}
	}
}
