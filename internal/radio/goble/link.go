package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/agvlink/internal/radio"
)

// peerLink is one dial attempt or live connection. GATT operations run in
// submission order on a dedicated worker, so services and chars are only
// touched from that goroutine.
type peerLink struct {
	id         string
	cancelDial context.CancelFunc

	mu        sync.Mutex
	client    gattClient
	cancelled bool

	ops      chan func(gattClient)
	done     chan struct{}
	doneOnce sync.Once
	once     sync.Once

	services map[string]*ble.Service
	chars    map[string]*ble.Characteristic
}

func newPeerLink(id string, cancelDial context.CancelFunc, queue int) *peerLink {
	return &peerLink{
		id:         id,
		cancelDial: cancelDial,
		ops:        make(chan func(gattClient), queue),
		done:       make(chan struct{}),
		services:   make(map[string]*ble.Service),
		chars:      make(map[string]*ble.Characteristic),
	}
}

// attach stores the dialed client; false means the link was cancelled meanwhile.
func (p *peerLink) attach(c gattClient) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.client = c
	return true
}

// cancel marks the link as torn down on request and returns the client, if any.
func (p *peerLink) cancel() gattClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	p.cancelDial()
	return p.client
}

func (p *peerLink) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *peerLink) closeDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *peerLink) submit(op func(gattClient)) error {
	select {
	case <-p.done:
		return fmt.Errorf("%w: %s", radio.ErrNotConnected, p.id)
	default:
	}
	select {
	case p.ops <- op:
		return nil
	default:
		return fmt.Errorf("%w: GATT queue full for %s", radio.ErrOperationInProgress, p.id)
	}
}

func (p *peerLink) run(ctx context.Context) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case op := <-p.ops:
			op(client)
		}
	}
}
