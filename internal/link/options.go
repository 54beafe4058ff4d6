package link

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tunes the manager. Zero timeouts disable the corresponding timer.
type Options struct {
	// ConnectTimeout bounds Connecting; expiry reports ConnectFailed with ErrTimeout.
	ConnectTimeout time.Duration
	// DiscoveryTimeout bounds ServiceDiscovery; expiry reports DiscoveryIncomplete.
	DiscoveryTimeout time.Duration
	// WriteTimeout bounds the wait for a write acknowledgement.
	WriteTimeout time.Duration
	// DisconnectTimeout bounds the wait for the radio to confirm a teardown
	// before the connection is dropped locally.
	DisconnectTimeout time.Duration `default:"5s"`

	// EventBuffer is the per-subscriber ring size; the oldest events are dropped when full.
	EventBuffer int `default:"64"`
	// NotificationHistory is the number of notifications kept for DrainNotifications.
	NotificationHistory uint32 `default:"128"`
	// InboxSize bounds queued radio events and calls waiting for the loop.
	InboxSize int `default:"256"`
}

func (o Options) withDefaults() Options {
	defaults.SetDefaults(&o)
	return o
}
