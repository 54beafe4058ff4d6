package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/agvlink/internal/radio"
)

// DeviceFactory creates the ble.Device the radio runs on (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test overrides
var DeviceFactory = newPlatformDevice

// gattClient is the part of ble.Client the radio drives.
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// AdvHandler receives converted advertisements during a scan.
type AdvHandler func(id string, addr ble.Addr, adv radio.Advertisement)

// device is the adapter surface used by Radio.
type device interface {
	Scan(ctx context.Context, h AdvHandler) error
	Dial(ctx context.Context, addr ble.Addr) (gattClient, error)
	Stop() error
}

// openDevice is swapped by tests to run the radio without a platform stack.
var openDevice = func() (device, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	return &bleDevice{dev: dev}, nil
}

type bleDevice struct {
	dev ble.Device
}

func (d *bleDevice) Scan(ctx context.Context, h AdvHandler) error {
	return d.dev.Scan(ctx, true, func(a ble.Advertisement) {
		addr := a.Addr()
		if addr == nil {
			return
		}
		h(addr.String(), addr, ConvertAdvertisement(a))
	})
}

func (d *bleDevice) Dial(ctx context.Context, addr ble.Addr) (gattClient, error) {
	client, err := d.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *bleDevice) Stop() error {
	return d.dev.Stop()
}

// ConvertAdvertisement copies the fields of a go-ble advertisement the link cares about.
func ConvertAdvertisement(a ble.Advertisement) radio.Advertisement {
	adv := radio.Advertisement{
		LocalName:   a.LocalName(),
		RSSI:        a.RSSI(),
		Connectable: a.Connectable(),
	}
	if md := a.ManufacturerData(); len(md) > 0 {
		adv.ManufacturerData = append([]byte(nil), md...)
	}
	for _, u := range a.Services() {
		adv.Services = append(adv.Services, radio.NormalizeUUID(u.String()))
	}
	// 127 means TX power not available
	if tx := int(a.TxPowerLevel()); tx != 127 {
		adv.TxPower = &tx
	}
	return adv
}
