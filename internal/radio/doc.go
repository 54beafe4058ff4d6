// Package radio defines the contract between the AGV link and the platform
// Bluetooth Low Energy stack.
//
// A Radio accepts commands (scan, connect, discover, subscribe, write) that
// return immediately; their outcomes are reported later as Events through the
// EventSink handed to Start. This mirrors the delegate/callback model of the
// native BLE APIs while letting the consumer process events on a single
// goroutine of its choosing.
//
// Implementations:
//   - goble: backed by github.com/go-ble/ble
//   - radiotest: scriptable in-memory radio for tests
package radio
