// Package link is the AGV command link: it owns the Bluetooth adapter state,
// the set of discovered peripherals and at most one connection, resolves the
// AGV service (FFE0) with its notify (FFE1) and command (FFE2)
// characteristics, and writes single-byte motion opcodes.
//
// All mutable state lives on one goroutine. Radio events and public calls are
// funnelled into it, so callers observe a consistent State and an ordered
// stream of Events:
//
//	m, err := link.NewManager(r, link.Options{}, logger)
//	if err != nil { ... }
//	defer m.Close()
//	events, cancel := m.Subscribe()
//	defer cancel()
//	if err := m.StartScan(); err != nil { ... }
//
// Connect and SendCommand only validate and issue the request; completion is
// reported through events.
package link
