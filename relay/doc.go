// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay defines the transport session between the bridge and
// the external signing agent. A Transport owns one physical connection
// to the relay, carries framed JSON envelopes in both directions, and
// reports connection lifecycle through an event channel.
//
// The package is organized around the wire data flow:
//
//   - relay.go: the Transport interface, Envelope wire unit, and
//     lifecycle events
//   - wire.go: length-prefixed JSON framing over a byte stream
//   - tcp.go: stream transport over TCP, used by the daemon
//   - memory.go: in-process transport with a scriptable agent side,
//     used by tests
//
// Reconnection is not this package's job: a Transport reports the drop
// and stays down until Open is called again. The connection manager in
// package walletbridge owns retry policy.
package relay
