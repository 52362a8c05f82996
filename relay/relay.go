// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
)

// Envelope is one framed JSON message on the relay. Outbound envelopes
// carry ID, Topic, Method, and Params; inbound responses echo the ID
// and carry exactly one of Result or Error. Any inbound envelope with a
// non-empty Error is a failure regardless of how the transport layer
// reported the exchange.
type Envelope struct {
	ID     uint64          `json:"id,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Pairing describes the logical session the relay settled with the
// agent during the handshake.
type Pairing struct {
	// Topic is the opaque session identifier. All requests on this
	// session carry it.
	Topic string `json:"topic"`

	// ChainNamespace identifies the chain the agent is paired for
	// (e.g., "chia:mainnet").
	ChainNamespace string `json:"chainNamespace"`

	// AccountFingerprint identifies the wallet account within the
	// agent. Every request params object carries it.
	AccountFingerprint uint32 `json:"fingerprint"`
}

// EventKind classifies a transport lifecycle event.
type EventKind int

const (
	// EventConnected reports a settled session. The event carries the
	// Pairing. This is the readiness signal the connection manager
	// waits for — "socket open" alone is not connected.
	EventConnected EventKind = iota

	// EventDisconnected reports that the physical connection dropped.
	// Err carries the cause when known.
	EventDisconnected

	// EventError reports a transport-level fault that did not drop the
	// connection (e.g., an unparseable inbound frame).
	EventError
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one transport lifecycle notification.
type Event struct {
	Kind    EventKind
	Pairing Pairing // populated for EventConnected
	Err     error   // populated for EventDisconnected and EventError
}

// Transport owns one physical relay connection. Implementations carry
// framed JSON envelopes and report lifecycle through Events. The
// Receive and Events channels are created once and survive reopen
// cycles, so consumers can range over them across reconnects.
//
// Transports do not reconnect on their own; after a drop, the
// connection stays down until Open is called again.
type Transport interface {
	// Open dials the relay and performs the session handshake.
	// Readiness is reported through an EventConnected on Events, not
	// by Open returning — a transport may legitimately return from
	// Open before the session settles.
	Open(ctx context.Context) error

	// Close tears down the connection. Close does not emit
	// EventDisconnected: the caller initiated it and already knows.
	Close() error

	// Send writes one envelope to the relay. Fails if the connection
	// is down.
	Send(envelope Envelope) error

	// Receive returns the inbound envelope channel.
	Receive() <-chan Envelope

	// Events returns the lifecycle event channel.
	Events() <-chan Event

	// HasSession reports whether topic is in the transport's
	// currently-valid session set. The dispatcher checks this
	// immediately before every send.
	HasSession(topic string) bool
}
