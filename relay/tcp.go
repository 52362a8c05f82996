// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Compile-time interface check.
var _ Transport = (*TCP)(nil)

// methodSessionSettle is the handshake envelope the relay sends once
// the agent side of the pairing is established. Its params carry the
// Pairing.
const methodSessionSettle = "session_settle"

// TCP carries relay envelopes over a single TCP connection. This is
// the direct-reachability transport used by the sync daemon; the
// framing is the same length-prefixed JSON as every other Transport.
type TCP struct {
	address string
	logger  *slog.Logger

	receive chan Envelope
	events  chan Event

	mu      sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
	pairing Pairing
	settled bool
}

// NewTCP creates a TCP transport for the relay at address (host:port).
// A nil logger means slog.Default().
func NewTCP(address string, logger *slog.Logger) *TCP {
	if logger == nil {
		logger = slog.Default()
	}
	return &TCP{
		address: address,
		logger:  logger,
		receive: make(chan Envelope, 16),
		events:  make(chan Event, 16),
	}
}

// Open dials the relay and waits for the session_settle handshake
// frame before reporting EventConnected. Open returns once the dial
// succeeds; settling is reported asynchronously on Events, matching
// the Transport contract.
func (t *TCP) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return fmt.Errorf("relay: transport already open")
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return fmt.Errorf("relay: dialing %s: %w", t.address, err)
	}

	t.conn = conn
	t.settled = false
	go t.readLoop(conn)
	return nil
}

// Close tears down the connection. The read loop exits on the next
// read and does not emit EventDisconnected for a solicited close.
func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.settled = false
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Send writes one envelope. Serialized by a write mutex so concurrent
// dispatcher calls never interleave frames.
func (t *TCP) Send(envelope Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("relay: send on closed transport")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteFrame(conn, envelope)
}

// Receive returns the inbound envelope channel.
func (t *TCP) Receive() <-chan Envelope { return t.receive }

// Events returns the lifecycle event channel.
func (t *TCP) Events() <-chan Event { return t.events }

// HasSession reports whether topic matches the settled session.
func (t *TCP) HasSession(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled && t.conn != nil && t.pairing.Topic == topic
}

// readLoop decodes frames until the connection drops. The first
// session_settle frame settles the session and emits EventConnected;
// everything else flows to the receive channel.
func (t *TCP) readLoop(conn net.Conn) {
	for {
		envelope, err := ReadFrame(conn)
		if err != nil {
			// Clear state only if this loop still owns the live
			// connection. After Close, or after a newer Open has
			// installed a replacement, this loop is stale and must not
			// touch t.conn: wiping a freshly installed connection would
			// leave Send failing with no EventDisconnected to recover
			// from.
			t.mu.Lock()
			current := t.conn == conn
			if current {
				t.conn = nil
				t.settled = false
			}
			t.mu.Unlock()

			if current {
				t.emit(Event{Kind: EventDisconnected, Err: err})
			}
			return
		}

		if envelope.Method == methodSessionSettle {
			var pairing Pairing
			if err := json.Unmarshal(envelope.Params, &pairing); err != nil {
				t.emit(Event{Kind: EventError, Err: fmt.Errorf("relay: malformed session_settle: %w", err)})
				continue
			}
			t.mu.Lock()
			if t.conn != conn {
				// A settle frame buffered on a superseded connection
				// must not mark the replacement settled.
				t.mu.Unlock()
				return
			}
			t.pairing = pairing
			t.settled = true
			t.mu.Unlock()
			t.emit(Event{Kind: EventConnected, Pairing: pairing})
			continue
		}

		select {
		case t.receive <- envelope:
		default:
			// A stalled consumer loses the oldest frame rather than
			// wedging the read loop.
			select {
			case <-t.receive:
			default:
			}
			t.receive <- envelope
			t.logger.Warn("relay receive buffer full, dropped oldest frame")
		}
	}
}

func (t *TCP) emit(event Event) {
	select {
	case t.events <- event:
	default:
		select {
		case <-t.events:
		default:
		}
		t.events <- event
		t.logger.Warn("relay event buffer full, dropped oldest event", "kind", event.Kind.String())
	}
}
