// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ Transport = (*Memory)(nil)

// Memory is an in-process Transport for tests. The agent side is
// scriptable: tests read outbound envelopes from AgentInbox, inject
// responses with AgentSend, and simulate relay failures with Drop,
// FailNextOpen, SuppressSettle, and InvalidateSession.
type Memory struct {
	pairing Pairing

	receive chan Envelope
	events  chan Event
	agent   chan Envelope

	mu             sync.Mutex
	open           bool
	settled        bool
	nextOpenErr    error
	suppressSettle bool
}

// NewMemory creates an in-process transport that settles the given
// pairing on every successful Open.
func NewMemory(pairing Pairing) *Memory {
	return &Memory{
		pairing: pairing,
		receive: make(chan Envelope, 64),
		events:  make(chan Event, 64),
		agent:   make(chan Envelope, 64),
	}
}

// Open settles the session immediately (unless SuppressSettle is in
// effect) and emits EventConnected.
func (m *Memory) Open(_ context.Context) error {
	m.mu.Lock()
	if m.nextOpenErr != nil {
		err := m.nextOpenErr
		m.nextOpenErr = nil
		m.mu.Unlock()
		return err
	}
	if m.open {
		m.mu.Unlock()
		return fmt.Errorf("relay: transport already open")
	}
	m.open = true
	settle := !m.suppressSettle
	m.settled = settle
	m.mu.Unlock()

	if settle {
		m.events <- Event{Kind: EventConnected, Pairing: m.pairing}
	}
	return nil
}

// Close marks the transport down without emitting an event, matching
// the solicited-close contract.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.settled = false
	return nil
}

// Send delivers the envelope to the agent inbox.
func (m *Memory) Send(envelope Envelope) error {
	m.mu.Lock()
	open := m.open
	m.mu.Unlock()
	if !open {
		return fmt.Errorf("relay: send on closed transport")
	}
	m.agent <- envelope
	return nil
}

// Receive returns the inbound envelope channel.
func (m *Memory) Receive() <-chan Envelope { return m.receive }

// Events returns the lifecycle event channel.
func (m *Memory) Events() <-chan Event { return m.events }

// HasSession reports whether topic matches the settled pairing.
func (m *Memory) HasSession(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open && m.settled && m.pairing.Topic == topic
}

// AgentInbox returns the channel of envelopes the client sent.
func (m *Memory) AgentInbox() <-chan Envelope { return m.agent }

// AgentSend injects an envelope from the agent side into the client's
// receive channel.
func (m *Memory) AgentSend(envelope Envelope) {
	m.receive <- envelope
}

// Drop simulates an unsolicited connection loss: the transport goes
// down and EventDisconnected is emitted with err as the cause.
func (m *Memory) Drop(err error) {
	m.mu.Lock()
	m.open = false
	m.settled = false
	m.mu.Unlock()
	m.events <- Event{Kind: EventDisconnected, Err: err}
}

// FailNextOpen makes the next Open call return err without opening.
func (m *Memory) FailNextOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOpenErr = err
}

// SuppressSettle controls whether Open settles the session. With
// suppress true, Open succeeds but EventConnected is never emitted —
// the shape of a relay whose agent side never completes the handshake.
func (m *Memory) SuppressSettle(suppress bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressSettle = suppress
}

// InvalidateSession removes the session from the valid set while
// leaving the connection up. Subsequent HasSession calls report false.
func (m *Memory) InvalidateSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled = false
}
