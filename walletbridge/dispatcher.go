// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package walletbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offermesh/offermesh/lib/clock"
	"github.com/offermesh/offermesh/relay"
)

// DefaultRequestTimeout bounds one correlated exchange. The loser of
// the race is discarded, not cancelled: the agent may still act on a
// timed-out request, and that effect is outside this system's
// visibility.
const DefaultRequestTimeout = 30 * time.Second

// DispatcherConfig holds the parameters for NewDispatcher. Transport
// and Manager are required and must share the same transport instance.
type DispatcherConfig struct {
	Transport relay.Transport
	Manager   *Manager

	// Clock drives the timeout race. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	// RequestTimeout overrides DefaultRequestTimeout when positive.
	RequestTimeout time.Duration
}

// Dispatcher issues one correlated request/response exchange per Call.
// Responses are matched to callers by request id; any number of calls
// may be outstanding concurrently and none blocks another. The
// dispatcher never retries — retry policy belongs to callers.
type Dispatcher struct {
	transport relay.Transport
	manager   *Manager
	clock     clock.Clock
	logger    *slog.Logger
	timeout   time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan relay.Envelope
	closed  bool

	stop        chan struct{}
	unsubscribe func()
}

// NewDispatcher creates a Dispatcher and starts its response-routing
// loop. The caller must Close it when done.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("walletbridge: Transport is required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("walletbridge: Manager is required")
	}

	d := &Dispatcher{
		transport: cfg.Transport,
		manager:   cfg.Manager,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		timeout:   cfg.RequestTimeout,
		pending:   make(map[uint64]chan relay.Envelope),
		stop:      make(chan struct{}),
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.timeout <= 0 {
		d.timeout = DefaultRequestTimeout
	}

	// A request awaiting its response when the session drops will
	// never be answered; fail it immediately rather than letting it
	// ride out the full timeout.
	d.unsubscribe = d.manager.Subscribe(func(change StateChange) {
		if change.Previous == StatusConnected && change.Current != StatusConnected {
			d.failPending()
		}
	})

	go d.receiveLoop()
	return d, nil
}

// Call sends method with params on the active session and decodes the
// response into result (which may be nil for calls without a return
// value). params must marshal to a JSON object; the session's account
// fingerprint is injected into it, per the wire contract.
//
// Expected failures return a *Error with a Kind from the taxonomy in
// errors.go; any response envelope carrying an error key is a failure
// even when the transport reported success.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, result any) error {
	session, ok := d.manager.Session()
	if !ok {
		return &Error{Kind: KindSessionInvalid, Message: "no session established"}
	}
	if !d.transport.HasSession(session.Topic) {
		return &Error{Kind: KindSessionInvalid, Message: fmt.Sprintf("session %s no longer valid", session.Topic)}
	}

	rawParams, err := encodeParams(params, session.AccountFingerprint)
	if err != nil {
		return fmt.Errorf("walletbridge: encoding %s params: %w", method, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("walletbridge: dispatcher closed")
	}
	d.nextID++
	id := d.nextID
	response := make(chan relay.Envelope, 1)
	d.pending[id] = response
	d.mu.Unlock()
	defer d.forget(id)

	envelope := relay.Envelope{
		ID:     id,
		Topic:  session.Topic,
		Method: method,
		Params: rawParams,
	}
	if err := d.manager.Submit(func() error { return d.transport.Send(envelope) }); err != nil {
		return err
	}

	timeout := make(chan struct{})
	timer := d.clock.AfterFunc(d.timeout, func() { close(timeout) })
	defer timer.Stop()

	select {
	case reply, ok := <-response:
		if !ok {
			return &Error{Kind: KindSessionInvalid, Message: "session lost while awaiting response"}
		}
		if len(reply.Error) > 0 {
			return classifyAgentError(reply.Error)
		}
		if result != nil {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return fmt.Errorf("walletbridge: decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s: no response within %v", method, d.timeout)}
	}
}

// Close stops the response loop and detaches from the manager.
// Outstanding calls fail with their timeout or context.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.unsubscribe()
	close(d.stop)
}

// receiveLoop routes inbound envelopes to waiting calls by id. An
// envelope with no waiter is a discarded timeout loser or an
// unsolicited notification; both are logged and dropped.
func (d *Dispatcher) receiveLoop() {
	receive := d.transport.Receive()
	for {
		select {
		case <-d.stop:
			return
		case envelope := <-receive:
			d.mu.Lock()
			waiter, ok := d.pending[envelope.ID]
			if ok {
				delete(d.pending, envelope.ID)
			}
			d.mu.Unlock()

			if !ok {
				d.logger.Debug("unmatched response discarded", "id", envelope.ID)
				continue
			}
			waiter <- envelope
		}
	}
}

// failPending abandons every outstanding call. Closing a waiter
// channel tells its Call that the session was lost; only channels
// still in the map get closed, so the routing loop never sends on a
// closed channel.
func (d *Dispatcher) failPending() {
	d.mu.Lock()
	waiters := d.pending
	d.pending = make(map[uint64]chan relay.Envelope)
	d.mu.Unlock()

	for _, waiter := range waiters {
		close(waiter)
	}
}

func (d *Dispatcher) forget(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, id)
}

// encodeParams marshals params and injects the session fingerprint.
// Every request params object carries the fingerprint, per the wire
// contract; nil params becomes a bare {"fingerprint": ...} object.
func encodeParams(params any, fingerprint uint32) (json.RawMessage, error) {
	merged := map[string]any{}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(encoded, &merged); err != nil {
			return nil, fmt.Errorf("params must encode to a JSON object: %w", err)
		}
	}
	merged["fingerprint"] = fingerprint
	return json.Marshal(merged)
}
