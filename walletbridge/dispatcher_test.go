// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package walletbridge

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/offermesh/offermesh/lib/clock"
	"github.com/offermesh/offermesh/lib/testutil"
	"github.com/offermesh/offermesh/relay"
)

// newTestBridge builds a connected manager plus dispatcher over a
// memory transport. The manager runs on the real clock (its timers are
// irrelevant once connected); the dispatcher gets the fake clock so
// tests control the request timeout.
func newTestBridge(t *testing.T, fake *clock.FakeClock) (*Dispatcher, *relay.Memory) {
	t.Helper()
	memory := relay.NewMemory(testPairing)
	manager, err := NewManager(ManagerConfig{Transport: memory})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	if err := manager.Connect(t.Context()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Transport: memory,
		Manager:   manager,
		Clock:     fake,
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(dispatcher.Close)
	return dispatcher, memory
}

// serveAgent answers count requests from the memory transport's agent
// side using handler.
func serveAgent(t *testing.T, memory *relay.Memory, count int, handler func(relay.Envelope) relay.Envelope) {
	t.Helper()
	go func() {
		for i := 0; i < count; i++ {
			request := <-memory.AgentInbox()
			memory.AgentSend(handler(request))
		}
	}()
}

func TestCallRoundTripInjectsFingerprint(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dispatcher, memory := newTestBridge(t, fake)

	serveAgent(t, memory, 1, func(request relay.Envelope) relay.Envelope {
		var params map[string]any
		if err := json.Unmarshal(request.Params, &params); err != nil {
			t.Errorf("agent got malformed params: %v", err)
		}
		if got, want := params["fingerprint"], float64(testPairing.AccountFingerprint); got != want {
			t.Errorf("fingerprint in params: got %v, want %v", got, want)
		}
		if request.Topic != testPairing.Topic {
			t.Errorf("request topic: got %q, want %q", request.Topic, testPairing.Topic)
		}
		return relay.Envelope{ID: request.ID, Result: json.RawMessage(`{"address": "xch1abc"}`)}
	})

	var result struct {
		Address string `json:"address"`
	}
	if err := dispatcher.Call(t.Context(), methodGetAddress, nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Address != "xch1abc" {
		t.Errorf("address: got %q, want %q", result.Address, "xch1abc")
	}
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dispatcher, _ := newTestBridge(t, fake)
	// The agent never answers.

	result := make(chan error, 1)
	go func() { result <- dispatcher.Call(t.Context(), methodGetAddress, nil, nil) }()

	fake.WaitForTimers(1)
	// Just short of the window, the call must still be pending.
	fake.Advance(DefaultRequestTimeout - time.Millisecond)
	select {
	case err := <-result:
		t.Fatalf("call settled before the timeout window: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	fake.Advance(time.Millisecond)
	err := testutil.RequireReceive(t, result, 5*time.Second, "call outcome")
	if !IsKind(err, KindTimeout) {
		t.Errorf("timed-out call: got %v, want timeout kind", err)
	}
}

func TestCallWithoutSessionFailsBeforeNetwork(t *testing.T) {
	t.Parallel()
	memory := relay.NewMemory(testPairing)
	manager, err := NewManager(ManagerConfig{Transport: memory})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	dispatcher, err := NewDispatcher(DispatcherConfig{Transport: memory, Manager: manager})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	t.Cleanup(dispatcher.Close)

	callErr := dispatcher.Call(t.Context(), methodGetAddress, nil, nil)
	if !IsKind(callErr, KindSessionInvalid) {
		t.Errorf("call without session: got %v, want session_invalid", callErr)
	}
	select {
	case envelope := <-memory.AgentInbox():
		t.Errorf("network attempt made without a session: %+v", envelope)
	default:
	}
}

func TestCallFailsWhenSessionDroppedFromValidSet(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dispatcher, memory := newTestBridge(t, fake)

	memory.InvalidateSession()

	err := dispatcher.Call(t.Context(), methodGetAddress, nil, nil)
	if !IsKind(err, KindSessionInvalid) {
		t.Errorf("call with invalidated session: got %v, want session_invalid", err)
	}
	select {
	case envelope := <-memory.AgentInbox():
		t.Errorf("network attempt made with invalid session: %+v", envelope)
	default:
	}
}

func TestCallClassifiesErrorEnvelope(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dispatcher, memory := newTestBridge(t, fake)

	serveAgent(t, memory, 1, func(request relay.Envelope) relay.Envelope {
		return relay.Envelope{
			ID:    request.ID,
			Error: json.RawMessage(`{"message": "User rejected the request", "code": 4001}`),
		}
	})

	err := dispatcher.Call(t.Context(), methodCreateOffer, CreateOfferRequest{Fee: 1}, nil)
	if !IsKind(err, KindUserRejected) {
		t.Errorf("rejected call: got %v, want user_rejected", err)
	}
	var bridgeErr *Error
	if errors.As(err, &bridgeErr) && bridgeErr.Code != 4001 {
		t.Errorf("code: got %d, want 4001", bridgeErr.Code)
	}
}

func TestConcurrentCallsCorrelateOutOfOrder(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dispatcher, memory := newTestBridge(t, fake)

	// Collect both requests, then answer in reverse order.
	go func() {
		first := <-memory.AgentInbox()
		second := <-memory.AgentInbox()
		memory.AgentSend(relay.Envelope{ID: second.ID, Result: json.RawMessage(`{"address": "second"}`)})
		memory.AgentSend(relay.Envelope{ID: first.ID, Result: json.RawMessage(`{"address": "first"}`)})
	}()

	type outcome struct {
		address string
		err     error
	}
	results := make(chan outcome, 2)
	call := func() {
		var result struct {
			Address string `json:"address"`
		}
		err := dispatcher.Call(t.Context(), methodGetAddress, nil, &result)
		results <- outcome{address: result.Address, err: err}
	}
	go call()
	// Order the sends so "first" on the wire is deterministic.
	testutil.RequireClosed(t, waitForPending(dispatcher), 5*time.Second, "first request registered")
	go call()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		result := testutil.RequireReceive(t, results, 5*time.Second, "call %d", i)
		if result.err != nil {
			t.Fatalf("call failed: %v", result.err)
		}
		got[result.address] = true
	}
	if !got["first"] || !got["second"] {
		t.Errorf("correlated results: got %v, want both first and second", got)
	}
}

// waitForPending returns a channel that closes once the dispatcher has
// at least one outstanding request.
func waitForPending(dispatcher *Dispatcher) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for {
			dispatcher.mu.Lock()
			outstanding := len(dispatcher.pending)
			dispatcher.mu.Unlock()
			if outstanding > 0 {
				close(done)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return done
}

func TestPendingCallsFailOnSessionLoss(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	dispatcher, memory := newTestBridge(t, fake)

	result := make(chan error, 1)
	go func() { result <- dispatcher.Call(t.Context(), methodGetAddress, nil, nil) }()
	testutil.RequireClosed(t, waitForPending(dispatcher), 5*time.Second, "request in flight")

	memory.Drop(errors.New("relay gone"))

	err := testutil.RequireReceive(t, result, 5*time.Second, "call outcome")
	if !IsKind(err, KindSessionInvalid) {
		t.Errorf("in-flight call on session loss: got %v, want session_invalid", err)
	}
}
