// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package offer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/offermesh/offermesh/lib/clock"
	"github.com/offermesh/offermesh/lib/testutil"
)

// memoryStore is a map-backed Store for poller tests.
type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemoryStore(records ...Record) *memoryStore {
	s := &memoryStore{records: make(map[string]Record)}
	for _, record := range records {
		s.records[record.ID] = record
	}
	return s
}

func (s *memoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	return out, nil
}

func (s *memoryStore) Update(ctx context.Context, id string, update Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return errors.New("not found")
	}
	s.records[id] = update.Apply(record)
	return nil
}

func (s *memoryStore) get(t *testing.T, id string) Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		t.Fatalf("record %s missing from store", id)
	}
	return record
}

// fakeInspector answers inspections from a per-index-id script and
// reports every call on the calls channel.
type fakeInspector struct {
	mu      sync.Mutex
	signals map[string]Signal
	errs    map[string]error
	calls   chan string
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		signals: make(map[string]Signal),
		errs:    make(map[string]error),
		calls:   make(chan string, 64),
	}
}

func (f *fakeInspector) set(indexID string, signal Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals[indexID] = signal
	delete(f.errs, indexID)
}

func (f *fakeInspector) fail(indexID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[indexID] = err
}

func (f *fakeInspector) InspectOffer(ctx context.Context, indexID string) (Signal, error) {
	f.calls <- indexID
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[indexID]; err != nil {
		return Signal{}, err
	}
	return f.signals[indexID], nil
}

func completedSignal(at time.Time) Signal {
	taker := "xch1taker"
	return Signal{DateCompleted: &at, KnownTaker: &taker}
}

func inFlightRecord(id, indexID, status string) Record {
	created := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return Record{
		ID:           id,
		TradeID:      "trade-" + id,
		Status:       status,
		State:        StatePending,
		IndexID:      indexID,
		CreatedAt:    created,
		LastModified: created,
	}
}

func newTestPoller(t *testing.T, store Store, inspector Inspector, fake *clock.FakeClock, refreshes chan struct{}) *Poller {
	t.Helper()
	poller, err := NewPoller(PollerConfig{
		Store:            store,
		Inspector:        inspector,
		Clock:            fake,
		LongPollAttempts: DefaultLongPollAttempts,
		OnRefresh:        func() { refreshes <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	t.Cleanup(poller.Close)
	return poller
}

func TestPollerSelectsOnlyInFlightIndexedRecords(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := newMemoryStore(
		inFlightRecord("a", "idx-a", StatusPending),
		inFlightRecord("b", "idx-b", StatusActive),
		inFlightRecord("c", "", StatusPending),
		inFlightRecord("d", "idx-d", StatusCompleted),
		inFlightRecord("e", "idx-e", StatusCancelled),
	)
	inspector := newFakeInspector()
	inspector.set("idx-a", completedSignal(fake.Now()))
	inspector.set("idx-b", completedSignal(fake.Now()))

	refreshes := make(chan struct{}, 8)
	poller := newTestPoller(t, store, inspector, fake, refreshes)
	poller.Start()

	fake.WaitForTimers(1)
	fake.Advance(DefaultPollInterval)
	testutil.RequireReceive(t, refreshes, 5*time.Second, "tick refresh")

	inspected := map[string]bool{}
	for i := 0; i < 2; i++ {
		inspected[testutil.RequireReceive(t, inspector.calls, 5*time.Second, "inspection %d", i)] = true
	}
	if !inspected["idx-a"] || !inspected["idx-b"] {
		t.Errorf("inspected set: got %v, want idx-a and idx-b", inspected)
	}
	select {
	case extra := <-inspector.calls:
		t.Errorf("terminal or unindexed record inspected: %s", extra)
	default:
	}
}

func TestPollerEndToEndLocalOffer(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	record := NewRecord("trade-local", []byte("offer1blob"), fake.Now())
	store := newMemoryStore(record)
	inspector := newFakeInspector()

	refreshes := make(chan struct{}, 8)
	poller := newTestPoller(t, store, inspector, fake, refreshes)
	poller.Start()

	// Without an index id the record is never selected.
	fake.WaitForTimers(1)
	fake.Advance(DefaultPollInterval)
	time.Sleep(10 * time.Millisecond)
	select {
	case id := <-inspector.calls:
		t.Fatalf("unuploaded offer was inspected: %s", id)
	default:
	}

	// Simulate the index upload, then one interval with a
	// completed-shaped signal.
	indexID := "idx-local"
	if err := store.Update(t.Context(), record.ID, Update{IndexID: &indexID}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	inspector.set(indexID, completedSignal(fake.Now()))

	fake.WaitForTimers(1)
	fake.Advance(DefaultPollInterval)
	testutil.RequireReceive(t, refreshes, 5*time.Second, "refresh after completion")

	got := store.get(t, record.ID)
	if got.Status != StatusCompleted || got.State != StateCompleted {
		t.Errorf("record after poll: status %q state %v", got.Status, got.State)
	}
	if !got.IsLocal {
		t.Error("poll write must not touch the isLocal flag")
	}
	if got.IndexSnapshot == nil || got.IndexSnapshot.DateCompleted == nil {
		t.Error("index snapshot not persisted")
	}
	select {
	case <-refreshes:
		t.Error("refresh fired more than once for a single change")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPollerVisibilityGate(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := newMemoryStore(inFlightRecord("a", "idx-a", StatusPending))
	inspector := newFakeInspector()
	inspector.set("idx-a", completedSignal(fake.Now()))

	refreshes := make(chan struct{}, 8)
	poller := newTestPoller(t, store, inspector, fake, refreshes)
	poller.Start()
	poller.SetForeground(false)

	fake.WaitForTimers(1)
	fake.Advance(DefaultPollInterval)
	time.Sleep(10 * time.Millisecond)
	select {
	case id := <-inspector.calls:
		t.Fatalf("backgrounded poller inspected %s", id)
	default:
	}

	// Return to foreground triggers an immediate tick, no interval
	// wait needed.
	poller.SetForeground(true)
	testutil.RequireReceive(t, refreshes, 5*time.Second, "refresh on foreground resume")
}

func TestPollerIsolatesPerOfferFailures(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := newMemoryStore(
		inFlightRecord("a", "idx-a", StatusPending),
		inFlightRecord("b", "idx-b", StatusPending),
	)
	inspector := newFakeInspector()
	inspector.fail("idx-a", errors.New("transient relay error"))
	inspector.set("idx-b", completedSignal(fake.Now()))

	refreshes := make(chan struct{}, 8)
	poller := newTestPoller(t, store, inspector, fake, refreshes)
	poller.Start()

	fake.WaitForTimers(1)
	fake.Advance(DefaultPollInterval)
	testutil.RequireReceive(t, refreshes, 5*time.Second, "refresh despite sibling failure")

	if got := store.get(t, "b"); got.Status != StatusCompleted {
		t.Errorf("healthy record not updated past sibling failure: status %q", got.Status)
	}
	if got := store.get(t, "a"); got.Status != StatusPending {
		t.Errorf("failed inspection must leave the record untouched: status %q", got.Status)
	}
}

func TestLongPollStopsOnTerminalState(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	record := inFlightRecord("a", "idx-a", StatusPending)
	store := newMemoryStore(record)
	inspector := newFakeInspector()
	pending := fake.Now()
	inspector.set("idx-a", Signal{DatePending: &pending})

	refreshes := make(chan struct{}, 8)
	poller := newTestPoller(t, store, inspector, fake, refreshes)

	stop := poller.LongPoll(record)
	defer stop()

	// First attempt fires immediately and sees a non-terminal state.
	testutil.RequireReceive(t, inspector.calls, 5*time.Second, "first attempt")

	// Second attempt sees completion and the watch ends.
	inspector.set("idx-a", completedSignal(fake.Now()))
	fake.WaitForTimers(1)
	fake.Advance(DefaultLongPollInterval)
	testutil.RequireReceive(t, inspector.calls, 5*time.Second, "second attempt")
	testutil.RequireReceive(t, refreshes, 5*time.Second, "refresh on completion")

	if got := store.get(t, "a"); got.Status != StatusCompleted {
		t.Errorf("long poll did not persist completion: status %q", got.Status)
	}

	// A terminal state ends the watch; further time produces no calls.
	time.Sleep(10 * time.Millisecond)
	fake.Advance(DefaultLongPollInterval)
	select {
	case <-inspector.calls:
		t.Error("long poll continued past a terminal state")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLongPollAttemptBudget(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	record := inFlightRecord("a", "idx-a", StatusPending)
	store := newMemoryStore(record)
	inspector := newFakeInspector()
	pending := fake.Now()
	inspector.set("idx-a", Signal{DatePending: &pending})

	poller, err := NewPoller(PollerConfig{
		Store:            store,
		Inspector:        inspector,
		Clock:            fake,
		LongPollAttempts: 2,
	})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	t.Cleanup(poller.Close)

	stop := poller.LongPoll(record)
	defer stop()

	testutil.RequireReceive(t, inspector.calls, 5*time.Second, "attempt 1")
	fake.WaitForTimers(1)
	fake.Advance(DefaultLongPollInterval)
	testutil.RequireReceive(t, inspector.calls, 5*time.Second, "attempt 2")

	// Budget exhausted: the loop ends without another inspection.
	time.Sleep(10 * time.Millisecond)
	fake.Advance(DefaultLongPollInterval)
	select {
	case <-inspector.calls:
		t.Error("long poll exceeded its attempt budget")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLongPollStopHandle(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	record := inFlightRecord("a", "idx-a", StatusPending)
	store := newMemoryStore(record)
	inspector := newFakeInspector()
	pending := fake.Now()
	inspector.set("idx-a", Signal{DatePending: &pending})

	poller := newTestPoller(t, store, inspector, fake, make(chan struct{}, 8))

	stop := poller.LongPoll(record)
	testutil.RequireReceive(t, inspector.calls, 5*time.Second, "first attempt")

	stop()
	time.Sleep(10 * time.Millisecond)
	fake.Advance(DefaultLongPollInterval)
	select {
	case <-inspector.calls:
		t.Error("long poll continued after stop")
	case <-time.After(50 * time.Millisecond):
	}
}
