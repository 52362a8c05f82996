// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package offer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offermesh/offermesh/lib/clock"
)

const (
	// DefaultPollInterval is the interval-poll cadence over all
	// in-flight records.
	DefaultPollInterval = 30 * time.Second

	// DefaultLongPollInterval is the sub-interval for single-offer
	// long polls.
	DefaultLongPollInterval = 20 * time.Second

	// DefaultLongPollAttempts bounds a long poll that never reaches a
	// terminal state.
	DefaultLongPollAttempts = 30
)

// Store is the record access the Poller needs. *offerstore.Store
// satisfies it.
type Store interface {
	// List returns all records, deduplicated by trade id.
	List(ctx context.Context) ([]Record, error)

	// Update applies a partial mutation to the record with the given
	// local id.
	Update(ctx context.Context, id string, update Update) error
}

// Inspector looks up the current index signal for one offer by its
// index id.
type Inspector interface {
	InspectOffer(ctx context.Context, indexID string) (Signal, error)
}

// PollerConfig configures a Poller. Store and Inspector are required.
type PollerConfig struct {
	Store     Store
	Inspector Inspector

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Interval defaults to DefaultPollInterval.
	Interval time.Duration

	// LongPollInterval defaults to DefaultLongPollInterval.
	LongPollInterval time.Duration

	// LongPollAttempts defaults to DefaultLongPollAttempts.
	LongPollAttempts int

	// OnRefresh, if set, is called once per tick (and once per
	// long-poll update) that changed at least one record.
	OnRefresh func()
}

// Poller keeps the lifecycle state of in-flight offers fresh. It
// polls only records that can still change: uploaded to the index and
// not in a terminal legacy status. Polling is suspended while the
// host view is backgrounded and resumes with an immediate tick on
// return to foreground.
type Poller struct {
	store            Store
	inspector        Inspector
	clock            clock.Clock
	logger           *slog.Logger
	interval         time.Duration
	longPollInterval time.Duration
	longPollAttempts int
	onRefresh        func()

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	foreground bool
	started    bool
}

// NewPoller builds a Poller. Call Start to begin polling.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("offer: poller config missing store")
	}
	if cfg.Inspector == nil {
		return nil, fmt.Errorf("offer: poller config missing inspector")
	}
	p := &Poller{
		store:            cfg.Store,
		inspector:        cfg.Inspector,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		interval:         cfg.Interval,
		longPollInterval: cfg.LongPollInterval,
		longPollAttempts: cfg.LongPollAttempts,
		onRefresh:        cfg.OnRefresh,
		wake:             make(chan struct{}, 1),
		foreground:       true,
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.longPollInterval <= 0 {
		p.longPollInterval = DefaultLongPollInterval
	}
	if p.longPollAttempts <= 0 {
		p.longPollAttempts = DefaultLongPollAttempts
	}
	if p.onRefresh == nil {
		p.onRefresh = func() {}
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Start launches the interval loop. Starting twice is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.run()
}

// Close halts the interval loop and every outstanding long poll, then
// waits for them to finish.
func (p *Poller) Close() {
	p.cancel()
	p.wg.Wait()
}

// SetForeground reports the host view's visibility. While
// backgrounded the interval loop skips its ticks; the transition back
// to foreground triggers an immediate tick so the view is never stale
// by more than one interval.
func (p *Poller) SetForeground(active bool) {
	p.mu.Lock()
	was := p.foreground
	p.foreground = active
	p.mu.Unlock()
	if active && !was {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) foregrounded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.foreground
}

func (p *Poller) run() {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if !p.foregrounded() {
				continue
			}
			p.tick()
		case <-p.wake:
			p.tick()
		}
	}
}

// selected is the polling predicate: only records that the index
// knows about and that can still change are worth a network call.
func selected(record Record) bool {
	if record.IndexID == "" {
		return false
	}
	return record.Status == StatusPending || record.Status == StatusActive
}

// tick inspects every selected record concurrently. Each inspection
// settles independently; one failure never aborts the others. One
// refresh notification fires per tick that changed anything.
func (p *Poller) tick() {
	records, err := p.store.List(p.ctx)
	if err != nil {
		p.logger.Warn("offer poll: listing records", "error", err)
		return
	}

	var inFlight []Record
	for _, record := range records {
		if selected(record) {
			inFlight = append(inFlight, record)
		}
	}
	if len(inFlight) == 0 {
		return
	}

	changed := make([]bool, len(inFlight))
	var wg sync.WaitGroup
	for i, record := range inFlight {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed[i] = p.refresh(record)
		}()
	}
	wg.Wait()

	for _, c := range changed {
		if c {
			p.onRefresh()
			return
		}
	}
}

// refresh inspects one record and, if its derived state changed,
// writes the new snapshot and legacy status projection. Reports
// whether the record changed.
func (p *Poller) refresh(record Record) bool {
	signal, err := p.inspector.InspectOffer(p.ctx, record.IndexID)
	if err != nil {
		p.logger.Warn("offer poll: inspection failed",
			"trade_id", record.TradeID, "index_id", record.IndexID, "error", err)
		return false
	}
	state := DeriveState(signal)
	if state == record.State {
		return false
	}

	status := state.LegacyStatus()
	now := p.clock.Now()
	update := Update{
		Status:        &status,
		State:         &state,
		IndexSnapshot: &signal,
		LastModified:  &now,
	}
	if err := p.store.Update(p.ctx, record.ID, update); err != nil {
		p.logger.Warn("offer poll: persisting state change",
			"trade_id", record.TradeID, "state", state.String(), "error", err)
		return false
	}
	p.logger.Info("offer state changed",
		"trade_id", record.TradeID, "state", state.String(), "status", status)
	return true
}

// LongPoll watches a single offer at the long-poll sub-interval until
// the index reports a terminal state or the attempt budget runs out,
// whichever comes first. The returned stop function halts the watch
// early; Close halts all outstanding watches.
func (p *Poller) LongPoll(record Record) (stop func()) {
	ctx, cancel := context.WithCancel(p.ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		ticker := p.clock.NewTicker(p.longPollInterval)
		defer ticker.Stop()
		for attempt := 0; attempt < p.longPollAttempts; attempt++ {
			signal, err := p.inspector.InspectOffer(ctx, record.IndexID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("offer long poll: inspection failed",
					"trade_id", record.TradeID, "attempt", attempt, "error", err)
			} else {
				state := DeriveState(signal)
				if state != record.State {
					if p.writeLongPollState(record, signal, state) {
						record.State = state
						p.onRefresh()
					}
				}
				if state.IndexTerminal() {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		// Attempts exhausted; the last-seen state stands.
		p.logger.Info("offer long poll: attempt budget exhausted", "trade_id", record.TradeID)
	}()
	return cancel
}

func (p *Poller) writeLongPollState(record Record, signal Signal, state State) bool {
	status := state.LegacyStatus()
	now := p.clock.Now()
	update := Update{
		Status:        &status,
		State:         &state,
		IndexSnapshot: &signal,
		LastModified:  &now,
	}
	if err := p.store.Update(p.ctx, record.ID, update); err != nil {
		p.logger.Warn("offer long poll: persisting state change",
			"trade_id", record.TradeID, "state", state.String(), "error", err)
		return false
	}
	return true
}
