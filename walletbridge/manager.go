// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package walletbridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/offermesh/offermesh/lib/clock"
	"github.com/offermesh/offermesh/relay"
)

// Connection timing defaults. Connect waits DefaultConnectTimeout for
// the transport's settle signal, then one DefaultConnectGrace more to
// absorb handshake jitter before declaring failure.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultConnectGrace   = 2 * time.Second

	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMaxAttempts  = 5

	// maxJitter bounds the random addition to each backoff delay.
	maxJitter = 1000 * time.Millisecond
)

// ManagerConfig holds the parameters for NewManager. Transport is
// required; everything else has defaults.
type ManagerConfig struct {
	// Transport is the relay connection the manager owns. The manager
	// is the only caller of its Open and Close.
	Transport relay.Transport

	// Clock drives backoff and readiness waits. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured log output. Nil means slog.Default().
	Logger *slog.Logger

	// ConnectTimeout and ConnectGrace are the two readiness wait
	// phases. Zero means the defaults above.
	ConnectTimeout time.Duration
	ConnectGrace   time.Duration

	// InitialDelay, MaxDelay, and MaxAttempts shape automatic
	// reconnect backoff. Zero means the defaults above.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int

	// Jitter returns the random addition for one backoff delay. Nil
	// means uniform over [0, 1s). Tests inject a fixed value.
	Jitter func() time.Duration
}

// pendingConnect coalesces concurrent Connect calls: the second caller
// waits for the first's outcome instead of opening a second physical
// connection.
type pendingConnect struct {
	done chan struct{}
	err  error
}

// Manager keeps exactly one logical session alive over the transport.
// It reconnects with capped exponential backoff after unsolicited
// drops, queues submitted work while the connection is down, and is
// the sole writer of Session.
type Manager struct {
	transport relay.Transport
	clock     clock.Clock
	logger    *slog.Logger

	connectTimeout time.Duration
	connectGrace   time.Duration
	initialDelay   time.Duration
	maxDelay       time.Duration
	maxAttempts    int
	jitter         func() time.Duration

	mu             sync.Mutex
	status         Status
	session        *Session
	settledSignal  chan struct{} // closed by the event loop when the session settles
	pending        *pendingConnect
	attempts       int // consecutive automatic attempts since the last successful connect
	reconnectGen   int // bumped to invalidate a running backoff loop
	queue          []func() error
	subscribers    map[uint64]func(StateChange)
	nextSubscriber uint64
	closed         bool

	stop     chan struct{}
	loopDone chan struct{}
}

// NewManager creates a Manager and starts its transport event loop.
// The caller must Close it when done.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("walletbridge: Transport is required")
	}

	m := &Manager{
		transport:      cfg.Transport,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		connectTimeout: cfg.ConnectTimeout,
		connectGrace:   cfg.ConnectGrace,
		initialDelay:   cfg.InitialDelay,
		maxDelay:       cfg.MaxDelay,
		maxAttempts:    cfg.MaxAttempts,
		jitter:         cfg.Jitter,
		status:         StatusDisconnected,
		subscribers:    make(map[uint64]func(StateChange)),
		stop:           make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.connectGrace <= 0 {
		m.connectGrace = DefaultConnectGrace
	}
	if m.initialDelay <= 0 {
		m.initialDelay = DefaultInitialDelay
	}
	if m.maxDelay <= 0 {
		m.maxDelay = DefaultMaxDelay
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.jitter == nil {
		m.jitter = func() time.Duration {
			return time.Duration(rand.Int64N(int64(maxJitter)))
		}
	}

	go m.eventLoop()
	return m, nil
}

// Connect opens the transport and waits for the session to settle.
// Concurrent calls are coalesced: while one Connect is in flight, a
// second caller awaits its outcome. Resolves only once the transport
// reports the session connected — "socket open" alone is not enough.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("walletbridge: manager closed")
	}
	if m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.pending != nil {
		waiter := m.pending
		m.mu.Unlock()
		select {
		case <-waiter.done:
			return waiter.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pending := &pendingConnect{done: make(chan struct{})}
	m.pending = pending
	m.attempts = 0
	// Supersede any backoff loop still running from a previous drop.
	m.reconnectGen++
	m.mu.Unlock()

	err := m.connectOnce(ctx, StatusConnecting)

	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	pending.err = err
	close(pending.done)
	return err
}

// Reconnect tears down any existing session and connects again.
// Subscriptions survive the swap; the automatic-attempt counter
// resets.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("walletbridge: manager closed")
	}
	m.reconnectGen++
	m.session = nil
	m.attempts = 0
	m.mu.Unlock()

	_ = m.transport.Close()
	m.setStatus(StatusDisconnected, nil)
	return m.Connect(ctx)
}

// Session returns a copy of the current session, and whether one
// exists.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a state-change observer and returns its cancel
// function. Observers run synchronously on the manager's event path
// and must not block.
func (m *Manager) Subscribe(fn func(StateChange)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubscriber
	m.nextSubscriber++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Submit runs op now if the session is connected. While a connect or
// reconnect is in flight, op is queued FIFO and flushed in submission
// order after the next successful connect; queued ops should be
// guarded by caller-side timeouts. With no session activity at all,
// Submit fails immediately.
//
// Ordering between the last flushed op and the first op submitted
// after the connect is not guaranteed; both orderings are acceptable
// to the wire protocol.
func (m *Manager) Submit(op func() error) error {
	m.mu.Lock()
	switch m.status {
	case StatusConnected:
		m.mu.Unlock()
		return op()
	case StatusConnecting, StatusReconnecting:
		m.queue = append(m.queue, op)
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return &Error{Kind: KindSessionInvalid, Message: "no active session"}
	}
}

// Close stops the event loop and tears down the transport. The
// manager cannot be reused afterward.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.reconnectGen++
	close(m.stop)
	m.mu.Unlock()

	err := m.transport.Close()
	<-m.loopDone
	return err
}

// connectOnce performs one open-and-wait-for-settle cycle. via is the
// status reported while the attempt runs. Failure handling differs by
// path: an explicit connect surfaces terminal states (error on open
// failure, disconnected on readiness timeout), while a backoff attempt
// stays in reconnecting so the loop can try again.
func (m *Manager) connectOnce(ctx context.Context, via Status) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("walletbridge: manager closed")
	}
	signal := make(chan struct{})
	m.settledSignal = signal
	m.mu.Unlock()
	m.setStatus(via, nil)

	// Close may have raced the setup above; never reopen a transport
	// that Close already tore down.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.clearSignal(signal)
		return fmt.Errorf("walletbridge: manager closed")
	}
	m.mu.Unlock()

	if err := m.transport.Open(ctx); err != nil {
		m.clearSignal(signal)
		if via == StatusConnecting {
			m.setStatus(StatusError, err)
		}
		return fmt.Errorf("walletbridge: opening transport: %w", err)
	}

	// Two-phase readiness wait: the main window, then one grace
	// period to absorb handshake jitter. AfterFunc with Stop rather
	// than After, so a settled connect leaves no orphan timer behind.
	for _, window := range []time.Duration{m.connectTimeout, m.connectGrace} {
		timeout := make(chan struct{})
		timer := m.clock.AfterFunc(window, func() { close(timeout) })
		select {
		case <-signal:
			timer.Stop()
			return nil
		case <-m.stop:
			// Close interleaved with the readiness wait. The transport
			// close here covers an Open that slipped in after Close
			// tore the transport down.
			timer.Stop()
			m.clearSignal(signal)
			_ = m.transport.Close()
			return fmt.Errorf("walletbridge: manager closed")
		case <-ctx.Done():
			timer.Stop()
			m.clearSignal(signal)
			_ = m.transport.Close()
			if via == StatusConnecting {
				m.setStatus(StatusDisconnected, ctx.Err())
			}
			return ctx.Err()
		case <-timeout:
		}
	}

	// The settle may have raced the final timer.
	select {
	case <-signal:
		return nil
	default:
	}

	m.clearSignal(signal)
	_ = m.transport.Close()
	err := fmt.Errorf("walletbridge: session not settled within %v", m.connectTimeout+m.connectGrace)
	if via == StatusConnecting {
		m.setStatus(StatusDisconnected, err)
	}
	return err
}

func (m *Manager) clearSignal(signal chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settledSignal == signal {
		m.settledSignal = nil
	}
}

// eventLoop is the sole consumer of transport lifecycle events.
func (m *Manager) eventLoop() {
	defer close(m.loopDone)
	events := m.transport.Events()
	for {
		select {
		case <-m.stop:
			return
		case event := <-events:
			switch event.Kind {
			case relay.EventConnected:
				m.handleConnected(event.Pairing)
			case relay.EventDisconnected:
				m.handleDisconnected(event.Err)
			case relay.EventError:
				m.logger.Warn("transport error", "error", event.Err)
			}
		}
	}
}

// handleConnected installs the settled session, wakes the waiting
// connect call, and flushes the queue in FIFO order.
func (m *Manager) handleConnected(pairing relay.Pairing) {
	m.mu.Lock()
	previous := m.status
	m.session = &Session{
		Topic:              pairing.Topic,
		ChainNamespace:     pairing.ChainNamespace,
		AccountFingerprint: pairing.AccountFingerprint,
		IsConnected:        true,
		Status:             StatusConnected,
	}
	m.status = StatusConnected
	m.attempts = 0
	m.reconnectGen++
	signal := m.settledSignal
	m.settledSignal = nil
	queue := m.queue
	m.queue = nil
	session := *m.session
	subscribers := m.subscriberSnapshotLocked()
	m.mu.Unlock()

	if signal != nil {
		close(signal)
	}
	m.logger.Info("session connected",
		"topic", pairing.Topic,
		"chain", pairing.ChainNamespace,
		"fingerprint", pairing.AccountFingerprint,
	)
	change := StateChange{Previous: previous, Current: StatusConnected, Session: session}
	for _, fn := range subscribers {
		fn(change)
	}

	for _, op := range queue {
		if err := op(); err != nil {
			m.logger.Warn("queued operation failed after reconnect", "error", err)
		}
	}
}

// handleDisconnected reacts to an unsolicited drop by entering
// reconnecting and starting the backoff loop. Drops during an explicit
// connect are ignored here; the readiness timeout covers them.
func (m *Manager) handleDisconnected(cause error) {
	m.mu.Lock()
	if m.closed || m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	previous := m.status
	m.status = StatusReconnecting
	if m.session != nil {
		m.session.IsConnected = false
		m.session.Status = StatusReconnecting
	}
	m.reconnectGen++
	generation := m.reconnectGen
	var session Session
	if m.session != nil {
		session = *m.session
	}
	subscribers := m.subscriberSnapshotLocked()
	m.mu.Unlock()

	m.logger.Warn("session dropped, reconnecting", "error", cause)
	change := StateChange{Previous: previous, Current: StatusReconnecting, Session: session, Err: cause}
	for _, fn := range subscribers {
		fn(change)
	}

	go m.autoReconnect(generation)
}

// autoReconnect retries until success, exhaustion, or staleness (a
// newer generation superseded this loop). After exhaustion the manager
// reports terminal disconnected and waits for an explicit Reconnect.
func (m *Manager) autoReconnect(generation int) {
	for {
		m.mu.Lock()
		if m.closed || generation != m.reconnectGen || m.status != StatusReconnecting {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.maxAttempts {
			m.session = nil
			m.mu.Unlock()
			err := fmt.Errorf("walletbridge: reconnect attempts exhausted after %d tries", m.maxAttempts)
			m.logger.Error("giving up on automatic reconnect", "attempts", m.maxAttempts)
			m.setStatus(StatusDisconnected, err)
			return
		}
		attempt := m.attempts
		m.attempts++
		m.mu.Unlock()

		delay := m.backoffDelay(attempt)
		select {
		case <-m.stop:
			return
		case <-m.clock.After(delay):
		}

		m.mu.Lock()
		stale := m.closed || generation != m.reconnectGen || m.status != StatusReconnecting
		m.mu.Unlock()
		if stale {
			return
		}

		if err := m.connectOnce(context.Background(), StatusReconnecting); err != nil {
			m.logger.Warn("reconnect attempt failed",
				"attempt", attempt+1,
				"max_attempts", m.maxAttempts,
				"error", err,
			)
			continue
		}
		return
	}
}

// backoffDelay computes min(maxDelay, initialDelay << attempt) plus
// jitter.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.initialDelay << attempt
	if delay <= 0 || delay > m.maxDelay {
		delay = m.maxDelay
	}
	return delay + m.jitter()
}

// setStatus transitions the status and notifies subscribers. No-op if
// the status is unchanged.
func (m *Manager) setStatus(next Status, cause error) {
	m.mu.Lock()
	previous := m.status
	if previous == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	var session Session
	if m.session != nil {
		m.session.Status = next
		m.session.IsConnected = next == StatusConnected
		session = *m.session
	}
	subscribers := m.subscriberSnapshotLocked()
	m.mu.Unlock()

	change := StateChange{Previous: previous, Current: next, Session: session, Err: cause}
	for _, fn := range subscribers {
		fn(change)
	}
}

func (m *Manager) subscriberSnapshotLocked() []func(StateChange) {
	snapshot := make([]func(StateChange), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		snapshot = append(snapshot, fn)
	}
	return snapshot
}
