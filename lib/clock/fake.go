// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; every timer, ticker, and sleep blocks until the
// clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks run
// synchronously inside Advance, in deadline order; a callback must not
// call Advance or Sleep on the same clock.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	waiters    []*fakeWaiter
	registered *sync.Cond
}

// fakeWaiter is one pending timer, ticker, or sleep.
type fakeWaiter struct {
	at time.Time

	// channel receives the fire time for After, Sleep, and ticker
	// waiters; nil for AfterFunc.
	channel chan time.Time

	// callback runs inside Advance for AfterFunc waiters; nil otherwise.
	callback func()

	// interval is non-zero for tickers: after firing, the waiter is
	// rescheduled at at+interval.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot waiter. A non-positive d delivers
// immediately without registering anything.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.addLocked(&fakeWaiter{at: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers a callback waiter. A non-positive d runs f
// synchronously before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	waiter := &fakeWaiter{at: c.now.Add(d), callback: f}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !waiter.fired && !waiter.stopped
			waiter.stopped = true
			return active
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !waiter.fired && !waiter.stopped
			waiter.at = c.now.Add(d)
			waiter.fired = false
			waiter.stopped = false
			if !active {
				c.addLocked(waiter)
			}
			return active
		},
	}
}

// NewTicker registers a repeating waiter. Panics if d <= 0, matching
// time.NewTicker.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	channel := make(chan time.Time, 1)
	waiter := &fakeWaiter{at: c.now.Add(d), channel: channel, interval: d}
	c.addLocked(waiter)
	c.mu.Unlock()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.interval = d
			waiter.at = c.now.Add(d)
			waiter.stopped = false
		},
	}
}

// Sleep blocks until the clock is advanced past the deadline.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls inside the window, in deadline order. Tickers fire
// repeatedly if multiple intervals elapse.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		waiter := c.nextDueLocked(target)
		if waiter == nil {
			break
		}
		c.now = waiter.at

		switch {
		case waiter.interval > 0:
			// Ticker: drop the tick if the consumer hasn't drained
			// the previous one, matching time.Ticker.
			select {
			case waiter.channel <- c.now:
			default:
			}
			waiter.at = waiter.at.Add(waiter.interval)
		case waiter.channel != nil:
			waiter.fired = true
			waiter.channel <- c.now
		default:
			waiter.fired = true
			callback := waiter.callback
			// Run the callback without the lock so it can register
			// new timers.
			c.mu.Unlock()
			callback()
			c.mu.Lock()
		}
	}

	c.now = target
	c.pruneLocked()
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n waiters are pending. Use this
// to let a goroutine under test reach its timer before advancing the
// clock past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of live waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) addLocked(waiter *fakeWaiter) {
	c.waiters = append(c.waiters, waiter)
	c.registered.Broadcast()
}

// nextDueLocked returns the live waiter with the earliest deadline at
// or before target, or nil.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeWaiter {
	var due *fakeWaiter
	for _, waiter := range c.waiters {
		if waiter.stopped || waiter.fired || waiter.at.After(target) {
			continue
		}
		if due == nil || waiter.at.Before(due.at) {
			due = waiter
		}
	}
	return due
}

func (c *FakeClock) pruneLocked() {
	live := c.waiters[:0]
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			live = append(live, waiter)
		}
	}
	c.waiters = live
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, waiter := range c.waiters {
		if !waiter.stopped && !waiter.fired {
			count++
		}
	}
	return count
}
