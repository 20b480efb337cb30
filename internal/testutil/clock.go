// Package testutil holds in-memory fakes shared by package tests
package testutil

import (
	"sync"
	"time"

	"github.com/cuongbtq/account-sync/internal/scheduler"
)

// FakeClock is a scheduler.Clock driven by Advance
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFakeClock creates a clock frozen at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) scheduler.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{interval: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) scheduler.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, firing due timers and ticking due tickers.
// Like time.Ticker, a tick is dropped when the previous one was not consumed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []func()
	pending := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped() {
			continue
		}
		if !t.at.After(now) {
			t.fire()
			due = append(due, t.fn)
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending

	for _, t := range c.tickers {
		t.advance(now)
	}
	c.mu.Unlock()

	for _, fn := range due {
		fn()
	}
}

type fakeTicker struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	done     bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

func (t *fakeTicker) advance(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done || t.interval <= 0 {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
		}
		t.next = t.next.Add(t.interval)
	}
}

type fakeTimer struct {
	mu    sync.Mutex
	at    time.Time
	fn    func()
	state int // 0 pending, 1 fired, 2 stopped
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != 0 {
		return false
	}
	t.state = 2
	return true
}

func (t *fakeTimer) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == 2
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	t.state = 1
	t.mu.Unlock()
}
