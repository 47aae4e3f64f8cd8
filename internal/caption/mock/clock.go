// Package mock provides a manually advanced [caption.Clock] for use in unit
// tests.
//
// Timers registered through [Clock.AfterFunc] fire synchronously inside
// [Clock.Advance] once their deadline is reached, in deadline order. It is safe
// for concurrent use.
//
// Example:
//
//	clk := mock.NewClock(time.Unix(0, 0))
//	e := caption.New(caption.DefaultConfig(), caption.WithClock(clk))
//	e.Ingest(caption.RoleAssistant, "hello")
//	clk.Advance(5 * time.Second)
package mock

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/captionfeed/internal/caption"
)

// Compile-time interface assertion.
var _ caption.Clock = (*Clock)(nil)

// Clock is a fake clock whose time only moves via [Clock.Advance] or
// [Clock.Set].
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*timer
}

type timer struct {
	c       *Clock
	at      time.Time
	f       func()
	stopped bool
}

// Stop implements [caption.Timer].
func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now implements [caption.Clock].
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [caption.Clock].
func (c *Clock) AfterFunc(d time.Duration, f func()) caption.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &timer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and fires every due timer.
func (c *Clock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t and fires every due timer. Callbacks run without
// the clock lock held, so they may call back into the clock.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	var due []*timer
	kept := c.timers[:0]
	for _, tm := range c.timers {
		switch {
		case tm.stopped:
		case !tm.at.After(t):
			tm.stopped = true
			due = append(due, tm)
		default:
			kept = append(kept, tm)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *timer) int { return a.at.Compare(b.at) })
	for _, tm := range due {
		tm.f()
	}
}
