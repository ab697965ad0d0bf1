// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package scheduler

import "time"

// cycleTimeoutSlack is added to twice the update interval before a running
// cycle is considered stuck
const cycleTimeoutSlack = time.Second

// Cycle tracks one polling round: when it started, when the last one
// completed and whether the next may start
type Cycle struct {
	clock    Clock
	interval time.Duration

	running      bool
	lastStart    time.Time
	lastComplete time.Time
	lastDuration time.Duration
	completed    uint64
	timedOut     uint64
}

// NewCycle creates cycle bookkeeping for the given update interval. The first
// cycle may start once interval has elapsed from now.
func NewCycle(clock Clock, interval time.Duration) *Cycle {
	return &Cycle{clock: clock, interval: interval, lastComplete: clock.Now()}
}

// SetInterval changes the update interval
func (c *Cycle) SetInterval(interval time.Duration) {
	c.interval = interval
}

// Interval returns the update interval
func (c *Cycle) Interval() time.Duration {
	return c.interval
}

// Started marks a new cycle as running
func (c *Cycle) Started() {
	c.lastStart = c.clock.Now()
	c.running = true
}

// Ended marks the running cycle finished. A completion time pushed into the
// future by Defer is kept.
func (c *Cycle) Ended(timedOut bool) time.Duration {
	now := c.clock.Now()
	c.running = false
	if c.lastComplete.Before(now) {
		c.lastComplete = now
	}
	c.lastDuration = c.lastComplete.Sub(c.lastStart)
	c.completed++
	if timedOut {
		c.timedOut++
	}
	return c.lastDuration
}

// Defer pushes the next cycle back by delay from now
func (c *Cycle) Defer(delay time.Duration) {
	c.lastComplete = c.clock.Now().Add(delay)
}

// Running reports whether a cycle is in progress
func (c *Cycle) Running() bool {
	return c.running
}

// IntervalPassed reports whether the update interval has elapsed since the
// last completion. Always false while the completion lies in the future.
func (c *Cycle) IntervalPassed() bool {
	elapsed := c.clock.Now().Sub(c.lastComplete)
	if elapsed < 0 {
		return false
	}
	return elapsed > c.interval
}

// TimedOut reports whether the running cycle has lasted longer than twice
// the update interval plus one second
func (c *Cycle) TimedOut() bool {
	if !c.running {
		return false
	}
	elapsed := c.clock.Now().Sub(c.lastStart)
	if elapsed < 0 {
		return false
	}
	return elapsed > 2*c.interval+cycleTimeoutSlack
}

// LastDuration returns how long the last completed cycle took
func (c *Cycle) LastDuration() time.Duration {
	return c.lastDuration
}

// Completed returns the number of completed cycles and how many of them
// timed out
func (c *Cycle) Completed() (total, timedOut uint64) {
	return c.completed, c.timedOut
}
