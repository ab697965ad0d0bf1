// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// TimerService runs named one-shot callbacks later on the owner's timeline.
// Scheduling a name that is already pending replaces it.
type TimerService interface {
	Schedule(name string, delay time.Duration, fn func())
	Cancel(name string) bool
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a manual clock starting at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type pending struct {
	name string
	due  time.Time
	seq  uint64
	fn   func()
}

// Loop is a cooperative TimerService. Callbacks never run on their own; the
// owner calls RunDue from its tick and due callbacks run on that goroutine.
type Loop struct {
	clock   Clock
	mu      sync.Mutex
	timers  map[string]*pending
	nextSeq uint64
}

// NewLoop creates a loop driven by clock
func NewLoop(clock Clock) *Loop {
	return &Loop{clock: clock, timers: make(map[string]*pending)}
}

// Now returns the loop clock's time
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Schedule queues fn to run once delay has elapsed
func (l *Loop) Schedule(name string, delay time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq++
	l.timers[name] = &pending{name: name, due: l.clock.Now().Add(delay), seq: l.nextSeq, fn: fn}
}

// Cancel drops a pending callback. It returns false if none was pending.
func (l *Loop) Cancel(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.timers[name]; !ok {
		return false
	}
	delete(l.timers, name)
	return true
}

// Pending reports whether name is scheduled
func (l *Loop) Pending(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[name]
	return ok
}

// Len returns the number of scheduled callbacks
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// RunDue runs every callback whose deadline has passed, oldest deadline
// first. Callbacks may schedule or cancel timers; newly scheduled ones wait
// for the next call. It returns the number of callbacks run.
func (l *Loop) RunDue() int {
	now := l.clock.Now()

	l.mu.Lock()
	var due []*pending
	for name, p := range l.timers {
		if !p.due.After(now) {
			due = append(due, p)
			delete(l.timers, name)
		}
	}
	l.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	for _, p := range due {
		p.fn()
	}
	return len(due)
}
