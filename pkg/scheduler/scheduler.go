// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package scheduler sequences info requests to the unit.
//
// At most one request is in flight. Each answer, or a soft timeout when no
// answer comes, moves the cycle on to the next sendable request; when none is
// left the cycle ends. Repeated timeouts disable a request for good.
package scheduler

import (
	"fmt"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// Sender writes an info request for code to the link
type Sender interface {
	SendInfoRequest(code byte)
}

// SenderFunc adapts a function to Sender
type SenderFunc func(code byte)

// SendInfoRequest calls f(code)
func (f SenderFunc) SendInfoRequest(code byte) { f(code) }

// TimeoutEvent describes a soft timeout, for logging
type TimeoutEvent struct {
	Code     byte
	Name     string
	Failures int
	Disabled bool
}

// Scheduler is the request scheduler. It is not safe for concurrent use; all
// calls, timer callbacks included, belong to one timeline.
type Scheduler struct {
	state      *cn105.StateStore
	sender     Sender
	timers     TimerService
	clock      Clock
	onCycleEnd func()

	// OnTimeout, when set, is told about every soft timeout
	OnTimeout func(TimeoutEvent)

	requests []*InfoRequest
}

// New creates a scheduler. onCycleEnd runs when a scan finds nothing left to
// send.
func New(state *cn105.StateStore, sender Sender, timers TimerService, clock Clock, onCycleEnd func()) *Scheduler {
	return &Scheduler{
		state:      state,
		sender:     sender,
		timers:     timers,
		clock:      clock,
		onCycleEnd: onCycleEnd,
	}
}

// Register appends a request to the table. A request whose code is already
// present replaces it in place.
func (s *Scheduler) Register(req InfoRequest) {
	r := req
	for i, existing := range s.requests {
		if existing.Code == req.Code {
			s.requests[i] = &r
			return
		}
	}
	s.requests = append(s.requests, &r)
}

// RegisterAll registers every request in order
func (s *Scheduler) RegisterAll(reqs []InfoRequest) {
	for _, r := range reqs {
		s.Register(r)
	}
}

// Clear removes every request and cancels their timeouts
func (s *Scheduler) Clear() {
	for _, r := range s.requests {
		s.timers.Cancel(timeoutName(r.Code))
	}
	s.requests = nil
}

// Empty reports whether the table has no requests
func (s *Scheduler) Empty() bool {
	return len(s.requests) == 0
}

// Disable stops polling code
func (s *Scheduler) Disable(code byte) {
	if r := s.find(code); r != nil {
		r.Disabled = true
	}
}

// Enable resumes polling code and forgets its failures
func (s *Scheduler) Enable(code byte) {
	if r := s.find(code); r != nil {
		r.Disabled = false
		r.failures = 0
	}
}

// Requests returns a copy of the table for display
func (s *Scheduler) Requests() []RequestInfo {
	out := make([]RequestInfo, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.info()
	}
	return out
}

// Awaiting returns the code of the request in flight, if any
func (s *Scheduler) Awaiting() (byte, bool) {
	for _, r := range s.requests {
		if r.awaiting {
			return r.Code, true
		}
	}
	return 0, false
}

// Handles reports whether code is in the table
func (s *Scheduler) Handles(code byte) bool {
	return s.find(code) != nil
}

func (s *Scheduler) find(code byte) *InfoRequest {
	for _, r := range s.requests {
		if r.Code == code {
			return r
		}
	}
	return nil
}

func (s *Scheduler) index(code byte) int {
	for i, r := range s.requests {
		if r.Code == code {
			return i
		}
	}
	return -1
}

func timeoutName(code byte) string {
	return fmt.Sprintf("info_timeout_%02x", code)
}

func (s *Scheduler) sendable(r *InfoRequest) bool {
	if r.Disabled {
		return false
	}
	if r.CanSend != nil && !r.CanSend(s.state) {
		return false
	}
	if r.MinInterval > 0 && s.clock.Now().Sub(r.lastRequest) < r.MinInterval {
		return false
	}
	return true
}

func (s *Scheduler) send(r *InfoRequest) {
	r.awaiting = true
	r.lastRequest = s.clock.Now()
	s.sender.SendInfoRequest(r.Code)

	if r.SoftTimeout > 0 {
		code := r.Code
		s.timers.Schedule(timeoutName(code), r.SoftTimeout, func() {
			s.softTimeout(code)
		})
	}
}

func (s *Scheduler) softTimeout(code byte) {
	r := s.find(code)
	// a late answer may already have been accepted
	if r == nil || !r.awaiting {
		return
	}
	r.awaiting = false
	r.failures++
	if r.failures >= r.MaxFailures {
		r.Disabled = true
	}
	if s.OnTimeout != nil {
		s.OnTimeout(TimeoutEvent{Code: code, Name: r.Name, Failures: r.failures, Disabled: r.Disabled})
	}
	s.SendNextAfter(code)
}

// SendNextAfter sends the first sendable request following prev in table
// order, or starts from the top when prev is not in the table (use 0x00).
// When nothing is sendable the cycle ends.
func (s *Scheduler) SendNextAfter(prev byte) {
	start := 0
	if i := s.index(prev); i >= 0 {
		start = i + 1
	}
	for _, r := range s.requests[start:] {
		if !s.sendable(r) {
			continue
		}
		s.send(r)
		return
	}
	if s.onCycleEnd != nil {
		s.onCycleEnd()
	}
}

// MarkResponseSeen clears the awaiting flag and failures of code and runs its
// OnResponse hook. It reports whether code was the request in flight.
func (s *Scheduler) MarkResponseSeen(code byte) bool {
	r := s.find(code)
	if r == nil {
		return false
	}
	wasAwaiting := r.awaiting
	r.awaiting = false
	r.failures = 0
	s.timers.Cancel(timeoutName(code))
	if r.OnResponse != nil {
		r.OnResponse(s.state)
	}
	return wasAwaiting
}

// ProcessResponse handles an answer for code. It returns false for codes
// not in the table. The cycle only moves on when code was the request in
// flight; a late answer after its soft timeout is recorded without sending
// anything, since the timeout already moved the cycle on.
func (s *Scheduler) ProcessResponse(code byte) bool {
	if s.find(code) == nil {
		return false
	}
	if s.MarkResponseSeen(code) {
		s.SendNextAfter(code)
	}
	return true
}

// Abort drops the request in flight without counting a failure, e.g. when
// the link is lost
func (s *Scheduler) Abort() {
	for _, r := range s.requests {
		if r.awaiting {
			r.awaiting = false
			s.timers.Cancel(timeoutName(r.Code))
		}
	}
}
