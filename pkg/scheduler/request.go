// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package scheduler

import (
	"time"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// Request defaults
const (
	DefaultSoftTimeout = time.Second
	DefaultMaxFailures = 3
)

// InfoRequest is one entry of the polling table
type InfoRequest struct {
	Code        byte
	Name        string
	Description string
	MaxFailures int
	MinInterval time.Duration
	SoftTimeout time.Duration

	// CanSend gates the request on the current state; nil means always
	CanSend func(*cn105.StateStore) bool
	// OnResponse runs after the answer was applied to the state
	OnResponse func(*cn105.StateStore)

	Disabled bool

	awaiting    bool
	failures    int
	lastRequest time.Time
}

// RequestInfo is a read-only copy of a request's runtime state
type RequestInfo struct {
	Code        byte
	Name        string
	Description string
	Disabled    bool
	Awaiting    bool
	Failures    int
	MaxFailures int
	LastRequest time.Time
}

func (r *InfoRequest) info() RequestInfo {
	return RequestInfo{
		Code:        r.Code,
		Name:        r.Name,
		Description: r.Description,
		Disabled:    r.Disabled,
		Awaiting:    r.awaiting,
		Failures:    r.failures,
		MaxFailures: r.MaxFailures,
		LastRequest: r.lastRequest,
	}
}

// Options selects the optional entries of DefaultRequests
type Options struct {
	PollTimers bool
	// PollFunctions reads the installer function table until both halves
	// have been received
	PollFunctions bool
	SoftTimeout   time.Duration
}

// DefaultRequests returns the standard polling table in polling order
func DefaultRequests(opts Options) []InfoRequest {
	timeout := opts.SoftTimeout
	if timeout <= 0 {
		timeout = DefaultSoftTimeout
	}
	never := func(*cn105.StateStore) bool { return false }
	functionsMissing := func(s *cn105.StateStore) bool {
		f := s.Functions()
		return !f.Valid()
	}

	reqs := []InfoRequest{
		{Code: cn105.InfoSettings, Name: "settings", Description: "user settings", MaxFailures: DefaultMaxFailures, SoftTimeout: timeout},
		{Code: cn105.InfoRoomTemp, Name: "room", Description: "room temperature", MaxFailures: DefaultMaxFailures, SoftTimeout: timeout},
		{Code: cn105.InfoStatus, Name: "status", Description: "operating status", MaxFailures: DefaultMaxFailures, SoftTimeout: timeout},
		{Code: cn105.InfoStandby, Name: "standby", Description: "standby mode", MaxFailures: DefaultMaxFailures, SoftTimeout: timeout, MinInterval: 500 * time.Millisecond},
		{Code: cn105.InfoHVACOptions, Name: "hvac_options", Description: "HVAC options", MaxFailures: DefaultMaxFailures, SoftTimeout: timeout, MinInterval: 500 * time.Millisecond, CanSend: never, Disabled: true},
		{Code: cn105.InfoUnknown, Name: "unknown", Description: "unknown 0x04", MaxFailures: 1, SoftTimeout: timeout, Disabled: true},
		{Code: cn105.InfoTimers, Name: "timers", Description: "timers", MaxFailures: 1, SoftTimeout: timeout, Disabled: !opts.PollTimers},
	}
	if opts.PollFunctions {
		reqs = append(reqs,
			InfoRequest{Code: cn105.InfoFunctions1, Name: "functions1", Description: "function table, first half", MaxFailures: 1, SoftTimeout: timeout, CanSend: functionsMissing},
			InfoRequest{Code: cn105.InfoFunctions2, Name: "functions2", Description: "function table, second half", MaxFailures: 1, SoftTimeout: timeout, CanSend: functionsMissing},
		)
	}
	return reqs
}
