// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heatpump

import (
	"errors"
	"time"
)

// Link timing
const (
	DefaultUpdateInterval = 2 * time.Second
	DefaultDebounce       = 100 * time.Millisecond
	DefaultDeferDelay     = time.Second
	DefaultAckTimeout     = 10 * time.Second

	ConnectCheckTimeout  = 10 * time.Second
	ResponseFactor       = 3 // link is active while the last response is younger than this many intervals
	MinSendGap           = 300 * time.Millisecond
	PendingRetry         = 4 * time.Second
	PendingRetryPortDown = 2 * time.Second
)

// Timer names
const (
	timerConnectCheck = "connect_check"
	timerWrite        = "write"
	timerRemoteTemp   = "remote_temp_timeout"
)

// Errors
var (
	ErrNotConnected = errors.New("heatpump: link not active")
	ErrPortClosed   = errors.New("heatpump: port closed")
)

// Options configures the link controller
type Options struct {
	UpdateInterval time.Duration
	// Debounce is how long wanted settings must stay unchanged before they
	// are written
	Debounce time.Duration
	// BootstrapDelay holds off opening the port after start
	BootstrapDelay time.Duration
	// DeferDelay pushes the next cycle back after a settings write
	DeferDelay time.Duration
	// AckTimeout re-queues a settings write the unit neither acked nor
	// reflected
	AckTimeout time.Duration
	// RemoteTempTimeout falls back to the internal sensor when no remote
	// reading arrives in time. Zero never falls back.
	RemoteTempTimeout time.Duration
	// SoftTimeout is the per-request answer timeout
	SoftTimeout   time.Duration
	Installer     bool
	PollTimers    bool
	PollFunctions bool
}

// DefaultOptions returns the standard link timing
func DefaultOptions() Options {
	return Options{
		UpdateInterval: DefaultUpdateInterval,
		Debounce:       DefaultDebounce,
		DeferDelay:     DefaultDeferDelay,
		AckTimeout:     DefaultAckTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = DefaultUpdateInterval
	}
	if o.DeferDelay <= 0 {
		o.DeferDelay = DefaultDeferDelay
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	return o
}
