// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"math"
	"time"

	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

const (
	historySize    = 10
	adaptationRate = 0.05
)

// Adaptation rule thresholds
const (
	oscillationVariance = 2.0
	offsetMean          = 0.5
	offsetVariance      = 0.5
	fastTempRate        = 0.5 // degrees per second
	stableVariance      = 0.2
	stableError         = 0.5

	kpAdaptFloor = 1.0
	kiAdaptCeil  = 0.5
	kiAdaptFloor = 0.05
	kdAdaptCeil  = 5.0
)

// AdaptivePID is a fixed-structure PID whose gains are nudged by a few
// discrete rules: oscillation lowers kp, a steady offset raises ki, fast
// temperature swings raise kd and a settled loop lowers ki. Disable events
// from hysteresis lower kp and the integral cap.
type AdaptivePID struct {
	core
	history      [historySize]float64
	historyIndex int
	stabilize    time.Duration
}

var _ SetpointController = (*AdaptivePID)(nil)

// NewAdaptivePID creates the controller targeting the midpoint of the output
// range
func NewAdaptivePID(g Gains, limits Limits) *AdaptivePID {
	return &AdaptivePID{core: newCore(g, limits), stabilize: DefaultStabilization}
}

// SetStabilization changes the grace period after a restart during which no
// adaptation happens
func (p *AdaptivePID) SetStabilization(d time.Duration) {
	p.stabilize = d
}

// SetTarget changes the target and direction and clears all history
func (p *AdaptivePID) SetTarget(target float64, heating bool) {
	p.core.setTarget(target, heating)
	p.history = [historySize]float64{}
	p.historyIndex = 0
}

// Update returns the corrected setpoint for the current temperature
func (p *AdaptivePID) Update(current float64, now time.Time, active bool) float64 {
	if !floats.Finite(current) {
		return p.target
	}
	p.transition(active, current, now)
	if !p.active {
		return p.target
	}

	first := p.lastUpdate.IsZero()
	dt := p.dt(now)
	err := p.target - current
	if first {
		p.prevError = err
		p.prevTemp = current
	}

	p.history[p.historyIndex] = err
	p.historyIndex = (p.historyIndex + 1) % historySize

	p.accumulate(err, dt)
	derivative := (err - p.prevError) / dt
	setpoint := p.project(p.output(err, derivative))

	p.adapt(err, current, dt, now)

	p.prevError = err
	p.prevTemp = current
	return setpoint
}

func (p *AdaptivePID) adapt(err, current, dt float64, now time.Time) {
	if p.stabilizing(now, p.stabilize) {
		return
	}

	mean, variance := p.stats()
	rate := (current - p.prevTemp) / dt
	g := p.gains

	if variance > oscillationVariance {
		g.Kp = shrink(g.Kp, 1-adaptationRate*0.5, kpAdaptFloor)
	}
	if math.Abs(mean) > offsetMean && variance < offsetVariance {
		g.Ki = grow(g.Ki, 1+adaptationRate*0.5, kiAdaptCeil)
	}
	if math.Abs(rate) > fastTempRate {
		g.Kd = grow(g.Kd, 1+adaptationRate, kdAdaptCeil)
	}
	if variance < stableVariance && math.Abs(err) < stableError {
		g.Ki = shrink(g.Ki, 1-adaptationRate*0.5, kiAdaptFloor)
	}

	if !floats.Finite(g.Kp) {
		g.Kp = p.initial.Kp
	}
	if !floats.Finite(g.Ki) {
		g.Ki = p.initial.Ki
	}
	if !floats.Finite(g.Kd) {
		g.Kd = p.initial.Kd
	}
	p.gains = g
}

func (p *AdaptivePID) stats() (mean, variance float64) {
	for _, e := range p.history {
		mean += e
	}
	mean /= historySize
	for _, e := range p.history {
		d := e - mean
		variance += d * d
	}
	variance /= historySize
	return mean, variance
}
