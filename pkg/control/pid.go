// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"math"
	"time"

	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

// Shared PID constants
const (
	DefaultIntegralMax   = 20.0
	integralMaxFloor     = 10.0
	integralMaxShrink    = 0.98
	kpDisableShrink      = 0.95
	kpDisableFloor       = 2.0
	firstStepDt          = 0.1 // seconds
	minStepDt            = 0.01
	maxStepDt            = 1.0
	DefaultStabilization = 5 * time.Minute
)

// Gains is a PID gain triple
type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Limits bounds the corrected setpoint. The controller never leaves
// [target-under, target+over] (heating) or [target-over, target+under]
// (cooling), clamped to [OutputMin, OutputMax].
type Limits struct {
	OutputMin          float64
	OutputMax          float64
	MaxAdjustmentOver  float64
	MaxAdjustmentUnder float64
}

// DefaultLimits returns the limits for the unit's 16..31 range
func DefaultLimits() Limits {
	return Limits{OutputMin: 16, OutputMax: 31, MaxAdjustmentOver: 2, MaxAdjustmentUnder: 2}
}

// SetpointController turns a room temperature into a corrected setpoint
type SetpointController interface {
	// SetTarget changes the user target and direction and resets the integrator
	SetTarget(target float64, heating bool)
	// Update returns the corrected setpoint. While inactive it returns the
	// target unchanged.
	Update(current float64, now time.Time, active bool) float64
	Target() float64
	Heating() bool
	AdjustedRange() (min, max float64)
	Gains() Gains
	Integral() float64
	IntegralMax() float64
	Disables() int
}

// core is the state and arithmetic shared by both controllers
type core struct {
	limits  Limits
	gains   Gains
	initial Gains

	target  float64
	heating bool
	adjMin  float64
	adjMax  float64

	integral    float64
	integralMax float64
	prevError   float64
	prevTemp    float64
	lastUpdate  time.Time
	onTime      time.Time
	active      bool
	disables    int
}

func newCore(g Gains, limits Limits) core {
	c := core{
		limits:      limits,
		gains:       g,
		initial:     g,
		integralMax: DefaultIntegralMax,
		active:      true,
	}
	c.setTarget((limits.OutputMin+limits.OutputMax)/2, false)
	return c
}

func (c *core) setTarget(target float64, heating bool) {
	c.target = target
	c.heating = heating

	minOffset, maxOffset := c.limits.MaxAdjustmentOver, c.limits.MaxAdjustmentUnder
	if heating {
		minOffset, maxOffset = c.limits.MaxAdjustmentUnder, c.limits.MaxAdjustmentOver
	}
	c.adjMin = floats.Clamp(target-minOffset, c.limits.OutputMin, c.limits.OutputMax)
	c.adjMax = floats.Clamp(target+maxOffset, c.limits.OutputMin, c.limits.OutputMax)

	c.integral = 0
	c.prevError = 0
	c.lastUpdate = time.Time{}
	c.onTime = time.Time{}
}

// transition handles an active flag change. Going inactive means hysteresis
// forced the compressor off, which is read as overshoot.
func (c *core) transition(active bool, current float64, now time.Time) {
	if active == c.active {
		return
	}
	c.active = active
	c.integral = 0
	if active {
		c.prevError = c.target - current
		c.onTime = now
		return
	}
	c.disables++
	c.gains.Kp = shrink(c.gains.Kp, kpDisableShrink, kpDisableFloor)
	c.integralMax = shrink(c.integralMax, integralMaxShrink, integralMaxFloor)
}

// dt returns the clamped step in seconds and records now
func (c *core) dt(now time.Time) float64 {
	dt := firstStepDt
	if !c.lastUpdate.IsZero() {
		dt = now.Sub(c.lastUpdate).Seconds()
	}
	c.lastUpdate = now
	return floats.Clamp(dt, minStepDt, maxStepDt)
}

func (c *core) accumulate(err, dt float64) {
	c.integral = floats.Clamp(c.integral+err*dt, -c.integralMax, c.integralMax)
}

func (c *core) output(err, derivative float64) float64 {
	return c.gains.Kp*err + c.gains.Ki*c.integral + c.gains.Kd*derivative
}

// project maps a PID output (percent of the adjustment span) to a setpoint
// inside the adjusted range
func (c *core) project(output float64) float64 {
	var setpoint float64
	if c.heating {
		setpoint = c.target + output/100*(c.adjMax-c.target)
	} else {
		setpoint = c.target - output/100*(c.target-c.adjMin)
	}
	if math.IsNaN(setpoint) {
		return c.target
	}
	return floats.Clamp(setpoint, c.adjMin, c.adjMax)
}

func (c *core) stabilizing(now time.Time, grace time.Duration) bool {
	if c.onTime.IsZero() {
		c.onTime = now
	}
	return now.Sub(c.onTime) < grace
}

func (c *core) Target() float64 { return c.target }

func (c *core) Heating() bool { return c.heating }

func (c *core) AdjustedRange() (float64, float64) { return c.adjMin, c.adjMax }

func (c *core) Gains() Gains { return c.gains }

func (c *core) Integral() float64 { return c.integral }

func (c *core) IntegralMax() float64 { return c.integralMax }

func (c *core) Disables() int { return c.disables }

// Active reports whether the last update saw the system on
func (c *core) Active() bool { return c.active }

// shrink scales v down by factor without going below floor. Values already
// at or below floor are left alone.
func shrink(v, factor, floor float64) float64 {
	if v <= floor {
		return v
	}
	return math.Max(v*factor, floor)
}

// grow scales v up by factor without going above ceiling. Values already at
// or above ceiling are left alone.
func grow(v, factor, ceiling float64) float64 {
	if v >= ceiling {
		return v
	}
	return math.Min(v*factor, ceiling)
}
