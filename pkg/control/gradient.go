// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"fmt"
	"math"
	"time"

	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

// Gradient adaptation defaults
const (
	DefaultAdaptInterval     = 15 * time.Second
	MinAdaptInterval         = time.Second
	DefaultMaxRelativeChange = 0.10
	MinMaxRelativeChange     = 0.001
	DefaultSmoothing         = 0.08
	DefaultPlantSensitivity  = 1.0
	deadbandIntegralDecay    = 0.9
	minSensitivity           = 1e-9
	minGainStep              = 1e-6
)

// Bounds is a closed interval for one gain
type Bounds struct {
	Min float64
	Max float64
}

// Mid returns the middle of the interval
func (b Bounds) Mid() float64 {
	return (b.Min + b.Max) / 2
}

// GradientConfig tunes the continuous adaptation
type GradientConfig struct {
	LearningRates     Gains
	PlantSensitivity  float64
	AdaptInterval     time.Duration
	MaxRelativeChange float64
	Smoothing         float64
	Deadband          float64
	Stabilization     time.Duration
	Kp, Ki, Kd        Bounds
}

// DefaultGradientConfig derives bounds from the starting gains
func DefaultGradientConfig(g Gains) GradientConfig {
	kpMin := math.Max(0, g.Kp*0.01)
	return GradientConfig{
		LearningRates:     Gains{Kp: 0.02, Ki: 0.005, Kd: 0.005},
		PlantSensitivity:  DefaultPlantSensitivity,
		AdaptInterval:     DefaultAdaptInterval,
		MaxRelativeChange: DefaultMaxRelativeChange,
		Smoothing:         DefaultSmoothing,
		Stabilization:     DefaultStabilization,
		Kp:                Bounds{Min: kpMin, Max: math.Max(kpMin+minGainStep, g.Kp*100+1)},
		Ki:                Bounds{Min: 0, Max: 10},
		Kd:                Bounds{Min: 0, Max: 50},
	}
}

func (c GradientConfig) normalized() GradientConfig {
	if c.AdaptInterval < MinAdaptInterval {
		c.AdaptInterval = MinAdaptInterval
	}
	if c.MaxRelativeChange < MinMaxRelativeChange {
		c.MaxRelativeChange = MinMaxRelativeChange
	}
	c.PlantSensitivity = math.Abs(c.PlantSensitivity) + minSensitivity
	c.Deadband = math.Abs(c.Deadband)
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		c.Smoothing = DefaultSmoothing
	}
	return c
}

// GradientPID adapts its gains continuously: every adapt interval each gain
// moves along sensitivity*error*regressor, smoothed and capped to a relative
// step, then clamped to its bounds.
type GradientPID struct {
	core
	cfg       GradientConfig
	lastAdapt time.Time
	smoothed  Gains
	adapting  bool
}

var _ SetpointController = (*GradientPID)(nil)

// NewGradientPID creates the controller targeting the midpoint of the output
// range
func NewGradientPID(g Gains, limits Limits, cfg GradientConfig) *GradientPID {
	p := &GradientPID{core: newCore(g, limits), cfg: cfg.normalized(), adapting: true}
	p.gains = p.clampGains(p.gains)
	return p
}

// EnableAdaptation turns gain learning on or off
func (p *GradientPID) EnableAdaptation(enabled bool) {
	p.adapting = enabled
}

// Config returns the effective adaptation settings
func (p *GradientPID) Config() GradientConfig {
	return p.cfg
}

// SetTarget changes the target and direction and resets the integrator
func (p *GradientPID) SetTarget(target float64, heating bool) {
	p.core.setTarget(target, heating)
	p.lastAdapt = time.Time{}
}

// Update returns the corrected setpoint for the current temperature
func (p *GradientPID) Update(current float64, now time.Time, active bool) float64 {
	if !floats.Finite(current) {
		return p.target
	}
	wasActive := p.active
	p.transition(active, current, now)
	if !p.active {
		return p.target
	}
	if !wasActive {
		p.lastAdapt = now
	}

	first := p.lastUpdate.IsZero()
	dt := p.dt(now)
	err := p.target - current
	if first {
		p.prevError = err
		p.prevTemp = current
		p.lastAdapt = now
	}

	if math.Abs(err) < p.cfg.Deadband {
		err = 0
		p.integral *= deadbandIntegralDecay
	}
	p.accumulate(err, dt)
	derivative := (err - p.prevError) / dt
	setpoint := p.project(p.output(err, derivative))

	// Steps scale with the configured interval, not the time since the last
	// step, which may span an off period or the grace period.
	if p.adapting && !p.stabilizing(now, p.cfg.Stabilization) && now.Sub(p.lastAdapt) >= p.cfg.AdaptInterval {
		p.adapt(err, derivative, p.cfg.AdaptInterval.Seconds())
		p.lastAdapt = now
	}

	p.prevError = err
	p.prevTemp = current
	return setpoint
}

func (p *GradientPID) adapt(err, derivative, interval float64) {
	sens := p.cfg.PlantSensitivity
	lr := p.cfg.LearningRates
	alpha := p.cfg.Smoothing

	raw := Gains{
		Kp: sens * err * err,
		Ki: sens * err * p.integral,
		Kd: sens * err * derivative,
	}
	p.smoothed.Kp += alpha * (lr.Kp*raw.Kp*interval - p.smoothed.Kp)
	p.smoothed.Ki += alpha * (lr.Ki*raw.Ki*interval - p.smoothed.Ki)
	p.smoothed.Kd += alpha * (lr.Kd*raw.Kd*interval - p.smoothed.Kd)

	p.gains.Kp = p.safeUpdate(p.gains.Kp, p.smoothed.Kp, p.cfg.Kp)
	p.gains.Ki = p.safeUpdate(p.gains.Ki, p.smoothed.Ki, p.cfg.Ki)
	p.gains.Kd = p.safeUpdate(p.gains.Kd, p.smoothed.Kd, p.cfg.Kd)
}

func (p *GradientPID) safeUpdate(k, delta float64, b Bounds) float64 {
	if !floats.Finite(k) {
		return b.Mid()
	}
	if !floats.Finite(delta) {
		return k
	}
	limit := math.Max(minGainStep, math.Abs(k)*p.cfg.MaxRelativeChange)
	next := floats.Clamp(k+floats.Clamp(delta, -limit, limit), b.Min, b.Max)
	if !floats.Finite(next) {
		return b.Mid()
	}
	return next
}

func (p *GradientPID) clampGains(g Gains) Gains {
	fix := func(v float64, b Bounds) float64 {
		if !floats.Finite(v) {
			return b.Mid()
		}
		return floats.Clamp(v, b.Min, b.Max)
	}
	return Gains{Kp: fix(g.Kp, p.cfg.Kp), Ki: fix(g.Ki, p.cfg.Ki), Kd: fix(g.Kd, p.cfg.Kd)}
}

// String renders the gains and adaptation settings for logs
func (p *GradientPID) String() string {
	return fmt.Sprintf("kp=%.3f ki=%.4f kd=%.4f adapt_ms=%d", p.gains.Kp, p.gains.Ki, p.gains.Kd, p.cfg.AdaptInterval.Milliseconds())
}
