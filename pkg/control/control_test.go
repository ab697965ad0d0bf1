// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package control

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// ============================================================
// Hysteresis
// ============================================================

func TestHysteresis_Heat(t *testing.T) {
	h := NewHysteresis(DefaultHysteresisOn, DefaultHysteresisOff)

	assert.Equal(t, TurnOff, h.Evaluate(ModeHeat, true, 21.3, 21))
	assert.Equal(t, NoOp, h.Evaluate(ModeHeat, true, 21.2, 21))
	assert.Equal(t, TurnOn, h.Evaluate(ModeHeat, false, 20.7, 21))
	assert.Equal(t, NoOp, h.Evaluate(ModeHeat, false, 20.8, 21))
}

func TestHysteresis_Cool(t *testing.T) {
	h := NewHysteresis(DefaultHysteresisOn, DefaultHysteresisOff)

	assert.Equal(t, TurnOff, h.Evaluate(ModeCool, true, 23.7, 24))
	assert.Equal(t, TurnOn, h.Evaluate(ModeCool, false, 24.3, 24))
	assert.Equal(t, NoOp, h.Evaluate(ModeCool, true, 24.3, 24))
}

func TestHysteresis_Idempotent(t *testing.T) {
	h := NewHysteresis(0.5, 0.5)

	for _, mode := range []Mode{ModeHeat, ModeCool} {
		active := true
		for i := 0; i < 10; i++ {
			current := 25.0
			if mode == ModeCool {
				current = 17.0
			}
			d := h.Evaluate(mode, active, current, 21)
			if i == 0 {
				require.Equal(t, TurnOff, d, mode.String())
				active = false
				continue
			}
			assert.Equal(t, NoOp, d, "%s: turn_off must not repeat", mode)
		}

		active = false
		for i := 0; i < 10; i++ {
			current := 17.0
			if mode == ModeCool {
				current = 25.0
			}
			d := h.Evaluate(mode, active, current, 21)
			if i == 0 {
				require.Equal(t, TurnOn, d, mode.String())
				active = true
				continue
			}
			assert.Equal(t, NoOp, d, "%s: turn_on must not repeat", mode)
		}
	}
}

func TestHysteresis_OtherModes(t *testing.T) {
	h := NewHysteresis(0.1, 0.1)
	for _, name := range []string{"DRY", "FAN", "AUTO", "bogus"} {
		mode := ParseMode(name)
		assert.Equal(t, ModeOther, mode)
		assert.Equal(t, NoOp, h.Evaluate(mode, true, 40, 10))
		assert.Equal(t, NoOp, h.Evaluate(mode, false, 0, 30))
	}
	assert.Equal(t, ModeHeat, ParseMode("heat"))
	assert.Equal(t, ModeCool, ParseMode("COOL"))
}

// ============================================================
// Adjusted range and projection
// ============================================================

func controllers(g Gains, limits Limits) map[string]SetpointController {
	cfg := DefaultGradientConfig(g)
	return map[string]SetpointController{
		"adaptive": NewAdaptivePID(g, limits),
		"gradient": NewGradientPID(g, limits, cfg),
	}
}

func TestSetTarget_AdjustedRange(t *testing.T) {
	limits := Limits{OutputMin: 16, OutputMax: 31, MaxAdjustmentOver: 3, MaxAdjustmentUnder: 1}

	for name, c := range controllers(Gains{Kp: 4}, limits) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, 23.5, c.Target(), "starts at the midpoint")
			assert.False(t, c.Heating())

			c.SetTarget(22, true)
			lo, hi := c.AdjustedRange()
			assert.Equal(t, 21.0, lo)
			assert.Equal(t, 25.0, hi)

			c.SetTarget(22, false)
			lo, hi = c.AdjustedRange()
			assert.Equal(t, 19.0, lo)
			assert.Equal(t, 23.0, hi)

			c.SetTarget(30, true)
			_, hi = c.AdjustedRange()
			assert.Equal(t, 31.0, hi, "clamped to the output range")
		})
	}
}

func TestUpdate_StaysInAdjustedRange(t *testing.T) {
	for name, c := range controllers(Gains{Kp: 50, Ki: 5, Kd: 5}, DefaultLimits()) {
		t.Run(name, func(t *testing.T) {
			for _, heating := range []bool{true, false} {
				c.SetTarget(22, heating)
				lo, hi := c.AdjustedRange()
				now := t0
				for i := 0; i < 200; i++ {
					current := 10.0 + float64(i%25)
					sp := c.Update(current, now, true)
					require.GreaterOrEqual(t, sp, lo)
					require.LessOrEqual(t, sp, hi)
					now = now.Add(time.Second)
				}
			}
		})
	}
}

func TestUpdate_HeatingSaturatesUp(t *testing.T) {
	c := NewAdaptivePID(Gains{Kp: 100}, DefaultLimits())
	c.SetTarget(22, true)

	sp := c.Update(15, t0, true)
	_, hi := c.AdjustedRange()
	assert.Equal(t, hi, sp)
}

func TestUpdate_InactiveReturnsTarget(t *testing.T) {
	for name, c := range controllers(Gains{Kp: 10, Ki: 1}, DefaultLimits()) {
		t.Run(name, func(t *testing.T) {
			c.SetTarget(22, true)
			assert.Equal(t, 22.0, c.Update(18, t0, false))
			assert.Equal(t, 0.0, c.Integral())
		})
	}
}

func TestUpdate_NonFiniteInput(t *testing.T) {
	for name, c := range controllers(Gains{Kp: 10, Ki: 1}, DefaultLimits()) {
		t.Run(name, func(t *testing.T) {
			c.SetTarget(22, true)
			assert.Equal(t, 22.0, c.Update(math.NaN(), t0, true))
			assert.Equal(t, 22.0, c.Update(math.Inf(1), t0, true))
			assert.Equal(t, 0.0, c.Integral())
		})
	}
}

// ============================================================
// Integral and dt
// ============================================================

func TestAntiWindup(t *testing.T) {
	for name, c := range controllers(Gains{Kp: 4, Ki: 0.5}, DefaultLimits()) {
		t.Run(name, func(t *testing.T) {
			c.SetTarget(25, true)
			now := t0
			for i := 0; i < 20000; i++ {
				c.Update(10, now, true)
				require.LessOrEqual(t, math.Abs(c.Integral()), c.IntegralMax()+1e-9, "step %d", i)
				now = now.Add(time.Second)
			}
			assert.InDelta(t, c.IntegralMax(), c.Integral(), 1e-9, "saturated at the cap")
		})
	}
}

func TestDtClamp(t *testing.T) {
	c := NewAdaptivePID(Gains{Ki: 1}, DefaultLimits())
	c.SetTarget(22, true)

	c.Update(21, t0, true)
	assert.InDelta(t, 0.1, c.Integral(), 1e-9, "first step uses 0.1 s")

	c.Update(21, t0.Add(10*time.Minute), true)
	assert.InDelta(t, 1.1, c.Integral(), 1e-9, "long gaps count as 1 s")

	c.Update(21, t0.Add(10*time.Minute+time.Millisecond), true)
	assert.InDelta(t, 1.11, c.Integral(), 1e-9, "short gaps count as 0.01 s")
}

// ============================================================
// Transitions
// ============================================================

func TestDisableShrinksGains(t *testing.T) {
	c := NewAdaptivePID(Gains{Kp: 4}, DefaultLimits())
	c.SetTarget(22, true)
	c.Update(21, t0, true)

	c.Update(23, t0.Add(time.Second), false)
	assert.InDelta(t, 3.8, c.Gains().Kp, 1e-9)
	assert.InDelta(t, 19.6, c.IntegralMax(), 1e-9)
	assert.Equal(t, 1, c.Disables())
	assert.Equal(t, 0.0, c.Integral())

	// staying off is not another disable
	c.Update(23, t0.Add(2*time.Second), false)
	assert.Equal(t, 1, c.Disables())

	now := t0.Add(3 * time.Second)
	for i := 0; i < 200; i++ {
		c.Update(20, now, true)
		now = now.Add(time.Second)
		c.Update(23, now, false)
		now = now.Add(time.Second)
	}
	assert.Equal(t, kpDisableFloor, c.Gains().Kp)
	assert.Equal(t, integralMaxFloor, c.IntegralMax())
}

func TestDisableKeepsGainsBelowFloor(t *testing.T) {
	c := NewAdaptivePID(Gains{Kp: 1}, DefaultLimits())
	c.Update(21, t0, true)
	c.Update(21, t0.Add(time.Second), false)
	assert.Equal(t, 1.0, c.Gains().Kp)
}

func TestEnableResetsPrevError(t *testing.T) {
	c := NewAdaptivePID(Gains{Kd: 1}, DefaultLimits())
	c.SetTarget(22, true)

	assert.Equal(t, 22.0, c.Update(20, t0, true), "first derivative is zero")
	c.Update(23, t0.Add(time.Second), false)

	// restart at a new temperature: no derivative kick
	assert.Equal(t, 22.0, c.Update(21, t0.Add(2*time.Second), true))
}

// ============================================================
// Adaptation
// ============================================================

func TestAdaptivePID_StabilizationGrace(t *testing.T) {
	c := NewAdaptivePID(Gains{Kp: 4, Ki: 0.02}, DefaultLimits())
	c.SetTarget(22, true)

	now := t0
	for i := 0; i < 200; i++ {
		c.Update(21, now, true)
		now = now.Add(time.Second)
	}
	assert.Equal(t, 0.02, c.Gains().Ki, "no adaptation during the grace period")

	for i := 0; i < 200; i++ {
		c.Update(21, now, true)
		now = now.Add(time.Second)
	}
	assert.Greater(t, c.Gains().Ki, 0.02, "steady offset raises ki")
	assert.LessOrEqual(t, c.Gains().Ki, kiAdaptCeil)
}

func TestAdaptivePID_FastRateRaisesKd(t *testing.T) {
	c := NewAdaptivePID(Gains{Kp: 4, Kd: 0.01}, DefaultLimits())
	c.SetStabilization(0)
	c.SetTarget(22, true)

	now := t0
	temps := []float64{20, 21, 20, 21, 20, 21}
	for _, temp := range temps {
		c.Update(temp, now, true)
		now = now.Add(time.Second)
	}
	assert.Greater(t, c.Gains().Kd, 0.01)
	assert.LessOrEqual(t, c.Gains().Kd, kdAdaptCeil)
}

func TestGradientPID_BoundsAndCap(t *testing.T) {
	g := Gains{Kp: 4, Ki: 0.02, Kd: 0.01}
	cfg := DefaultGradientConfig(g)
	cfg.Stabilization = 0
	cfg.AdaptInterval = time.Second
	c := NewGradientPID(g, DefaultLimits(), cfg)
	c.SetTarget(25, true)

	now := t0
	prev := c.Gains().Kp
	for i := 0; i < 2000; i++ {
		c.Update(20, now, true)
		kp := c.Gains().Kp
		require.LessOrEqual(t, kp, cfg.Kp.Max)
		require.LessOrEqual(t, kp-prev, math.Abs(prev)*DefaultMaxRelativeChange+1e-9, "step %d", i)
		prev = kp
		now = now.Add(time.Second)
	}
	assert.Greater(t, c.Gains().Kp, 4.0, "persistent error raises kp")
}

func TestGradientPID_AdaptInterval(t *testing.T) {
	g := Gains{Kp: 4, Ki: 0.02, Kd: 0.01}
	cfg := DefaultGradientConfig(g)
	cfg.Stabilization = 0
	c := NewGradientPID(g, DefaultLimits(), cfg)
	c.SetTarget(25, true)

	now := t0
	for i := 0; i < 14; i++ {
		c.Update(20, now, true)
		now = now.Add(time.Second)
	}
	assert.Equal(t, 4.0, c.Gains().Kp, "nothing before the first 15 s interval")

	c.Update(20, now.Add(time.Second), true)
	assert.Greater(t, c.Gains().Kp, 4.0)
}

func TestGradientPID_FirstStepAfterGrace(t *testing.T) {
	c := NewGradientPID(Gains{Kp: 1}, DefaultLimits(), DefaultGradientConfig(Gains{Kp: 1}))
	c.SetTarget(22, true)

	c.Update(21, t0, true)
	c.Update(21, t0.Add(DefaultStabilization), true)

	// one 15 s step: 0.08 * 0.02 * 1 * 15
	assert.InDelta(t, 1.024, c.Gains().Kp, 1e-9, "grace period is not scaled into the step")
}

func TestGradientPID_RestartAfterLongOff(t *testing.T) {
	c := NewGradientPID(Gains{Kp: 1}, DefaultLimits(), DefaultGradientConfig(Gains{Kp: 1}))
	c.SetTarget(22, true)

	c.Update(21, t0, true)
	c.Update(21, t0.Add(DefaultStabilization), true)
	require.InDelta(t, 1.024, c.Gains().Kp, 1e-9)

	off := t0.Add(DefaultStabilization + time.Second)
	c.Update(23, off, false)
	require.InDelta(t, 1.024, c.Gains().Kp, 1e-9, "kp below the disable floor is kept")

	on := off.Add(time.Hour)
	c.Update(21, on, true)
	assert.InDelta(t, 1.024, c.Gains().Kp, 1e-9, "no adaptation on the restart step")

	c.Update(21, on.Add(DefaultStabilization), true)
	// smoothed step: 0.024 + 0.08 * (0.3 - 0.024)
	assert.InDelta(t, 1.024+0.04608, c.Gains().Kp, 1e-9)
}

func TestGradientPID_StepBoundedByInterval(t *testing.T) {
	g := Gains{Kp: 1}
	cfg := DefaultGradientConfig(g)
	cfg.Stabilization = 0
	c := NewGradientPID(g, DefaultLimits(), cfg)
	c.SetTarget(22, true)

	// 0.2 degrees of error with long gaps between updates
	now := t0
	maxStep := cfg.LearningRates.Kp * 0.2 * 0.2 * cfg.AdaptInterval.Seconds()
	prev := c.Gains().Kp
	for i := 0; i < 30; i++ {
		c.Update(21.8, now, true)
		require.LessOrEqual(t, c.Gains().Kp-prev, maxStep+1e-9, "step %d", i)
		prev = c.Gains().Kp
		now = now.Add(time.Minute)
	}
	assert.Less(t, c.Gains().Kp, 1.3)
}

func TestGradientPID_Deadband(t *testing.T) {
	g := Gains{Kp: 4, Ki: 1}
	cfg := DefaultGradientConfig(g)
	cfg.Deadband = 0.3
	c := NewGradientPID(g, DefaultLimits(), cfg)
	c.SetTarget(22, true)

	c.Update(21, t0, true)
	before := c.Integral()
	require.Greater(t, before, 0.0)

	sp := c.Update(21.8, t0.Add(time.Second), true)
	assert.InDelta(t, before*deadbandIntegralDecay, c.Integral(), 1e-9)
	assert.GreaterOrEqual(t, sp, 22.0)
}

func TestGradientPID_SafeUpdate(t *testing.T) {
	c := NewGradientPID(Gains{Kp: 4}, DefaultLimits(), DefaultGradientConfig(Gains{Kp: 4}))
	b := Bounds{Min: 0, Max: 10}

	assert.Equal(t, 5.0, c.safeUpdate(math.NaN(), 1, b), "non-finite gain reverts to the midpoint")
	assert.Equal(t, 4.0, c.safeUpdate(4, math.Inf(1), b), "non-finite delta is ignored")
	assert.InDelta(t, 4.4, c.safeUpdate(4, 100, b), 1e-9, "step capped at 10%")
	assert.Equal(t, 10.0, c.safeUpdate(9.99, 1, b), "clamped into bounds")
}

func TestGradientPID_ClampsInitialGains(t *testing.T) {
	cfg := DefaultGradientConfig(Gains{Kp: 4})
	c := NewGradientPID(Gains{Kp: 4, Ki: 20, Kd: math.NaN()}, DefaultLimits(), cfg)

	g := c.Gains()
	assert.Equal(t, 10.0, g.Ki)
	assert.Equal(t, 25.0, g.Kd)
}

func TestGradientPID_NormalizedConfig(t *testing.T) {
	cfg := DefaultGradientConfig(Gains{Kp: 4})
	cfg.AdaptInterval = 10 * time.Millisecond
	cfg.MaxRelativeChange = 0
	cfg.PlantSensitivity = -2
	c := NewGradientPID(Gains{Kp: 4}, DefaultLimits(), cfg)

	got := c.Config()
	assert.Equal(t, MinAdaptInterval, got.AdaptInterval)
	assert.Equal(t, MinMaxRelativeChange, got.MaxRelativeChange)
	assert.InDelta(t, 2.0, got.PlantSensitivity, 1e-6)
	assert.Contains(t, c.String(), "adapt_ms=1000")
}
