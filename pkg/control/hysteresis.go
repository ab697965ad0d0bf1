// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package control holds the closed-loop pieces that sit on top of the
// protocol: the hysteresis gate that switches the compressor on and off, and
// the self-tuning PID controllers that correct the setpoint sent to the unit.
package control

import "strings"

// Mode is the operating mode as far as control is concerned
type Mode int

const (
	ModeOther Mode = iota
	ModeHeat
	ModeCool
)

// ParseMode maps a unit mode name to a control mode
func ParseMode(name string) Mode {
	switch strings.ToUpper(name) {
	case "HEAT":
		return ModeHeat
	case "COOL":
		return ModeCool
	default:
		return ModeOther
	}
}

func (m Mode) String() string {
	switch m {
	case ModeHeat:
		return "heat"
	case ModeCool:
		return "cool"
	default:
		return "other"
	}
}

// Heating reports whether positive correction raises the setpoint
func (m Mode) Heating() bool {
	return m == ModeHeat
}

// Decision is the output of the hysteresis gate
type Decision int

const (
	NoOp Decision = iota
	TurnOn
	TurnOff
)

func (d Decision) String() string {
	switch d {
	case TurnOn:
		return "turn_on"
	case TurnOff:
		return "turn_off"
	default:
		return "no_op"
	}
}

// Default hysteresis thresholds, degrees
const (
	DefaultHysteresisOn  = 0.25
	DefaultHysteresisOff = 0.25
)

// Hysteresis decides when the compressor should be switched on or off
// around the target. It holds no state; the caller tracks whether the unit
// is active and throttles the resulting toggles.
type Hysteresis struct {
	On  float64 // degrees past the target, on the wrong side, before turning on
	Off float64 // degrees past the target, on the far side, before turning off
}

// NewHysteresis creates a gate with the given thresholds
func NewHysteresis(on, off float64) Hysteresis {
	return Hysteresis{On: on, Off: off}
}

// Evaluate returns the action for the current reading. Modes other than heat
// and cool never toggle power.
func (h Hysteresis) Evaluate(mode Mode, active bool, current, target float64) Decision {
	var delta float64
	switch mode {
	case ModeHeat:
		delta = current - target
	case ModeCool:
		delta = target - current
	default:
		return NoOp
	}

	if active && delta > h.Off {
		return TurnOff
	}
	if !active && -delta > h.On {
		return TurnOn
	}
	return NoOp
}
