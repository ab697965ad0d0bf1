// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package climate

import (
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/cn105ctl/pkg/control"
	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

// step is one stage of a loop run. The set is closed: hysteresis, then pid.
type step interface {
	run(current float64)
}

type hysteresisStep struct {
	gate control.Hysteresis
	dsm  *DeviceStateManager
	log  logrus.FieldLogger
	last control.Decision
}

func (s *hysteresisStep) run(current float64) {
	mode := s.dsm.Mode()
	target := s.dsm.TargetTemperature()
	s.last = s.gate.Evaluate(mode, s.dsm.DeviceActive(), current, target)

	log := s.log.WithFields(logrus.Fields{
		"mode":    mode.String(),
		"current": current,
		"target":  target,
	})
	switch s.last {
	case control.TurnOn:
		log.Info("Hysteresis turn on")
		s.dsm.InternalTurnOn()
	case control.TurnOff:
		log.Info("Hysteresis turn off")
		s.dsm.InternalTurnOff()
	}
}

type pidStep struct {
	pid control.SetpointController
	dsm *DeviceStateManager
	log logrus.FieldLogger
}

// ensureTarget follows the user target and direction. It reports whether the
// controller was retargeted.
func (s *pidStep) ensureTarget() bool {
	target := s.dsm.TargetTemperature()
	heating := s.dsm.OffsetDirection()
	if floats.Same(target, s.pid.Target(), 0.01) && heating == s.pid.Heating() {
		return false
	}
	s.log.WithFields(logrus.Fields{
		"from":    s.pid.Target(),
		"to":      target,
		"heating": heating,
	}).Info("PID target changing")
	s.pid.SetTarget(target, heating)
	return true
}

func (s *pidStep) run(current float64) {
	retargeted := s.ensureTarget()
	powerOn := s.dsm.InternalPowerOn()

	setpoint := s.pid.Update(current, s.dsm.clock.Now(), powerOn)
	lo, hi := s.pid.AdjustedRange()
	g := s.pid.Gains()
	s.log.WithFields(logrus.Fields{
		"setpoint": setpoint,
		"target":   s.pid.Target(),
		"min":      lo,
		"max":      hi,
		"power_on": powerOn,
		"kp":       g.Kp,
		"ki":       g.Ki,
		"kd":       g.Kd,
	}).Info("PID step")

	if retargeted || powerOn {
		s.dsm.SetCorrectedTemperature(setpoint)
	}

	switch {
	case !powerOn:
		s.dsm.SetAggressiveRounding(true)
	case s.pid.Heating() && floats.Same(setpoint, lo, floats.DefaultEpsilon):
		s.dsm.SetAggressiveRounding(true)
	case !s.pid.Heating() && floats.Same(setpoint, hi, floats.DefaultEpsilon):
		s.dsm.SetAggressiveRounding(true)
	default:
		s.dsm.SetAggressiveRounding(false)
	}
}
