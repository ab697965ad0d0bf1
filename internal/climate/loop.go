// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package climate

import (
	"context"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
	"github.com/Thermoquad/cn105ctl/pkg/control"
	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

// SetpointStore persists the user target per mode
type SetpointStore interface {
	Load(ctx context.Context, mode string) (float64, bool, error)
	Save(ctx context.Context, mode string, value float64) error
}

// persistedModes are the modes that keep their own target
var persistedModes = []string{cn105.ModeHeat, cn105.ModeCool, cn105.ModeAuto}

// Report is the loop's view after a run
type Report struct {
	Initialized     bool          `json:"initialized"`
	Enabled         bool          `json:"enabled"`
	Mode            string        `json:"mode"`
	Current         float64       `json:"current"`
	Target          float64       `json:"target"`
	Corrected       float64       `json:"corrected"`
	InternalPowerOn bool          `json:"internal_power_on"`
	DeviceActive    bool          `json:"device_active"`
	Aggressive      bool          `json:"aggressive_rounding"`
	AdjustedMin     float64       `json:"adjusted_min"`
	AdjustedMax     float64       `json:"adjusted_max"`
	Gains           control.Gains `json:"gains"`
	Integral        float64       `json:"integral"`
	Decision        string        `json:"decision"`
}

// Loop runs hysteresis then PID against the latest room temperature
type Loop struct {
	dsm   *DeviceStateManager
	pid   control.SetpointController
	gate  *hysteresisStep
	steps []step
	store SetpointStore
	log   logrus.FieldLogger

	setpoints map[string]float64
	restored  bool
	enabled   bool
	report    Report
}

// NewLoop creates a loop over dsm. store may be nil.
func NewLoop(dsm *DeviceStateManager, gate control.Hysteresis, pid control.SetpointController, store SetpointStore, log logrus.FieldLogger) *Loop {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Loop{
		dsm:       dsm,
		pid:       pid,
		store:     store,
		log:       log.WithField("component", "climate"),
		setpoints: make(map[string]float64),
		enabled:   true,
	}
	l.gate = &hysteresisStep{gate: gate, dsm: dsm, log: l.log}
	l.steps = []step{
		l.gate,
		&pidStep{pid: pid, dsm: dsm, log: l.log},
	}
	return l
}

// Device returns the device state manager
func (l *Loop) Device() *DeviceStateManager {
	return l.dsm
}

// LoadSetpoints reads the stored target of every persisted mode. Modes with
// nothing stored, or a failing store, start at the midpoint of the range.
func (l *Loop) LoadSetpoints(ctx context.Context) {
	mid := l.dsm.opts.Midpoint()
	for _, mode := range persistedModes {
		l.setpoints[mode] = mid
		if l.store == nil {
			continue
		}
		v, ok, err := l.store.Load(ctx, mode)
		if err != nil {
			l.log.WithError(err).WithField("mode", mode).Warn("Failed to load setpoint")
			continue
		}
		if ok && floats.Finite(v) {
			l.setpoints[mode] = v
		}
	}
	l.log.WithFields(logrus.Fields{
		"heat": l.setpoints[cn105.ModeHeat],
		"cool": l.setpoints[cn105.ModeCool],
		"auto": l.setpoints[cn105.ModeAuto],
	}).Info("Setpoints loaded")
}

// Setpoint returns the remembered target for mode
func (l *Loop) Setpoint(mode string) (float64, bool) {
	v, ok := l.setpoints[strings.ToUpper(mode)]
	return v, ok
}

func (l *Loop) save(ctx context.Context, mode string, value float64) {
	if _, ok := l.setpoints[mode]; !ok {
		return
	}
	if floats.Same(l.setpoints[mode], value, 0.01) {
		return
	}
	l.setpoints[mode] = value
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, mode, value); err != nil {
		l.log.WithError(err).WithField("mode", mode).Warn("Failed to save setpoint")
		return
	}
	l.log.WithFields(logrus.Fields{"mode": mode, "value": value}).Info("Saved setpoint")
}

// SetTarget changes the user target and remembers it for the current mode
func (l *Loop) SetTarget(ctx context.Context, value float64) float64 {
	v := l.dsm.SetTargetTemperature(value)
	l.save(ctx, l.dsm.Settings().Mode, v)
	return v
}

// SetMode switches the unit to mode, or off for "OFF". Entering a persisted
// mode restores its target.
func (l *Loop) SetMode(ctx context.Context, mode string) string {
	if strings.EqualFold(mode, cn105.PowerOff) {
		l.enabled = false
		l.dsm.TurnOff()
		l.log.Info("Climate disabled")
		return cn105.PowerOff
	}
	resolved := l.dsm.TurnOn(mode)
	l.enabled = true
	if v, ok := l.setpoints[resolved]; ok {
		l.dsm.SetTargetTemperature(v)
	}
	l.log.WithField("mode", resolved).Info("Climate enabled")
	return resolved
}

// Enabled reports whether the user wants the loop to run
func (l *Loop) Enabled() bool {
	return l.enabled
}

func (l *Loop) restore() {
	l.restored = true
	mode := l.dsm.Settings().Mode
	if v, ok := l.setpoints[mode]; ok {
		l.log.WithFields(logrus.Fields{"mode": mode, "value": v}).Info("Restoring saved setpoint")
		l.dsm.SetTargetTemperature(v)
	}
}

// Run executes one pass: sync the manager, then hysteresis and PID when the
// loop is enabled and a room temperature is known
func (l *Loop) Run(ctx context.Context) Report {
	l.dsm.Sync()
	if !l.dsm.Initialized() {
		l.log.Debug("Device not initialized yet")
		l.report = Report{}
		return l.report
	}
	if !l.restored {
		l.restore()
	}

	if l.enabled && l.dsm.ExternalPowerOff() {
		l.enabled = false
		l.log.Info("Unit switched off outside the loop, climate disabled")
	}

	current := l.dsm.CurrentTemperature()
	l.gate.last = control.NoOp
	switch {
	case !l.enabled:
		l.log.Debug("Skipping run, climate disabled")
	case !floats.Finite(current):
		l.log.Warn("Skipping run, no room temperature")
	default:
		l.log.WithField("current", current).Debug("Running steps")
		for _, s := range l.steps {
			s.run(current)
		}
	}

	l.report = l.buildReport(current)
	return l.report
}

// Report returns the result of the last run
func (l *Loop) Report() Report {
	return l.report
}

func (l *Loop) buildReport(current float64) Report {
	lo, hi := l.pid.AdjustedRange()
	r := Report{
		Initialized:     true,
		Enabled:         l.enabled,
		Mode:            l.dsm.Settings().Mode,
		Current:         current,
		Target:          l.dsm.TargetTemperature(),
		Corrected:       l.dsm.CorrectedTemperature(),
		InternalPowerOn: l.dsm.InternalPowerOn(),
		DeviceActive:    l.dsm.DeviceActive(),
		Aggressive:      l.dsm.AggressiveRounding(),
		AdjustedMin:     lo,
		AdjustedMax:     hi,
		Gains:           l.pid.Gains(),
		Integral:        l.pid.Integral(),
		Decision:        l.gate.last.String(),
	}
	if math.IsNaN(r.Current) {
		r.Current = 0
	}
	if math.IsNaN(r.Corrected) {
		r.Corrected = r.Target
	}
	return r
}
