// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package climate runs the closed loop on top of the link: it keeps the user
// target, decides when the compressor is switched on and off, and writes the
// PID-corrected setpoint back through the state store.
package climate

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/cn105ctl/pkg/cn105"
	"github.com/Thermoquad/cn105ctl/pkg/control"
	"github.com/Thermoquad/cn105ctl/pkg/floats"
	"github.com/Thermoquad/cn105ctl/pkg/scheduler"
)

// DefaultPowerThrottle is the minimum time between internal power toggles
const DefaultPowerThrottle = 60 * time.Second

// Link is the part of the link controller the climate loop depends on
type Link interface {
	// Active reports whether the link currently accepts writes
	Active() bool
	// SetRemoteTemperature queues an external room temperature for the unit.
	// Zero hands control back to the internal sensor.
	SetRemoteTemperature(t float64)
	// RemoteTemperature returns the last external reading that has not expired
	RemoteTemperature() (float64, bool)
}

// Options bounds the temperatures the manager will write
type Options struct {
	MinTemp       float64
	MaxTemp       float64
	PowerThrottle time.Duration
}

// DefaultOptions returns the unit's 16..31 range and a 60 s power throttle
func DefaultOptions() Options {
	return Options{MinTemp: 16, MaxTemp: 31, PowerThrottle: DefaultPowerThrottle}
}

// Midpoint returns the middle of the temperature range
func (o Options) Midpoint() float64 {
	return (o.MinTemp + o.MaxTemp) / 2
}

// DeviceStateManager owns the user target and the internal power flag, and
// turns loop decisions into wanted settings on the state store
type DeviceStateManager struct {
	state *cn105.StateStore
	link  Link
	clock scheduler.Clock
	log   logrus.FieldLogger
	opts  Options

	target          float64
	corrected       float64
	internalPowerOn bool
	lastPowerUpdate time.Time
	initialized     bool
	aggressive      bool
}

// NewDeviceStateManager creates a manager over state and link
func NewDeviceStateManager(state *cn105.StateStore, link Link, clock scheduler.Clock, opts Options, log logrus.FieldLogger) *DeviceStateManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	if opts.PowerThrottle <= 0 {
		opts.PowerThrottle = DefaultPowerThrottle
	}
	return &DeviceStateManager{
		state:     state,
		link:      link,
		clock:     clock,
		log:       log.WithField("component", "device"),
		opts:      opts,
		target:    math.NaN(),
		corrected: math.NaN(),
	}
}

// Sync picks up the unit's reported power and setpoint the first time
// settings arrive
func (m *DeviceStateManager) Sync() {
	if m.initialized || !m.state.Initialized() {
		return
	}
	current := m.state.Current()
	m.internalPowerOn = current.Power == cn105.PowerOn
	m.target = floats.Clamp(current.Temperature, m.opts.MinTemp, m.opts.MaxTemp)
	m.corrected = m.target
	m.initialized = true
	m.log.WithFields(logrus.Fields{
		"power":  current.Power,
		"target": m.target,
	}).Info("Initialized from unit settings")
}

// Initialized reports whether both settings and a room temperature have been
// seen
func (m *DeviceStateManager) Initialized() bool {
	return m.initialized && !math.IsNaN(m.state.Status().RoomTemperature)
}

// Settings returns the effective settings, pending writes included
func (m *DeviceStateManager) Settings() cn105.DeviceSettings {
	return m.state.Settings()
}

// Mode returns the effective mode as the controllers see it
func (m *DeviceStateManager) Mode() control.Mode {
	return control.ParseMode(m.state.Settings().Mode)
}

// DeviceActive reports whether the unit's effective power is ON
func (m *DeviceStateManager) DeviceActive() bool {
	return m.state.PowerOn()
}

// OffsetDirection reports whether corrections push the setpoint up (heat)
func (m *DeviceStateManager) OffsetDirection() bool {
	return m.Mode().Heating()
}

// TargetTemperature returns the user target
func (m *DeviceStateManager) TargetTemperature() float64 {
	return m.target
}

// SetTargetTemperature clamps and stores the user target and requests it
// from the unit
func (m *DeviceStateManager) SetTargetTemperature(value float64) float64 {
	if math.IsNaN(value) {
		return m.target
	}
	old := m.target
	m.target = floats.Clamp(value, m.opts.MinTemp, m.opts.MaxTemp)
	m.state.SetTemperature(m.target)
	m.log.WithFields(logrus.Fields{"from": old, "to": m.target}).Info("Target temperature changed")
	return m.target
}

// CorrectedTemperature returns the last setpoint written on behalf of the PID
func (m *DeviceStateManager) CorrectedTemperature() float64 {
	return m.corrected
}

// SetCorrectedTemperature clamps the PID setpoint to the unit range and
// requests it. It returns false when neither the correction nor the unit's
// setpoint would change.
func (m *DeviceStateManager) SetCorrectedTemperature(setpoint float64) bool {
	adjusted := floats.Clamp(setpoint, m.opts.MinTemp, m.opts.MaxTemp)
	rounded := m.state.QuantizeTemperature(adjusted)
	device := m.state.Settings().Temperature
	if floats.Same(m.corrected, adjusted, 0.01) && floats.Same(rounded, device, 0.01) {
		m.log.WithFields(logrus.Fields{
			"correction": adjusted,
			"device":     device,
		}).Debug("Corrected temperature unchanged")
		return false
	}

	old := m.corrected
	m.corrected = adjusted
	m.state.SetTemperature(adjusted)
	m.log.WithFields(logrus.Fields{
		"from":    old,
		"to":      adjusted,
		"rounded": rounded,
		"device":  device,
		"target":  m.target,
	}).Info("Corrected temperature changed")
	return true
}

// InternalPowerOn reports whether the loop believes the compressor should run
func (m *DeviceStateManager) InternalPowerOn() bool {
	return m.internalPowerOn
}

// AggressiveRounding reports whether remote readings round away from the
// target direction
func (m *DeviceStateManager) AggressiveRounding() bool {
	return m.aggressive
}

// SetAggressiveRounding changes how remote readings are rounded
func (m *DeviceStateManager) SetAggressiveRounding(v bool) {
	if v != m.aggressive {
		m.log.WithField("aggressive", v).Debug("Remote temperature rounding changed")
	}
	m.aggressive = v
}

func (m *DeviceStateManager) throttled(now time.Time) bool {
	return !m.lastPowerUpdate.IsZero() && now.Sub(m.lastPowerUpdate) < m.opts.PowerThrottle
}

// InternalTurnOn switches the compressor on in the current mode with the
// user target as setpoint. It refuses while uninitialized, throttled or when
// the link does not accept writes.
func (m *DeviceStateManager) InternalTurnOn() bool {
	return m.internalPower(true)
}

// InternalTurnOff switches the compressor off, with the same guards as
// InternalTurnOn
func (m *DeviceStateManager) InternalTurnOff() bool {
	return m.internalPower(false)
}

func (m *DeviceStateManager) internalPower(on bool) bool {
	log := m.log.WithField("on", on)
	if !m.Initialized() {
		log.Warn("Cannot change internal power until initialized")
		return false
	}
	now := m.clock.Now()
	if m.throttled(now) {
		log.WithField("since", now.Sub(m.lastPowerUpdate)).Debug("Throttling internal power change")
		return false
	}
	if !m.link.Active() {
		log.Warn("Link inactive, internal power change refused")
		return false
	}

	if on {
		m.state.SetMode(m.state.Settings().Mode)
		m.state.SetPower(cn105.PowerOn)
		m.SetCorrectedTemperature(m.target)
	} else {
		m.state.SetPower(cn105.PowerOff)
	}
	m.lastPowerUpdate = now
	m.internalPowerOn = on
	log.Info("Performed internal power change")
	return true
}

// ExternalPowerOff reports a power OFF the loop did not request: the loop
// expects the compressor on but the unit's effective power is OFF. The
// manager then forgets its own power state.
func (m *DeviceStateManager) ExternalPowerOff() bool {
	if !m.internalPowerOn || m.state.PowerOn() {
		return false
	}
	m.internalPowerOn = false
	return true
}

// TurnOn is the user request to run in mode. It is never throttled.
func (m *DeviceStateManager) TurnOn(mode string) string {
	resolved := m.state.SetMode(mode)
	m.state.SetPower(cn105.PowerOn)
	m.internalPowerOn = true
	return resolved
}

// TurnOff is the user request to stop
func (m *DeviceStateManager) TurnOff() {
	m.state.SetPower(cn105.PowerOff)
	m.internalPowerOn = false
}

// SetRemoteTemperature forwards an external room reading to the unit. With
// aggressive rounding the reading is pushed away from the target (up while
// heating, down otherwise); without it it rounds to the nearest 0.5.
func (m *DeviceStateManager) SetRemoteTemperature(t float64) float64 {
	if !floats.Finite(t) || t <= 0 {
		m.link.SetRemoteTemperature(0)
		return 0
	}
	var v float64
	if m.aggressive {
		v = cn105.NormalizeRemoteTemperature(t, m.OffsetDirection())
	} else {
		v = floats.RoundHalf(t)
	}
	m.link.SetRemoteTemperature(v)
	return v
}

// CurrentTemperature returns the remote reading when one is live and the
// unit's own room temperature otherwise
func (m *DeviceStateManager) CurrentTemperature() float64 {
	if t, ok := m.link.RemoteTemperature(); ok && t > 0 {
		return t
	}
	return m.state.Status().RoomTemperature
}
