// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

// Events is the set of changes produced by applying a frame
type Events uint16

// Event flags
const (
	EventSettingsChanged Events = 1 << iota
	EventStatusChanged
	EventTimersChanged
	EventFunctionsChanged
	EventConnected
	EventUpdateAcked
	EventRoomTemperature
)

var eventNames = []string{"settings", "status", "timers", "functions", "connected", "acked", "room"}

// Has reports whether every flag in f is set
func (e Events) Has(f Events) bool {
	return e&f == f && f != 0
}

func (e Events) String() string {
	var parts []string
	for i, name := range eventNames {
		if e&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Snapshot is a consistent copy of everything the store knows
type Snapshot struct {
	Settings    DeviceSettings `json:"settings"`
	Current     DeviceSettings `json:"current"`
	Status      DeviceStatus   `json:"status"`
	Timers      Timers         `json:"timers"`
	Functions   []Function     `json:"functions,omitempty"`
	Pending     bool           `json:"pending"`
	TempMode    bool           `json:"temp_mode"`
	Connected   bool           `json:"connected"`
	Initialized bool           `json:"initialized"`
}

// StateStore holds the current settings, the pending wanted settings and the
// latest status of a unit. It is safe for concurrent use.
type StateStore struct {
	mu  sync.Mutex
	now func() time.Time

	current     DeviceSettings
	wanted      WantedSettings
	status      DeviceStatus
	timers      Timers
	functions   Functions
	tempMode    bool // latched once the unit reports half-degree setpoints
	wideVaneAdj bool
	initialized bool
	connected   bool
	sentAt      time.Time
	lastFrame   time.Time
}

// NewStateStore creates an empty store
func NewStateStore() *StateStore {
	return &StateStore{
		now:    time.Now,
		wanted: NewWantedSettings(),
		status: DeviceStatus{
			RoomTemperature:       math.NaN(),
			OutsideAirTemperature: math.NaN(),
		},
	}
}

// SetClock replaces the store's time source
func (s *StateStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Apply folds a decoded frame into the store and reports what changed
func (s *StateStore) Apply(f *Frame) (Events, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFrame = s.now()

	switch f.Command() {
	case CmdSetAck:
		return s.applyAck(), nil
	case CmdConnectAck, CmdConnectInstallerAck:
		s.connected = true
		s.current.Connected = true
		return EventConnected, nil
	case CmdData:
		return s.applyData(f.Data())
	}
	return 0, nil
}

func (s *StateStore) applyAck() Events {
	ev := EventUpdateAcked
	if !s.wanted.Sent {
		return ev
	}
	merged := s.wanted.Apply(s.current)
	if !merged.Equal(s.current) {
		s.current = merged
		ev |= EventSettingsChanged
	}
	s.wanted = NewWantedSettings()
	return ev
}

func (s *StateStore) applyData(data []byte) (Events, error) {
	if len(data) == 0 {
		return 0, nil
	}

	switch data[0] {
	case InfoSettings:
		sf, err := parseSettings(data)
		if err != nil {
			return 0, err
		}
		return s.applySettings(sf), nil

	case InfoRoomTemp:
		next, err := ParseRoomTemperature(data, s.status)
		if err != nil {
			return 0, err
		}
		var ev Events
		if !sameValue(next.RoomTemperature, s.status.RoomTemperature) {
			ev |= EventRoomTemperature
		}
		return ev | s.setStatus(next), nil

	case InfoStatus:
		next, err := ParseStatus(data, s.status)
		if err != nil {
			return 0, err
		}
		return s.setStatus(next), nil

	case InfoTimers:
		next, err := ParseTimers(data)
		if err != nil {
			return 0, err
		}
		if next == s.timers {
			return 0, nil
		}
		s.timers = next
		return EventTimersChanged, nil

	case InfoFunctions1, InfoFunctions2:
		if len(data) != DataLength {
			return 0, nil
		}
		if data[0] == InfoFunctions1 {
			s.functions.SetData1(data[1 : FunctionsHalfSize+1])
		} else {
			s.functions.SetData2(data[1 : FunctionsHalfSize+1])
		}
		if s.functions.Valid() {
			return EventFunctionsChanged, nil
		}
	}
	return 0, nil
}

func (s *StateStore) applySettings(sf settingsFrame) Events {
	prev := s.current
	next := sf.settings
	next.Connected = s.connected

	if sf.hasWideVane {
		s.wideVaneAdj = sf.wideVaneAdj
	} else {
		next.WideVane = prev.WideVane
	}
	// Only settings byte 11 latches half-degree mode. Room readings do not.
	if sf.extendedTemp {
		s.tempMode = true
	}
	s.current = next

	// the unit may apply a write without acking it
	if s.wanted.Sent && !s.wanted.Changed && s.wanted.Satisfied(next) {
		s.wanted = NewWantedSettings()
	}

	var ev Events
	if !s.initialized || !next.Equal(prev) {
		ev = EventSettingsChanged
	}
	s.initialized = true
	return ev
}

func (s *StateStore) setStatus(next DeviceStatus) Events {
	if next.Equal(s.status) {
		s.status = next
		return 0
	}
	s.status = next
	return EventStatusChanged
}

// ===== Accessors =====

// Settings returns the effective settings: current overlaid with anything
// still pending
func (s *StateStore) Settings() DeviceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted.Apply(s.current)
}

// Current returns the last settings reported by the unit
func (s *StateStore) Current() DeviceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Wanted returns the pending request
func (s *StateStore) Wanted() WantedSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted
}

// Status returns the last operating status
func (s *StateStore) Status() DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Timers returns the last timer state
func (s *StateStore) Timers() Timers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers
}

// Functions returns a copy of the installer function table
func (s *StateStore) Functions() Functions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.functions
}

// TempMode reports whether the unit uses half-degree setpoints
func (s *StateStore) TempMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempMode
}

// Initialized reports whether a settings frame has been received
func (s *StateStore) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Connected reports whether the unit acknowledged the handshake
func (s *StateStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetConnected records the handshake state
func (s *StateStore) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	s.current.Connected = connected
}

// LastFrame returns the time the last valid frame was applied
func (s *StateStore) LastFrame() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// PowerOn reports whether the effective power setting is ON
func (s *StateStore) PowerOn() bool {
	return s.Settings().Power == PowerOn
}

// Snapshot returns a consistent copy of the store
func (s *StateStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Settings:    s.wanted.Apply(s.current),
		Current:     s.current,
		Status:      s.status,
		Timers:      s.timers,
		Functions:   s.functions.List(),
		Pending:     s.wanted.Changed || s.wanted.Sent,
		TempMode:    s.tempMode,
		Connected:   s.connected,
		Initialized: s.initialized,
	}
}

// ===== Setters =====

func (s *StateStore) touch() {
	s.wanted.Changed = true
	s.wanted.Sent = false
	s.wanted.LastChange = s.now()
}

func (s *StateStore) setName(t Table, name string, field *string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := t.Resolve(name)
	*field = v
	s.touch()
	return v
}

// SetPower requests a power state and returns the canonical value
func (s *StateStore) SetPower(name string) string {
	return s.setName(PowerTable, name, &s.wanted.Power)
}

// SetPowerOn requests ON or OFF
func (s *StateStore) SetPowerOn(on bool) string {
	if on {
		return s.SetPower(PowerOn)
	}
	return s.SetPower(PowerOff)
}

// SetMode requests a mode and returns the canonical value
func (s *StateStore) SetMode(name string) string {
	return s.setName(ModeTable, name, &s.wanted.Mode)
}

// SetFan requests a fan speed and returns the canonical value
func (s *StateStore) SetFan(name string) string {
	return s.setName(FanTable, name, &s.wanted.Fan)
}

// SetVane requests a vane position and returns the canonical value
func (s *StateStore) SetVane(name string) string {
	return s.setName(VaneTable, name, &s.wanted.Vane)
}

// SetWideVane requests a wide vane position and returns the canonical value
func (s *StateStore) SetWideVane(name string) string {
	return s.setName(WideVaneTable, name, &s.wanted.WideVane)
}

// SetTemperature requests a setpoint and returns the value that will be
// written. In half-degree mode it is rounded to 0.5 and clamped to [10, 31];
// otherwise it must round to a whole degree in [16, 31] or falls back to 31.
// NaN leaves the request untouched.
func (s *StateStore) SetTemperature(t float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if math.IsNaN(t) {
		return s.wanted.Apply(s.current).Temperature
	}

	v := s.quantize(t)
	s.wanted.Temperature = v
	s.touch()
	return v
}

// QuantizeTemperature returns the setpoint SetTemperature would request for t
func (s *StateStore) QuantizeTemperature(t float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quantize(t)
}

func (s *StateStore) quantize(t float64) float64 {
	if s.tempMode {
		return floats.Clamp(floats.RoundHalf(t), ExtendedTempMin, ExtendedTempMax)
	}
	whole := math.Floor(t + 0.5)
	if whole >= TableTempMin && whole <= TableTempMax {
		return whole
	}
	return TableTempMax
}

// SetFunction updates one installer function code in the local table
func (s *StateStore) SetFunction(code, value int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.functions.Set(code, value)
}

// ===== Write bookkeeping =====

// SettingsPacket builds the write packet for the pending request
func (s *StateStore) SettingsPacket() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BuildSettingsPacket(s.current, s.wanted, s.tempMode, s.wideVaneAdj)
}

// FunctionsPackets builds the two write packets for the function table
func (s *StateStore) FunctionsPackets() ([]byte, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.functions.Valid() {
		return nil, nil, false
	}
	p1, p2 := BuildFunctionsPackets(&s.functions)
	return p1, p2, true
}

// WantedChanged reports whether a request is waiting to be written, and when
// it was last modified
func (s *StateStore) WantedChanged() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted.Changed, s.wanted.LastChange
}

// MarkWantedSent records that the pending request went out
func (s *StateStore) MarkWantedSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted.Changed = false
	s.wanted.Sent = true
	s.sentAt = s.now()
}

// ClearWanted drops the pending request
func (s *StateStore) ClearWanted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = NewWantedSettings()
}

// RequeueUnacked marks a sent request as changed again when the unit has
// neither acked nor reflected it within timeout
func (s *StateStore) RequeueUnacked(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wanted.Sent || s.now().Sub(s.sentAt) < timeout {
		return false
	}
	s.wanted.Sent = false
	s.wanted.Changed = true
	return true
}
