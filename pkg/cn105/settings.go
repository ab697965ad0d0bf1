// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"encoding/json"
	"math"
	"time"

	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

// CompareEpsilon is the relative tolerance for float fields when deciding
// whether a snapshot changed
const CompareEpsilon = 0.01

// TemperatureUnset marks an unset wanted temperature
const TemperatureUnset = -1.0

// DeviceSettings is the unit's user-facing settings snapshot
type DeviceSettings struct {
	Power       string  `json:"power" cbor:"1,keyasint"`
	Mode        string  `json:"mode" cbor:"2,keyasint"`
	Temperature float64 `json:"temperature" cbor:"3,keyasint"`
	Fan         string  `json:"fan" cbor:"4,keyasint"`
	Vane        string  `json:"vane" cbor:"5,keyasint"`
	WideVane    string  `json:"wide_vane" cbor:"6,keyasint"`
	ISee        bool    `json:"isee" cbor:"7,keyasint"`
	Connected   bool    `json:"connected" cbor:"8,keyasint"`
}

// Equal compares two snapshots, floats within CompareEpsilon
func (s DeviceSettings) Equal(o DeviceSettings) bool {
	return s.Power == o.Power &&
		s.Mode == o.Mode &&
		sameValue(s.Temperature, o.Temperature) &&
		s.Fan == o.Fan &&
		s.Vane == o.Vane &&
		s.WideVane == o.WideVane &&
		s.ISee == o.ISee &&
		s.Connected == o.Connected
}

// DeviceStatus is the unit's operating status
type DeviceStatus struct {
	Operating             bool    `json:"operating" cbor:"1,keyasint"`
	CompressorFrequency   float64 `json:"compressor_frequency" cbor:"2,keyasint"`
	InputPower            float64 `json:"input_power" cbor:"3,keyasint"`
	KWh                   float64 `json:"kwh" cbor:"4,keyasint"`
	RuntimeHours          float64 `json:"runtime_hours" cbor:"5,keyasint"`
	RoomTemperature       float64 `json:"room_temperature" cbor:"6,keyasint"`
	OutsideAirTemperature float64 `json:"outside_air_temperature" cbor:"7,keyasint"`
}

// Equal compares two status snapshots, floats within CompareEpsilon
func (s DeviceStatus) Equal(o DeviceStatus) bool {
	return s.Operating == o.Operating &&
		sameValue(s.CompressorFrequency, o.CompressorFrequency) &&
		sameValue(s.InputPower, o.InputPower) &&
		sameValue(s.KWh, o.KWh) &&
		sameValue(s.RuntimeHours, o.RuntimeHours) &&
		sameValue(s.RoomTemperature, o.RoomTemperature) &&
		sameValue(s.OutsideAirTemperature, o.OutsideAirTemperature)
}

// HasOutsideAirTemperature reports whether the unit reported an outdoor reading
func (s DeviceStatus) HasOutsideAirTemperature() bool {
	return !math.IsNaN(s.OutsideAirTemperature)
}

// MarshalJSON writes unknown temperatures as null
func (s DeviceStatus) MarshalJSON() ([]byte, error) {
	type plain DeviceStatus
	return json.Marshal(struct {
		plain
		RoomTemperature       *float64 `json:"room_temperature"`
		OutsideAirTemperature *float64 `json:"outside_air_temperature"`
	}{
		plain:                 plain(s),
		RoomTemperature:       finitePtr(s.RoomTemperature),
		OutsideAirTemperature: finitePtr(s.OutsideAirTemperature),
	})
}

func finitePtr(v float64) *float64 {
	if !floats.Finite(v) {
		return nil
	}
	return &v
}

// Timers holds the unit's on/off timer state, in minutes
type Timers struct {
	Mode             string `json:"mode" cbor:"1,keyasint"`
	OnMinutesSet     int    `json:"on_minutes_set" cbor:"2,keyasint"`
	OnMinutesRemain  int    `json:"on_minutes_remaining" cbor:"3,keyasint"`
	OffMinutesSet    int    `json:"off_minutes_set" cbor:"4,keyasint"`
	OffMinutesRemain int    `json:"off_minutes_remaining" cbor:"5,keyasint"`
}

// WantedSettings holds a pending user request. Empty strings and
// TemperatureUnset mean "leave as is".
type WantedSettings struct {
	Power       string
	Mode        string
	Temperature float64
	Fan         string
	Vane        string
	WideVane    string

	Changed    bool      // modified since the last write
	Sent       bool      // written and awaiting the unit's ack
	LastChange time.Time // time of the latest modification
}

// NewWantedSettings returns an empty request
func NewWantedSettings() WantedSettings {
	return WantedSettings{Temperature: TemperatureUnset}
}

// HasTemperature reports whether a temperature is requested
func (w WantedSettings) HasTemperature() bool {
	return w.Temperature != TemperatureUnset
}

// Empty reports whether no field is requested
func (w WantedSettings) Empty() bool {
	return w.Power == "" && w.Mode == "" && !w.HasTemperature() &&
		w.Fan == "" && w.Vane == "" && w.WideVane == ""
}

// Apply overlays the requested fields onto s
func (w WantedSettings) Apply(s DeviceSettings) DeviceSettings {
	if w.Power != "" {
		s.Power = w.Power
	}
	if w.Mode != "" {
		s.Mode = w.Mode
	}
	if w.HasTemperature() {
		s.Temperature = w.Temperature
	}
	if w.Fan != "" {
		s.Fan = w.Fan
	}
	if w.Vane != "" {
		s.Vane = w.Vane
	}
	if w.WideVane != "" {
		s.WideVane = w.WideVane
	}
	return s
}

// Satisfied reports whether every requested field already matches s
func (w WantedSettings) Satisfied(s DeviceSettings) bool {
	return w.Apply(s).Equal(s)
}

func sameValue(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	if a == b {
		return true
	}
	return floats.Same(a, b, CompareEpsilon)
}
