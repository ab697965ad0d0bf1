// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"fmt"
	"math"
)

// Minimum data lengths per sub-frame, data[0] being the sub-type
const (
	minSettingsData = 12
	minRoomData     = 14
	minTimersData   = 8
	minStatusData   = 9
)

// ShortDataError reports a data frame too short for its sub-type
type ShortDataError struct {
	SubType uint8
	Length  int
	Need    int
}

func (e *ShortDataError) Error() string {
	return fmt.Sprintf("sub-frame 0x%02X too short: %d bytes (need %d)", e.SubType, e.Length, e.Need)
}

func checkLen(data []byte, need int) error {
	if len(data) < need {
		var sub uint8
		if len(data) > 0 {
			sub = data[0]
		}
		return &ShortDataError{SubType: sub, Length: len(data), Need: need}
	}
	return nil
}

// settingsFrame is a decoded 0x02 sub-frame
type settingsFrame struct {
	settings     DeviceSettings
	extendedTemp bool
	hasWideVane  bool
	wideVaneAdj  bool
}

// ParseSettings decodes a 0x02 data frame. WideVane is left empty when the
// unit did not report it.
func ParseSettings(data []byte) (DeviceSettings, error) {
	sf, err := parseSettings(data)
	return sf.settings, err
}

func parseSettings(data []byte) (settingsFrame, error) {
	var sf settingsFrame
	if err := checkLen(data, minSettingsData); err != nil {
		return sf, err
	}

	s := &sf.settings
	s.Power, _ = PowerTable.Lookup(data[3])

	mode := data[4]
	if mode > 0x08 {
		s.ISee = true
		mode -= 0x08
	}
	s.Mode, _ = ModeTable.Lookup(mode)

	if data[11] != 0x00 {
		s.Temperature = ExtendedTemperature(data[11])
		sf.extendedTemp = true
	} else {
		s.Temperature, _ = TableTemperature(data[5])
	}

	s.Fan, _ = FanTable.Lookup(data[6])
	s.Vane, _ = VaneTable.Lookup(data[7])

	if data[10] != 0x00 {
		s.WideVane, _ = WideVaneTable.Lookup(data[10] & 0x0F)
		sf.hasWideVane = true
		sf.wideVaneAdj = data[10]&0xF0 == 0x80
	}
	return sf, nil
}

// ParseRoomTemperature decodes a 0x03 data frame into prev, leaving the
// fields it does not carry untouched
func ParseRoomTemperature(data []byte, prev DeviceStatus) (DeviceStatus, error) {
	if err := checkLen(data, minRoomData); err != nil {
		return prev, err
	}
	s := prev

	if data[5] > 0x01 {
		s.OutsideAirTemperature = ExtendedTemperature(data[5])
	} else {
		s.OutsideAirTemperature = math.NaN()
	}

	if data[6] != 0x00 {
		s.RoomTemperature = ExtendedTemperature(data[6])
	} else {
		s.RoomTemperature, _ = RoomTemperature(data[3])
	}

	minutes := int(data[11])<<16 | int(data[12])<<8 | int(data[13])
	s.RuntimeHours = float64(minutes) / 60.0
	return s, nil
}

// ParseTimers decodes a 0x05 data frame
func ParseTimers(data []byte) (Timers, error) {
	if err := checkLen(data, minTimersData); err != nil {
		return Timers{}, err
	}
	var t Timers
	t.Mode, _ = TimerTable.Lookup(data[3])
	t.OnMinutesSet = int(data[4]) * TimerIncrementMinutes
	t.OffMinutesSet = int(data[5]) * TimerIncrementMinutes
	t.OnMinutesRemain = int(data[6]) * TimerIncrementMinutes
	t.OffMinutesRemain = int(data[7]) * TimerIncrementMinutes
	return t, nil
}

// ParseStatus decodes a 0x06 data frame into prev, leaving the fields it
// does not carry untouched
func ParseStatus(data []byte, prev DeviceStatus) (DeviceStatus, error) {
	if err := checkLen(data, minStatusData); err != nil {
		return prev, err
	}
	s := prev
	s.CompressorFrequency = float64(data[3])
	s.Operating = data[4] != 0x00
	s.InputPower = float64(int(data[5])<<8 | int(data[6]))
	s.KWh = float64(int(data[7])<<8|int(data[8])) / 10.0
	return s, nil
}
