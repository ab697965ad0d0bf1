// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyLengthMismatch AnomalyType = iota
	AnomalyInvalidValue
	AnomalyInvalidTemp
	AnomalyUnknownCommand
	AnomalyUnknownSubType
)

// Plausible ranges for decoded temperatures
const (
	roomTempMin = -20.0
	roomTempMax = 60.0
	outdoorMin  = -40.0
	outdoorMax  = 60.0
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateFrame checks a decoded frame for anomalies
// Returns a slice of validation errors (empty if the frame is valid)
func ValidateFrame(f *Frame) []ValidationError {
	errors := []ValidationError{}

	switch f.Command() {
	case CmdSetAck, CmdConnectAck, CmdConnectInstallerAck, CmdSet, CmdGet, CmdConnect, CmdConnectInstaller:
		return errors
	case CmdData:
	default:
		return append(errors, ValidationError{
			Type:    AnomalyUnknownCommand,
			Message: fmt.Sprintf("Unknown command 0x%02X", f.Command()),
			Details: map[string]interface{}{"command": f.Command()},
		})
	}

	data := f.Data()
	if len(data) != DataLength {
		errors = append(errors, ValidationError{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("Data frame length %d (expected %d)", len(data), DataLength),
			Details: map[string]interface{}{"length": len(data), "expected": DataLength},
		})
		if len(data) == 0 {
			return errors
		}
	}

	switch data[0] {
	case InfoSettings:
		errors = append(errors, validateSettings(data)...)
	case InfoRoomTemp:
		errors = append(errors, validateRoomTemp(data)...)
	case InfoTimers:
		if len(data) >= minTimersData {
			errors = append(errors, checkTable(TimerTable, data[3])...)
		}
	case InfoStatus, InfoUnknown, InfoStandby, InfoFunctions1, InfoFunctions2, InfoHVACOptions:
	default:
		errors = append(errors, ValidationError{
			Type:    AnomalyUnknownSubType,
			Message: fmt.Sprintf("Unknown data sub-type 0x%02X", data[0]),
			Details: map[string]interface{}{"subtype": data[0]},
		})
	}
	return errors
}

func checkTable(t Table, b byte) []ValidationError {
	if _, ok := t.Lookup(b); ok {
		return nil
	}
	return []ValidationError{{
		Type:    AnomalyInvalidValue,
		Message: fmt.Sprintf("Invalid %s byte 0x%02X", t.Label, b),
		Details: map[string]interface{}{"field": t.Label, "value": b},
	}}
}

func validateSettings(data []byte) []ValidationError {
	if len(data) < minSettingsData {
		return nil
	}
	errors := []ValidationError{}
	errors = append(errors, checkTable(PowerTable, data[3])...)
	mode := data[4]
	if mode > 0x08 {
		mode -= 0x08
	}
	errors = append(errors, checkTable(ModeTable, mode)...)
	errors = append(errors, checkTable(FanTable, data[6])...)
	errors = append(errors, checkTable(VaneTable, data[7])...)
	if data[10] != 0 {
		errors = append(errors, checkTable(WideVaneTable, data[10]&0x0F)...)
	}

	if data[11] != 0 {
		t := ExtendedTemperature(data[11])
		if t < ExtendedTempMin || t > ExtendedTempMax {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidTemp,
				Message: fmt.Sprintf("Setpoint %.1f out of range", t),
				Details: map[string]interface{}{"setpoint": t},
			})
		}
	} else if _, ok := TableTemperature(data[5]); !ok {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidTemp,
			Message: fmt.Sprintf("Invalid setpoint byte 0x%02X", data[5]),
			Details: map[string]interface{}{"value": data[5]},
		})
	}
	return errors
}

func validateRoomTemp(data []byte) []ValidationError {
	if len(data) < minRoomData {
		return nil
	}
	errors := []ValidationError{}
	s, _ := ParseRoomTemperature(data, DeviceStatus{})
	if s.RoomTemperature < roomTempMin || s.RoomTemperature > roomTempMax {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidTemp,
			Message: fmt.Sprintf("Room temperature %.1f out of range", s.RoomTemperature),
			Details: map[string]interface{}{"room": s.RoomTemperature},
		})
	}
	if s.HasOutsideAirTemperature() && (s.OutsideAirTemperature < outdoorMin || s.OutsideAirTemperature > outdoorMax) {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidTemp,
			Message: fmt.Sprintf("Outside temperature %.1f out of range", s.OutsideAirTemperature),
			Details: map[string]interface{}{"outside": s.OutsideAirTemperature},
		})
	}
	return errors
}
