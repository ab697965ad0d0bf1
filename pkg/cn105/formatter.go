// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"fmt"
	"strings"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.timestamp.Format("15:04:05.000")
	name := FormatCommand(f.command)

	if f.command == CmdData && len(f.data) > 0 {
		result := fmt.Sprintf("[%s] %s/%s (0x%02X/0x%02X) len=%d\n", timestamp, name, FormatSubType(f.data[0]), f.command, f.data[0], len(f.data))
		return result + FormatData(f.data)
	}
	return fmt.Sprintf("[%s] %s (0x%02X) len=%d\n", timestamp, name, f.command, len(f.data))
}

// FormatCommand returns the human-readable name for a command byte
func FormatCommand(cmd uint8) string {
	switch cmd {
	case CmdSet:
		return "SET"
	case CmdGet:
		return "GET"
	case CmdConnect:
		return "CONNECT"
	case CmdConnectInstaller:
		return "CONNECT_INSTALLER"
	case CmdSetAck:
		return "SET_ACK"
	case CmdData:
		return "DATA"
	case CmdConnectAck:
		return "CONNECT_ACK"
	case CmdConnectInstallerAck:
		return "CONNECT_INSTALLER_ACK"
	default:
		return "UNKNOWN"
	}
}

// FormatSubType returns the human-readable name for an info code
func FormatSubType(sub uint8) string {
	switch sub {
	case InfoSettings:
		return "SETTINGS"
	case InfoRoomTemp:
		return "ROOM_TEMP"
	case InfoUnknown:
		return "UNKNOWN_04"
	case InfoTimers:
		return "TIMERS"
	case InfoStatus:
		return "STATUS"
	case InfoStandby:
		return "STANDBY"
	case InfoFunctions1:
		return "FUNCTIONS_1"
	case InfoFunctions2:
		return "FUNCTIONS_2"
	case InfoHVACOptions:
		return "HVAC_OPTIONS"
	default:
		return "UNKNOWN"
	}
}

// FormatData formats the decoded fields of a data frame, one indented line
func FormatData(data []byte) string {
	switch data[0] {
	case InfoSettings:
		s, err := ParseSettings(data)
		if err != nil {
			return fmt.Sprintf("  error=%v\n", err)
		}
		line := fmt.Sprintf("  power=%s mode=%s temp=%.1f fan=%s vane=%s", s.Power, s.Mode, s.Temperature, s.Fan, s.Vane)
		if s.WideVane != "" {
			line += " wideVane=" + s.WideVane
		}
		if s.ISee {
			line += " isee"
		}
		return line + "\n"

	case InfoRoomTemp:
		s, err := ParseRoomTemperature(data, DeviceStatus{})
		if err != nil {
			return fmt.Sprintf("  error=%v\n", err)
		}
		outside := "n/a"
		if s.HasOutsideAirTemperature() {
			outside = fmt.Sprintf("%.1f", s.OutsideAirTemperature)
		}
		return fmt.Sprintf("  room=%.1f outside=%s runtime=%.1fh\n", s.RoomTemperature, outside, s.RuntimeHours)

	case InfoStatus:
		s, err := ParseStatus(data, DeviceStatus{})
		if err != nil {
			return fmt.Sprintf("  error=%v\n", err)
		}
		return fmt.Sprintf("  operating=%t freq=%.0f power=%.0fW energy=%.1fkWh\n", s.Operating, s.CompressorFrequency, s.InputPower, s.KWh)

	case InfoTimers:
		t, err := ParseTimers(data)
		if err != nil {
			return fmt.Sprintf("  error=%v\n", err)
		}
		return fmt.Sprintf("  mode=%s on=%d/%dmin off=%d/%dmin\n", t.Mode, t.OnMinutesRemain, t.OnMinutesSet, t.OffMinutesRemain, t.OffMinutesSet)
	}
	return "  " + FormatBytes(data) + "\n"
}

// FormatBytes formats bytes as space separated hex
func FormatBytes(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}
