// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"math"

	"github.com/Thermoquad/cn105ctl/pkg/floats"
)

// Settings packet slots
const (
	slotMask1       = 6
	slotMask2       = 7
	slotPower       = 8
	slotMode        = 9
	slotTempTable   = 10
	slotFan         = 11
	slotVane        = 12
	slotWideVane    = 18
	slotTempHalfDeg = 19
	slotChecksum    = PacketLen - 1
)

// BuildSettingsPacket builds a 22 byte settings write containing every wanted
// field that differs from current. It returns false when nothing differs.
func BuildSettingsPacket(current DeviceSettings, wanted WantedSettings, tempMode, wideVaneAdj bool) ([]byte, bool) {
	packet := make([]byte, PacketLen)
	copy(packet, Header[:])
	included := false

	if wanted.Power != "" && wanted.Power != current.Power {
		if b, ok := PowerTable.Byte(wanted.Power); ok {
			packet[slotMask1] |= ControlPower
			packet[slotPower] = b
			included = true
		}
	}
	if wanted.Mode != "" && wanted.Mode != current.Mode {
		if b, ok := ModeTable.Byte(wanted.Mode); ok {
			packet[slotMask1] |= ControlMode
			packet[slotMode] = b
			included = true
		}
	}
	if wanted.HasTemperature() && !sameValue(wanted.Temperature, current.Temperature) {
		if tempMode {
			packet[slotMask1] |= ControlTemp
			packet[slotTempHalfDeg] = ExtendedTemperatureByte(wanted.Temperature)
			included = true
		} else if b, ok := TableTemperatureByte(wanted.Temperature); ok {
			packet[slotMask1] |= ControlTemp
			packet[slotTempTable] = b
			included = true
		}
	}
	if wanted.Fan != "" && wanted.Fan != current.Fan {
		if b, ok := FanTable.Byte(wanted.Fan); ok {
			packet[slotMask1] |= ControlFan
			packet[slotFan] = b
			included = true
		}
	}
	if wanted.Vane != "" && wanted.Vane != current.Vane {
		if b, ok := VaneTable.Byte(wanted.Vane); ok {
			packet[slotMask1] |= ControlVane
			packet[slotVane] = b
			included = true
		}
	}
	if wanted.WideVane != "" && wanted.WideVane != current.WideVane {
		if b, ok := WideVaneTable.Byte(wanted.WideVane); ok {
			if wideVaneAdj {
				b |= 0x80
			}
			packet[slotMask2] |= ControlWideVane
			packet[slotWideVane] = b
			included = true
		}
	}

	if !included {
		return nil, false
	}
	packet[slotChecksum] = Checksum(packet[:slotChecksum])
	return packet, true
}

// BuildInfoPacket builds a 22 byte info request for code
func BuildInfoPacket(code byte) []byte {
	packet := make([]byte, PacketLen)
	copy(packet, InfoHeader[:])
	packet[5] = code
	packet[slotChecksum] = Checksum(packet[:slotChecksum])
	return packet
}

// BuildConnectPacket builds the handshake, using the installer command when
// installer is set
func BuildConnectPacket(installer bool) []byte {
	packet := make([]byte, ConnectLen)
	copy(packet, Connect[:])
	if installer {
		packet[1] = CmdConnectInstaller
	}
	packet[ConnectLen-1] = Checksum(packet[:ConnectLen-1])
	return packet
}

// BuildRemoteTemperaturePacket reports an external room temperature to the
// unit. Zero or negative values hand control back to the internal sensor.
func BuildRemoteTemperaturePacket(t float64) []byte {
	packet := make([]byte, PacketLen)
	copy(packet, Header[:])
	packet[5] = SetRemoteTemperature
	if t > 0 {
		v := math.Round(t * 2)
		packet[6] = 0x01
		packet[7] = byte(int(v) - 16)
		packet[8] = byte(int(v) + 128)
	} else {
		packet[8] = 0x80
	}
	packet[slotChecksum] = Checksum(packet[:slotChecksum])
	return packet
}

// NormalizeRemoteTemperature rounds a sensor reading to the unit's 0.5
// resolution, up while heating and down otherwise
func NormalizeRemoteTemperature(t float64, heating bool) float64 {
	if heating {
		return floats.CeilHalf(t)
	}
	return floats.FloorHalf(t)
}

// BuildFunctionsPackets builds the two writes that store the function table
func BuildFunctionsPackets(f *Functions) ([]byte, []byte) {
	build := func(sub byte, data []byte) []byte {
		packet := make([]byte, PacketLen)
		copy(packet, Header[:5])
		packet[5] = sub
		copy(packet[6:6+FunctionsHalfSize], data)
		packet[slotChecksum] = Checksum(packet[:slotChecksum])
		return packet
	}
	return build(SetFunctions1, f.Data1()), build(SetFunctions2, f.Data2())
}
