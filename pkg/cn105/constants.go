// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cn105 implements the CN105 serial protocol spoken by Mitsubishi
// indoor units.
//
// The link runs at 2400 baud, 8E1. Every frame starts with 0xFC, carries a
// command byte, two fixed protocol bytes (0x01 0x30), a data length, the data
// and a one byte checksum. This package provides frame decoding, packet
// building, sub-frame parsing and the settings/status state store.
package cn105

import "time"

// Protocol framing bytes
const (
	StartByte = 0xFC
	Protocol1 = 0x01
	Protocol2 = 0x30
)

// Frame size limits
const (
	HeaderSize    = 5   // start + command + 2 protocol bytes + length
	MaxFrameSize  = 200 // receive buffer capacity
	MaxDataLength = MaxFrameSize - HeaderSize - 1
	PacketLen     = 22 // all outbound set/info packets
	ConnectLen    = 8
	DataLength    = 0x10 // data length of regular outbound packets
)

// Commands
const (
	CmdSet                 = 0x41
	CmdGet                 = 0x42
	CmdConnect             = 0x5A
	CmdConnectInstaller    = 0x5B
	CmdSetAck              = 0x61
	CmdData                = 0x62
	CmdConnectAck          = 0x7A
	CmdConnectInstallerAck = 0x7B
)

// Info request codes, also used as the sub-type of CmdData frames
const (
	InfoSettings    = 0x02
	InfoRoomTemp    = 0x03
	InfoUnknown     = 0x04
	InfoTimers      = 0x05
	InfoStatus      = 0x06
	InfoStandby     = 0x09
	InfoFunctions1  = 0x20
	InfoFunctions2  = 0x22
	InfoHVACOptions = 0x42
)

// Set packet sub-types
const (
	SetSettings          = 0x01
	SetRemoteTemperature = 0x07
	SetFunctions1        = 0x1F
	SetFunctions2        = 0x21
)

// Control mask bits, packet[6] and packet[7] of a settings packet
const (
	ControlPower    = 0x01
	ControlMode     = 0x02
	ControlTemp     = 0x04
	ControlFan      = 0x08
	ControlVane     = 0x10
	ControlWideVane = 0x01 // packet[7]
)

// TimerIncrement is the resolution of timer values on the wire
const TimerIncrement = 10 * time.Minute

// TimerIncrementMinutes is TimerIncrement expressed in minutes
const TimerIncrementMinutes = 10

// Header is the prefix of every settings packet
var Header = [8]byte{StartByte, CmdSet, Protocol1, Protocol2, DataLength, SetSettings, 0x00, 0x00}

// InfoHeader is the prefix of every info request packet
var InfoHeader = [5]byte{StartByte, CmdGet, Protocol1, Protocol2, DataLength}

// Connect is the standard handshake packet, checksum included
var Connect = [ConnectLen]byte{StartByte, CmdConnect, Protocol1, Protocol2, 0x02, 0xCA, 0x01, 0xA8}

// Decoder states (internal)
const (
	stateSeeking = iota
	stateHeader
	stateBody
)
