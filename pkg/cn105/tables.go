// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"math"
	"strings"
)

// Table maps symbolic setting names to their wire bytes. Index 0 is the
// fallback for anything that does not resolve.
type Table struct {
	Label  string
	names  []string
	values []byte
}

func newTable(label string, names []string, values []byte) Table {
	if len(names) != len(values) {
		panic("cn105: table " + label + " has mismatched names and values")
	}
	return Table{Label: label, names: names, values: values}
}

// Setting names
const (
	PowerOff = "OFF"
	PowerOn  = "ON"

	ModeHeat = "HEAT"
	ModeDry  = "DRY"
	ModeCool = "COOL"
	ModeFan  = "FAN"
	ModeAuto = "AUTO"

	FanAuto  = "AUTO"
	FanQuiet = "QUIET"

	VaneAuto  = "AUTO"
	VaneSwing = "SWING"

	WideVaneCenter = "|"
	WideVaneSwing  = "SWING"

	TimerNone = "NONE"
	TimerOff  = "OFF"
	TimerOn   = "ON"
	TimerBoth = "BOTH"
)

// Setting tables
var (
	PowerTable    = newTable("power", []string{PowerOff, PowerOn}, []byte{0x00, 0x01})
	ModeTable     = newTable("mode", []string{ModeHeat, ModeDry, ModeCool, ModeFan, ModeAuto}, []byte{0x01, 0x02, 0x03, 0x07, 0x08})
	FanTable      = newTable("fan", []string{FanAuto, FanQuiet, "1", "2", "3", "4"}, []byte{0x00, 0x01, 0x02, 0x03, 0x05, 0x06})
	VaneTable     = newTable("vane", []string{VaneAuto, "1", "2", "3", "4", "5", VaneSwing}, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x07})
	WideVaneTable = newTable("wideVane", []string{"<<", "<", WideVaneCenter, ">", ">>", "<>", WideVaneSwing}, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x08, 0x0C})
	TimerTable    = newTable("timer", []string{TimerNone, TimerOff, TimerOn, TimerBoth}, []byte{0x00, 0x01, 0x02, 0x03})
)

// Temperature tables
const (
	TableTempMax    = 31.0 // setpoint for byte 0x00
	TableTempMin    = 16.0 // setpoint for byte 0x0F
	ExtendedTempMin = 10.0
	ExtendedTempMax = 31.0
	RoomTempBase    = 10.0 // room temperature for byte 0x00
	RoomTempBytes   = 0x20
)

// Names returns the symbolic names in table order
func (t Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// Len returns the number of entries
func (t Table) Len() int {
	return len(t.names)
}

// Index returns the index of name (case-insensitive), or -1
func (t Table) Index(name string) int {
	for i, n := range t.names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// Resolve returns the canonical spelling of name and whether it resolved.
// Unknown names resolve to the entry at index 0.
func (t Table) Resolve(name string) (string, bool) {
	if i := t.Index(name); i >= 0 {
		return t.names[i], true
	}
	return t.names[0], false
}

// Byte returns the wire byte for name
func (t Table) Byte(name string) (byte, bool) {
	if i := t.Index(name); i >= 0 {
		return t.values[i], true
	}
	return 0, false
}

// Lookup returns the name for a wire byte and whether it was known.
// Unknown bytes map to the entry at index 0.
func (t Table) Lookup(b byte) (string, bool) {
	for i, v := range t.values {
		if v == b {
			return t.names[i], true
		}
	}
	return t.names[0], false
}

// TableTemperature decodes a setpoint byte of the fixed table (0x00 = 31,
// 0x0F = 16). Unknown bytes decode to 31.
func TableTemperature(b byte) (float64, bool) {
	if b > 0x0F {
		return TableTempMax, false
	}
	return TableTempMax - float64(b), true
}

// TableTemperatureByte encodes a whole-degree setpoint into the fixed table
func TableTemperatureByte(t float64) (byte, bool) {
	whole := math.Floor(t + 0.5)
	if whole < TableTempMin || whole > TableTempMax {
		return 0, false
	}
	return byte(TableTempMax - whole), true
}

// RoomTemperature decodes the legacy room temperature byte (0x00 = 10,
// 0x1F = 41). Unknown bytes decode to 10.
func RoomTemperature(b byte) (float64, bool) {
	if b >= RoomTempBytes {
		return RoomTempBase, false
	}
	return RoomTempBase + float64(b), true
}

// ExtendedTemperature decodes a signed-offset temperature byte, (b-128)/2
func ExtendedTemperature(b byte) float64 {
	return float64(int(b)-128) / 2.0
}

// ExtendedTemperatureByte encodes t as t*2+128
func ExtendedTemperatureByte(t float64) byte {
	return byte(int(t*2) + 128)
}
