// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import "time"

// Frame represents a decoded CN105 frame
type Frame struct {
	command   uint8
	data      []byte
	checksum  uint8
	timestamp time.Time
}

// NewFrame creates a frame for command and data, computing the checksum
func NewFrame(command uint8, data []byte) *Frame {
	f := &Frame{
		command:   command,
		data:      append([]byte(nil), data...),
		timestamp: time.Now(),
	}
	raw := f.Bytes()
	f.checksum = raw[len(raw)-1]
	return f
}

// Command returns the frame's command byte
func (f *Frame) Command() uint8 {
	return f.command
}

// Length returns the frame's declared data length
func (f *Frame) Length() uint8 {
	return uint8(len(f.data))
}

// Data returns the frame's data bytes
func (f *Frame) Data() []byte {
	return f.data
}

// SubType returns data[0], the info code of a data response, or 0 for an
// empty frame
func (f *Frame) SubType() uint8 {
	if len(f.data) == 0 {
		return 0
	}
	return f.data[0]
}

// Checksum returns the frame's checksum byte
func (f *Frame) Checksum() uint8 {
	return f.checksum
}

// Timestamp returns the frame's decode timestamp
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// Bytes returns the frame in wire form
func (f *Frame) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(f.data)+1)
	out = append(out, StartByte, f.command, Protocol1, Protocol2, byte(len(f.data)))
	out = append(out, f.data...)
	return append(out, Checksum(out))
}
