// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"fmt"
	"time"
)

// Decoder implements the CN105 frame decoder state machine
type Decoder struct {
	state       int
	buffer      []byte
	bufferIndex int
	dataLength  int
	skipped     int
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateSeeking,
		buffer: make([]byte, MaxFrameSize),
	}
}

// Reset returns the decoder to Seeking and discards any partial frame
func (d *Decoder) Reset() {
	d.state = stateSeeking
	d.bufferIndex = 0
	d.dataLength = -1
}

// GetRawBytes returns the bytes of the frame currently being assembled
func (d *Decoder) GetRawBytes() []byte {
	return d.buffer[:d.bufferIndex]
}

// Skipped returns the number of bytes discarded while seeking a start byte
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Seeking reports whether the decoder is between frames
func (d *Decoder) Seeking() bool {
	return d.state == stateSeeking
}

// DecodeByte processes a single byte through the decoder state machine
// Returns a completed frame, or nil if the frame is incomplete
// Returns an error if the frame is rejected; the decoder is then Seeking
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	switch d.state {
	case stateSeeking:
		if b != StartByte {
			d.skipped++
			return nil, nil
		}
		d.buffer[0] = b
		d.bufferIndex = 1
		d.dataLength = -1
		d.state = stateHeader
		return nil, nil

	case stateHeader:
		d.buffer[d.bufferIndex] = b
		d.bufferIndex++
		if d.bufferIndex < HeaderSize {
			return nil, nil
		}
		d.dataLength = int(b)
		if d.dataLength+HeaderSize+1 > MaxFrameSize {
			d.Reset()
			return nil, fmt.Errorf("%w: length %d (max %d)", ErrFrameTooLarge, b, MaxDataLength)
		}
		d.state = stateBody
		return nil, nil

	case stateBody:
		// Check for buffer overflow before accepting byte
		if d.bufferIndex >= MaxFrameSize {
			d.Reset()
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrBufferOverflow, MaxFrameSize)
		}
		d.buffer[d.bufferIndex] = b
		d.bufferIndex++
		if d.bufferIndex < HeaderSize+d.dataLength+1 {
			return nil, nil
		}
		return d.finish()

	default:
		d.Reset()
		return nil, fmt.Errorf("invalid state: %d", d.state)
	}
}

func (d *Decoder) finish() (*Frame, error) {
	end := d.bufferIndex - 1
	expected := Checksum(d.buffer[:end])
	got := d.buffer[end]
	command := d.buffer[1]

	if expected != got {
		d.Reset()
		return nil, &ChecksumError{Command: command, Expected: expected, Got: got}
	}
	if d.buffer[2] != Protocol1 || d.buffer[3] != Protocol2 {
		p1, p2 := d.buffer[2], d.buffer[3]
		d.Reset()
		return nil, fmt.Errorf("%w: 0x%02X 0x%02X", ErrBadHeader, p1, p2)
	}

	frame := &Frame{
		command:   command,
		data:      append([]byte(nil), d.buffer[HeaderSize:end]...),
		checksum:  got,
		timestamp: time.Now(),
	}
	d.Reset()
	return frame, nil
}

// Decode feeds a byte slice through the decoder and collects every complete
// frame and error in arrival order
func (d *Decoder) Decode(data []byte) ([]*Frame, []error) {
	var frames []*Frame
	var errs []error
	for _, b := range data {
		frame, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, errs
}
