// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

import (
	"errors"
	"fmt"
)

// Framing errors returned by Decoder.DecodeByte
var (
	ErrBadHeader      = errors.New("bad protocol header")
	ErrFrameTooLarge  = errors.New("declared length exceeds buffer")
	ErrBufferOverflow = errors.New("buffer overflow")
)

// ChecksumError reports a frame whose trailing byte does not match
type ChecksumError struct {
	Command  uint8
	Expected uint8
	Got      uint8
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected 0x%02X, got 0x%02X", e.Expected, e.Got)
}

// IsFramingError reports whether err came from the framing layer rather than
// the checksum
func IsFramingError(err error) bool {
	return errors.Is(err, ErrBadHeader) || errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrBufferOverflow)
}
