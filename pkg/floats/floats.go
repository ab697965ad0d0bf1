// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package floats holds the small float helpers shared by the protocol and
// control packages.
package floats

import "math"

// DefaultEpsilon is the relative tolerance used when none is given.
const DefaultEpsilon = 0.001

// Same reports whether a and b are equal within a relative epsilon of the
// smaller magnitude. NaN never compares equal.
func Same(a, b, epsilon float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	smaller := math.Min(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= smaller*epsilon
}

// Clamp limits value to [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// RoundHalf rounds to the nearest 0.5
func RoundHalf(value float64) float64 {
	return math.Round(value*2) / 2
}

// CeilHalf rounds up to the next 0.5
func CeilHalf(value float64) float64 {
	return math.Ceil(value*2) / 2
}

// FloorHalf rounds down to the previous 0.5
func FloorHalf(value float64) float64 {
	return math.Floor(value*2) / 2
}

// Finite reports whether v is neither NaN nor infinite
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
