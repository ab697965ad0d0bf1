// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

// Checksum computes the CN105 checksum over data: 0xFC minus the byte sum,
// truncated to 8 bits
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return StartByte - sum
}
