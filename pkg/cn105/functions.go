// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cn105

// Installer function codes
const (
	FunctionsHalfSize = 15
	FunctionCodeMin   = 101
	FunctionCodeMax   = 128
	FunctionValueMin  = 1
	FunctionValueMax  = 3
)

// Functions is the installer function table, read in two halves of 15 bytes.
// Each byte packs a code in the high six bits (code-100) and a value 1..3 in
// the low two.
type Functions struct {
	data1  [FunctionsHalfSize]byte
	data2  [FunctionsHalfSize]byte
	valid1 bool
	valid2 bool
}

// Function is one decoded entry of the table
type Function struct {
	Code  int `json:"code"`
	Value int `json:"value"`
}

// SetData1 stores the first half (info 0x20)
func (f *Functions) SetData1(data []byte) {
	copy(f.data1[:], data)
	f.valid1 = len(data) >= FunctionsHalfSize
}

// SetData2 stores the second half (info 0x22)
func (f *Functions) SetData2(data []byte) {
	copy(f.data2[:], data)
	f.valid2 = len(data) >= FunctionsHalfSize
}

// Data1 returns the first half
func (f *Functions) Data1() []byte {
	return f.data1[:]
}

// Data2 returns the second half
func (f *Functions) Data2() []byte {
	return f.data2[:]
}

// Valid reports whether both halves have been received
func (f *Functions) Valid() bool {
	return f.valid1 && f.valid2
}

// Clear forgets both halves
func (f *Functions) Clear() {
	*f = Functions{}
}

func (f *Functions) slot(code int) *byte {
	for i := range f.data1 {
		if f.data1[i] != 0 && functionCode(f.data1[i]) == code {
			return &f.data1[i]
		}
	}
	for i := range f.data2 {
		if f.data2[i] != 0 && functionCode(f.data2[i]) == code {
			return &f.data2[i]
		}
	}
	return nil
}

// Get returns the value of code, or 0 if the code is out of range or absent
func (f *Functions) Get(code int) int {
	if code < FunctionCodeMin || code > FunctionCodeMax {
		return 0
	}
	if p := f.slot(code); p != nil {
		return functionValue(*p)
	}
	return 0
}

// Set updates code to value. It returns false when either is out of range or
// the code is not present in the table.
func (f *Functions) Set(code, value int) bool {
	if code < FunctionCodeMin || code > FunctionCodeMax {
		return false
	}
	if value < FunctionValueMin || value > FunctionValueMax {
		return false
	}
	p := f.slot(code)
	if p == nil {
		return false
	}
	*p = byte(((code - 100) << 2) + value)
	return true
}

// List returns every populated entry in table order
func (f *Functions) List() []Function {
	var out []Function
	for _, half := range [][]byte{f.data1[:], f.data2[:]} {
		for _, b := range half {
			if b == 0 {
				continue
			}
			out = append(out, Function{Code: functionCode(b), Value: functionValue(b)})
		}
	}
	return out
}

func functionCode(b byte) int {
	return int(b>>2) + 100
}

func functionValue(b byte) int {
	return int(b & 0x03)
}
