// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package framelog

import "io"

// Tap records everything read from and written to a port
type Tap struct {
	port io.ReadWriteCloser
	rec  *Writer
	// OnError sees recording failures; traffic is never interrupted by them
	OnError func(error)
}

// NewTap wraps port, recording into rec
func NewTap(port io.ReadWriteCloser, rec *Writer) *Tap {
	return &Tap{port: port, rec: rec}
}

func (t *Tap) record(dir Direction, data []byte) {
	chunk := append([]byte(nil), data...)
	if err := t.rec.Record(dir, chunk); err != nil && t.OnError != nil {
		t.OnError(err)
	}
}

func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if n > 0 {
		t.record(RX, p[:n])
	}
	return n, err
}

func (t *Tap) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if n > 0 {
		t.record(TX, p[:n])
	}
	return n, err
}

// Close closes the port; the recording stays open
func (t *Tap) Close() error {
	return t.port.Close()
}
