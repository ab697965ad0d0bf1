// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heatpump

import "io"

// Opener opens the byte transport to the unit: a serial port or a WebSocket
// bridge
type Opener func() (io.ReadWriteCloser, error)

// portReader drains a port on its own goroutine so Tick never blocks
type portReader struct {
	data chan []byte
	stop chan struct{}
	done chan struct{}
	err  error
}

func startReader(r io.Reader) *portReader {
	pr := &portReader{
		data: make(chan []byte, 64),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go pr.run(r)
	return pr
}

func (pr *portReader) run(r io.Reader) {
	defer close(pr.done)
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case pr.data <- chunk:
			case <-pr.stop:
				return
			}
		}
		if err != nil {
			pr.err = err
			return
		}
	}
}

// halt stops delivery. The goroutine exits once the port is closed.
func (pr *portReader) halt() {
	select {
	case <-pr.stop:
	default:
		close(pr.stop)
	}
}

// finished reports whether the read loop has exited
func (pr *portReader) finished() bool {
	select {
	case <-pr.done:
		return true
	default:
		return false
	}
}
