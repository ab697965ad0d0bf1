// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package framelog records raw link traffic as a stream of CBOR records and
// plays it back.
//
// A recording starts with one Header followed by any number of Records. Data
// is stored as it crossed the port, so a replay runs the same byte chunks
// through the decoder.
package framelog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is the recording format version
const Version = 1

// Direction of a chunk relative to this host
type Direction uint8

const (
	RX Direction = iota // from the unit
	TX                  // to the unit
)

func (d Direction) String() string {
	if d == TX {
		return "TX"
	}
	return "RX"
}

// Header opens a recording
type Header struct {
	Version int       `cbor:"1,keyasint"`
	Session string    `cbor:"2,keyasint"`
	Started time.Time `cbor:"3,keyasint"`
	Source  string    `cbor:"4,keyasint,omitempty"`
}

// Record is one chunk of traffic
type Record struct {
	Time time.Time `cbor:"1,keyasint"`
	Dir  Direction `cbor:"2,keyasint"`
	Data []byte    `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("framelog: encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("framelog: decoder mode: %v", err))
	}
}

// ===== Writing =====

// Writer appends records to a recording. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *cbor.Encoder
	now    func() time.Time
	header Header
	closed bool
}

// NewWriter writes a header for source to w and returns the writer
func NewWriter(w io.Writer, source string) (*Writer, error) {
	fw := &Writer{w: w, enc: encMode.NewEncoder(w), now: time.Now}
	fw.header = Header{Version: Version, Session: uuid.NewString(), Started: fw.now(), Source: source}
	if err := fw.enc.Encode(fw.header); err != nil {
		return nil, fmt.Errorf("framelog: header: %w", err)
	}
	return fw, nil
}

// Create opens path for writing, truncating it, and writes the header
func Create(path, source string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, source)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Header returns the header written at creation
func (w *Writer) Header() Header {
	return w.header
}

// Record appends one chunk
func (w *Writer) Record(dir Direction, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	return w.enc.Encode(Record{Time: w.now(), Dir: dir, Data: data})
}

// Close closes the underlying writer when it is a Closer
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ===== Reading =====

// Reader walks a recording
type Reader struct {
	dec    *cbor.Decoder
	header Header
}

// NewReader reads and checks the header
func NewReader(r io.Reader) (*Reader, error) {
	fr := &Reader{dec: decMode.NewDecoder(r)}
	if err := fr.dec.Decode(&fr.header); err != nil {
		return nil, fmt.Errorf("framelog: header: %w", err)
	}
	if fr.header.Version != Version {
		return nil, fmt.Errorf("framelog: unsupported version %d", fr.header.Version)
	}
	return fr, nil
}

// Header returns the recording's header
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record, or io.EOF at the end
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("framelog: truncated record: %w", err)
		}
		return Record{}, err
	}
	return rec, nil
}

// Each calls fn for every record in order. It stops at the first error fn
// returns.
func (r *Reader) Each(fn func(Record) error) error {
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
