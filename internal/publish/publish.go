// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package publish exports the unit's state to other systems: one MQTT topic
// per entity for home automation, and a Kafka stream of link events.
package publish

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// State is the entity snapshot published after each polling cycle
type State struct {
	Session   string               `json:"session"`
	Time      time.Time            `json:"time"`
	Connected bool                 `json:"connected"`
	Settings  cn105.DeviceSettings `json:"settings"`
	Status    cn105.DeviceStatus   `json:"status"`
	Timers    cn105.Timers         `json:"timers"`
	Climate   *climate.Report      `json:"climate,omitempty"`
}

// Event types
const (
	EventFrame    = "frame"
	EventSettings = "settings"
	EventStatus   = "status"
	EventConnect  = "connected"
	EventAck      = "acked"
)

// Event is one entry of the link event stream
type Event struct {
	ID      string    `json:"id"`
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Frame   string    `json:"frame,omitempty"`
	Changes string    `json:"changes,omitempty"`
}

// NewEvent stamps an event with a fresh id
func NewEvent(session, typ string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Session: session, Time: at, Type: typ}
}

// FrameEvent describes an applied frame. The type follows the most
// significant change it caused.
func FrameEvent(session string, f *cn105.Frame, ev cn105.Events) Event {
	typ := EventFrame
	switch {
	case ev.Has(cn105.EventConnected):
		typ = EventConnect
	case ev.Has(cn105.EventUpdateAcked):
		typ = EventAck
	case ev.Has(cn105.EventSettingsChanged):
		typ = EventSettings
	case ev.Has(cn105.EventStatusChanged), ev.Has(cn105.EventRoomTemperature):
		typ = EventStatus
	}
	e := NewEvent(session, typ, f.Timestamp())
	e.Frame = cn105.FormatBytes(f.Bytes())
	if ev != 0 {
		e.Changes = ev.String()
	}
	return e
}

// Sink receives states and events
type Sink interface {
	PublishState(ctx context.Context, s State) error
	PublishEvent(ctx context.Context, e Event) error
	Close() error
}

// Multi fans out to every sink and joins their errors
type Multi []Sink

// PublishState publishes s to every sink
func (m Multi) PublishState(ctx context.Context, s State) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.PublishState(ctx, s))
	}
	return errors.Join(errs...)
}

// PublishEvent publishes e to every sink
func (m Multi) PublishEvent(ctx context.Context, e Event) error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.PublishEvent(ctx, e))
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (m Multi) Close() error {
	var errs []error
	for _, sink := range m {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}
