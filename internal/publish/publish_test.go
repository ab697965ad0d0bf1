// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/pkg/cn105"
)

// ============================================================
// Fakes
// ============================================================

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  string
}

// fakeClient implements the publishing half of mqtt.Client
type fakeClient struct {
	mqtt.Client
	msgs         []published
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	if c.err != nil {
		return doneToken{err: c.err}
	}
	c.msgs = append(c.msgs, published{topic: topic, retained: retained, payload: string(payload.([]byte))})
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func (c *fakeClient) topics() []string {
	var out []string
	for _, m := range c.msgs {
		out = append(out, m.topic)
	}
	return out
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func sampleState() State {
	return State{
		Session:   "s1",
		Time:      time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Connected: true,
		Settings:  cn105.DeviceSettings{Power: "ON", Mode: "HEAT", Temperature: 21.5, Fan: "AUTO", Vane: "AUTO", WideVane: "|"},
		Status:    cn105.DeviceStatus{Operating: true, CompressorFrequency: 42, RoomTemperature: 20.5, OutsideAirTemperature: math.NaN()},
	}
}

// ===== Entities =====

func TestEntityPayloads(t *testing.T) {
	p := EntityPayloads(sampleState())

	assert.Equal(t, "ON", p["power"])
	assert.Equal(t, "21.5", p["target_temperature"])
	assert.Equal(t, "20.5", p["room_temperature"])
	assert.Equal(t, "42", p["compressor_frequency"])
	assert.Equal(t, "true", p["connected"])
	assert.NotContains(t, p, "outside_temperature")
	assert.NotContains(t, p, "control/target")

	s := sampleState()
	s.Climate = &climate.Report{Enabled: true, Target: 22, Corrected: 23.5, Decision: "turn_on"}
	p = EntityPayloads(s)
	assert.Equal(t, "23.5", p["control/corrected"])
	assert.Equal(t, "turn_on", p["control/decision"])
}

// ===== MQTT =====

func TestMQTT_PublishesChangedEntitiesOnly(t *testing.T) {
	client := &fakeClient{}
	sink := NewMQTT(client, "hp", 1, true, nil)
	ctx := context.Background()

	require.NoError(t, sink.PublishState(ctx, sampleState()))
	first := len(client.msgs)
	assert.Equal(t, "hp/state", client.msgs[first-1].topic)
	assert.Contains(t, client.topics(), "hp/power")

	s := sampleState()
	s.Settings.Temperature = 22
	client.msgs = nil
	require.NoError(t, sink.PublishState(ctx, s))
	assert.Equal(t, []string{"hp/target_temperature", "hp/state"}, client.topics())
	assert.True(t, client.msgs[0].retained)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(client.msgs[1].payload), &decoded))
	assert.Equal(t, "s1", decoded["session"])
}

func TestMQTT_FailedPublishIsRetried(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	sink := NewMQTT(client, "hp", 0, false, nil)
	ctx := context.Background()

	assert.Error(t, sink.PublishState(ctx, sampleState()))
	client.err = nil
	require.NoError(t, sink.PublishState(ctx, sampleState()))
	assert.Contains(t, client.topics(), "hp/power")
}

func TestMQTT_EventsAndClose(t *testing.T) {
	client := &fakeClient{}
	sink := NewMQTT(client, "hp", 0, true, nil)

	require.NoError(t, sink.PublishEvent(context.Background(), NewEvent("s1", EventAck, time.Now())))
	require.Len(t, client.msgs, 1)
	assert.Equal(t, "hp/events", client.msgs[0].topic)
	assert.False(t, client.msgs[0].retained)

	require.NoError(t, sink.Close())
	assert.True(t, client.disconnected)
	assert.Equal(t, published{topic: "hp/connected", retained: true, payload: "false"}, client.msgs[1])
}

// ===== Kafka =====

func TestKafka(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafka(w)
	ctx := context.Background()

	require.NoError(t, sink.PublishState(ctx, sampleState()))
	f := cn105.NewFrame(cn105.CmdSetAck, nil)
	require.NoError(t, sink.PublishEvent(ctx, FrameEvent("s1", f, cn105.EventUpdateAcked)))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("s1"), w.msgs[0].Key)
	assert.Equal(t, "state", string(w.msgs[0].Headers[0].Value))
	assert.Equal(t, EventAck, string(w.msgs[1].Headers[0].Value))

	var e Event
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &e))
	assert.Equal(t, "FC 61 01 30 00 6E", e.Frame)
	assert.Equal(t, "acked", e.Changes)
	_, err := uuid.Parse(e.ID)
	assert.NoError(t, err)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

// ===== Events =====

func TestFrameEventType(t *testing.T) {
	f := cn105.NewFrame(cn105.CmdData, []byte{cn105.InfoStatus})
	tests := []struct {
		ev   cn105.Events
		want string
	}{
		{0, EventFrame},
		{cn105.EventConnected, EventConnect},
		{cn105.EventSettingsChanged, EventSettings},
		{cn105.EventRoomTemperature, EventStatus},
		{cn105.EventUpdateAcked | cn105.EventSettingsChanged, EventAck},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrameEvent("s", f, tt.ev).Type, tt.ev.String())
	}
}

func TestMulti(t *testing.T) {
	a, b := &fakeWriter{}, &fakeWriter{}
	m := Multi{NewKafka(a), NewKafka(b)}
	require.NoError(t, m.PublishState(context.Background(), sampleState()))
	require.NoError(t, m.PublishEvent(context.Background(), NewEvent("s1", EventFrame, time.Now())))
	require.NoError(t, m.Close())
	assert.Len(t, a.msgs, 2)
	assert.Len(t, b.msgs, 2)
	assert.True(t, a.closed && b.closed)
}
