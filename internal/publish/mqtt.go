// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/cn105ctl/internal/config"
)

const publishTimeout = 5 * time.Second

// EntityPayloads maps each entity of s to its topic suffix and payload.
// Unknown temperatures are left out.
func EntityPayloads(s State) map[string]string {
	out := map[string]string{
		"connected":            strconv.FormatBool(s.Connected),
		"power":                s.Settings.Power,
		"mode":                 s.Settings.Mode,
		"target_temperature":   formatTemp(s.Settings.Temperature),
		"fan":                  s.Settings.Fan,
		"vane":                 s.Settings.Vane,
		"wide_vane":            s.Settings.WideVane,
		"isee":                 strconv.FormatBool(s.Settings.ISee),
		"operating":            strconv.FormatBool(s.Status.Operating),
		"compressor_frequency": strconv.FormatFloat(s.Status.CompressorFrequency, 'f', -1, 64),
		"input_power":          strconv.FormatFloat(s.Status.InputPower, 'f', -1, 64),
		"kwh":                  strconv.FormatFloat(s.Status.KWh, 'f', 1, 64),
		"runtime_hours":        strconv.FormatFloat(s.Status.RuntimeHours, 'f', 2, 64),
	}
	if !math.IsNaN(s.Status.RoomTemperature) {
		out["room_temperature"] = formatTemp(s.Status.RoomTemperature)
	}
	if s.Status.HasOutsideAirTemperature() {
		out["outside_temperature"] = formatTemp(s.Status.OutsideAirTemperature)
	}
	if s.Climate != nil {
		out["control/enabled"] = strconv.FormatBool(s.Climate.Enabled)
		out["control/target"] = formatTemp(s.Climate.Target)
		out["control/corrected"] = formatTemp(s.Climate.Corrected)
		out["control/decision"] = s.Climate.Decision
	}
	return out
}

func formatTemp(t float64) string {
	return strconv.FormatFloat(t, 'f', 1, 64)
}

// MQTT publishes entity topics and the full state as JSON under a prefix.
// Entity topics are only republished when their payload changes.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	log    logrus.FieldLogger

	mu   sync.Mutex
	last map[string]string
}

// NewMQTT wraps a connected client
func NewMQTT(client mqtt.Client, prefix string, qos byte, retain bool, log logrus.FieldLogger) *MQTT {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &MQTT{
		client: client,
		prefix: prefix,
		qos:    qos,
		retain: retain,
		log:    log.WithField("component", "mqtt"),
		last:   map[string]string{},
	}
}

// DialMQTT connects to the configured broker. An empty client id gets a
// random one.
func DialMQTT(cfg config.MQTTConfig, log logrus.FieldLogger) (*MQTT, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "cn105ctl-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetWill(cfg.TopicPrefix+"/connected", "false", cfg.QoS, true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return NewMQTT(client, cfg.TopicPrefix, cfg.QoS, cfg.Retain, log), nil
}

func (m *MQTT) topic(suffix string) string {
	return m.prefix + "/" + suffix
}

func (m *MQTT) publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, m.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}

// PublishState publishes changed entities and the full JSON state
func (m *MQTT) PublishState(_ context.Context, s State) error {
	payloads := EntityPayloads(s)
	keys := make([]string, 0, len(payloads))
	for k := range payloads {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if prev, ok := m.last[k]; ok && prev == payloads[k] {
			continue
		}
		if err := m.publish(m.topic(k), []byte(payloads[k])); err != nil {
			return err
		}
		m.last[k] = payloads[k]
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.publish(m.topic("state"), data)
}

// PublishEvent publishes e on the events topic, never retained
func (m *MQTT) PublishEvent(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic("events"), m.qos, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish events: timeout")
	}
	return token.Error()
}

// Close marks the unit offline and disconnects
func (m *MQTT) Close() error {
	if err := m.publish(m.topic("connected"), []byte("false")); err != nil {
		m.log.WithError(err).Debug("offline marker not published")
	}
	m.client.Disconnect(250)
	return nil
}
