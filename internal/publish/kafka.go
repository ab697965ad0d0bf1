// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Thermoquad/cn105ctl/internal/config"
)

// MessageWriter is the subset of *kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes states and events to one topic, keyed by session so a
// session's messages stay ordered
type Kafka struct {
	writer MessageWriter
}

// NewKafka wraps a writer
func NewKafka(w MessageWriter) *Kafka {
	return &Kafka{writer: w}
}

// DialKafka creates a writer for the configured brokers and topic
func DialKafka(cfg config.KafkaConfig) *Kafka {
	return NewKafka(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           100 * time.Millisecond,
	})
}

func (k *Kafka) write(ctx context.Context, key, typ string, at time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Time:    at,
		Headers: []kafka.Header{{Key: "type", Value: []byte(typ)}},
	})
}

// PublishState writes s with type "state"
func (k *Kafka) PublishState(ctx context.Context, s State) error {
	return k.write(ctx, s.Session, "state", s.Time, s)
}

// PublishEvent writes e with its own type
func (k *Kafka) PublishEvent(ctx context.Context, e Event) error {
	return k.write(ctx, e.Session, e.Type, e.Time, e)
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
