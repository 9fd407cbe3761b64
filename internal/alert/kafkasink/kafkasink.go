// Package kafkasink appends alerts to a Kafka topic keyed by dispatch key.
package kafkasink

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"postureguard/internal/alert"
)

type Config struct {
	Brokers []string
	Topic   string
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	w writer
}

func New(cfg Config) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkasink: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafkasink: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Sink{w: w}, nil
}

func (s *Sink) Name() string { return "kafka" }

func (s *Sink) Deliver(ctx context.Context, p alert.Payload) error {
	doc, err := p.JSON()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(p.Key),
		Value: doc,
		Time:  p.Timestamp,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(p.Status)},
			{Key: "instance_id", Value: []byte(p.InstanceID)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkasink: write %s: %w", p.Key, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.w.Close()
}
