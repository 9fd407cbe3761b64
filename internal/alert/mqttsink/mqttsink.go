// Package mqttsink publishes alerts to an MQTT broker.
package mqttsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"postureguard/internal/alert"
)

// ErrNotConnected is returned while the broker connection is down.
var ErrNotConnected = errors.New("mqttsink: not connected")

type Config struct {
	Broker   string
	Topic    string
	QoS      byte
	ClientID string
	Username string
	Password string
}

// client is the subset of mqtt.Client the sink uses.
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Sink struct {
	c     client
	topic string
	qos   byte
}

// New starts connecting in the background; paho keeps retrying until the
// broker is reachable and reconnects after drops.
func New(cfg Config, log *zap.Logger) (*Sink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqttsink: broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("mqttsink: topic is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqttsink: invalid qos %d", cfg.QoS)
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	c := mqtt.NewClient(opts)
	c.Connect()
	return newWithClient(c, cfg.Topic, cfg.QoS), nil
}

func newWithClient(c client, topic string, qos byte) *Sink {
	return &Sink{c: c, topic: topic, qos: qos}
}

func (s *Sink) Name() string { return "mqtt" }

func (s *Sink) Deliver(ctx context.Context, p alert.Payload) error {
	if !s.c.IsConnectionOpen() {
		return ErrNotConnected
	}
	doc, err := p.JSON()
	if err != nil {
		return err
	}
	token := s.c.Publish(s.topic, s.qos, false, doc)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqttsink: publish %s: %w", p.Key, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqttsink: publish %s: %w", p.Key, err)
	}
	return nil
}

func (s *Sink) Close() error {
	s.c.Disconnect(250)
	return nil
}
