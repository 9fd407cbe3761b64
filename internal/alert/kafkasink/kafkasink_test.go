package kafkasink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postureguard/internal/alert"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Topic: "t"})
	require.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	s, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "posture-alerts"})
	require.NoError(t, err)
	assert.Equal(t, "kafka", s.Name())
}

func TestDeliver_KeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	s := &Sink{w: w}
	ts := time.Date(2026, 10, 19, 12, 51, 19, 0, time.UTC)

	p := alert.Payload{Key: "k-1", Timestamp: ts, Status: "bad posture", InstanceID: "inst"}
	require.NoError(t, s.Deliver(context.Background(), p))
	require.Len(t, w.msgs, 1)

	m := w.msgs[0]
	assert.Equal(t, "k-1", string(m.Key))
	assert.True(t, m.Time.Equal(ts))
	require.Len(t, m.Headers, 2)
	assert.Equal(t, "bad posture", string(m.Headers[0].Value))

	var doc alert.Payload
	require.NoError(t, json.Unmarshal(m.Value, &doc))
	assert.Equal(t, "inst", doc.InstanceID)
}

func TestDeliver_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := &Sink{w: w}
	err := s.Deliver(context.Background(), alert.Payload{Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	s := &Sink{w: w}
	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}
