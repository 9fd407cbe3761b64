// Package buzzer pulses a GPIO line when an alert fires.
package buzzer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postureguard/internal/alert"
)

type Config struct {
	// Chip is a gpiochip name or path, e.g. "gpiochip0".
	Chip  string
	Line  int
	Pulse time.Duration
}

type line interface {
	SetValue(v int) error
	Close() error
}

var openLineFn = openLine

type Sink struct {
	pulse time.Duration

	mu sync.Mutex
	l  line
}

func New(cfg Config) (*Sink, error) {
	if cfg.Line < 0 {
		return nil, fmt.Errorf("buzzer: invalid line %d", cfg.Line)
	}
	l, err := openLineFn(cfg.Chip, cfg.Line)
	if err != nil {
		return nil, err
	}
	pulse := cfg.Pulse
	if pulse <= 0 {
		pulse = 500 * time.Millisecond
	}
	return &Sink{pulse: pulse, l: l}, nil
}

func (s *Sink) Name() string { return "buzzer" }

// Deliver drives the line high for one pulse. The line is always driven low
// again, even when ctx ends first.
func (s *Sink) Deliver(ctx context.Context, _ alert.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return fmt.Errorf("buzzer: closed")
	}
	if err := s.l.SetValue(1); err != nil {
		return fmt.Errorf("buzzer: set high: %w", err)
	}

	t := time.NewTimer(s.pulse)
	defer t.Stop()
	var waitErr error
	select {
	case <-t.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if err := s.l.SetValue(0); err != nil {
		return fmt.Errorf("buzzer: set low: %w", err)
	}
	return waitErr
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil
	}
	_ = s.l.SetValue(0)
	err := s.l.Close()
	s.l = nil
	return err
}
