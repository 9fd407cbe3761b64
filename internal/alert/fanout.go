// Package alert delivers posture alerts to one or more sinks.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"postureguard/internal/posture"
)

var (
	// ErrDuplicateKey is returned by a sink that already holds an alert under
	// the key. Sinks never overwrite.
	ErrDuplicateKey = errors.New("alert: key already exists")
	// ErrAllSinksFailed is returned when no required sink accepted the alert.
	ErrAllSinksFailed = errors.New("alert: no sink accepted the alert")
)

// Sink stores or publishes one alert. Deliver must honor ctx.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, p Payload) error
}

// Observer receives every per-sink outcome. *metrics.Metrics satisfies it.
type Observer interface {
	SinkResult(sink string, err error)
}

type member struct {
	sink     Sink
	required bool
}

// Fanout is a posture.Dispatcher that delivers to every sink concurrently.
// The alert counts as delivered when at least one required sink accepted it,
// or, with no required sinks, when any sink did.
type Fanout struct {
	instanceID string
	timeout    time.Duration
	log        *zap.Logger
	obs        Observer

	mu      sync.Mutex
	members []member
}

type Option func(*Fanout)

func WithLogger(l *zap.Logger) Option {
	return func(f *Fanout) {
		if l != nil {
			f.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(f *Fanout) { f.obs = o }
}

// WithTimeout bounds each sink's Deliver call.
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func NewFanout(instanceID string, opts ...Option) *Fanout {
	f := &Fanout{
		instanceID: instanceID,
		timeout:    5 * time.Second,
		log:        zap.NewNop(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Add registers a sink. Required sinks decide whether delivery succeeded;
// optional ones (a buzzer, say) are best effort.
func (f *Fanout) Add(s Sink, required bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members = append(f.members, member{sink: s, required: required})
}

// Sinks returns the registered sink names in registration order.
func (f *Fanout) Sinks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.members))
	for i, m := range f.members {
		out[i] = m.sink.Name()
	}
	return out
}

// SendAlert implements posture.Dispatcher.
func (f *Fanout) SendAlert(ctx context.Context, key string, ev posture.AlertEvent) error {
	p := NewPayload(key, ev, f.instanceID)

	f.mu.Lock()
	members := append([]member(nil), f.members...)
	f.mu.Unlock()

	f.log.Info("posture alert",
		zap.String("key", key),
		zap.String("status", ev.Status),
		zap.String("episode_age", humanize.RelTime(ev.EpisodeStart, ev.Timestamp, "", "")),
		zap.Int("sinks", len(members)))

	if len(members) == 0 {
		f.log.Warn("alert has no sinks configured", zap.String("key", key))
		return nil
	}

	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m member) {
			defer wg.Done()
			errs[i] = f.deliver(ctx, m.sink, p)
		}(i, m)
	}
	wg.Wait()

	anyRequired := false
	requiredOK := false
	anyOK := false
	var failed []error
	for i, m := range members {
		if m.required {
			anyRequired = true
		}
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("%s: %w", m.sink.Name(), errs[i]))
			continue
		}
		anyOK = true
		if m.required {
			requiredOK = true
		}
	}

	if (anyRequired && requiredOK) || (!anyRequired && anyOK) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrAllSinksFailed, errors.Join(failed...))
}

func (f *Fanout) deliver(ctx context.Context, s Sink, p Payload) (err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
		if f.obs != nil {
			f.obs.SinkResult(s.Name(), err)
		}
		if err != nil {
			f.log.Error("alert delivery failed",
				zap.String("sink", s.Name()),
				zap.String("key", p.Key),
				zap.Duration("took", time.Since(start)),
				zap.Error(err))
			return
		}
		f.log.Debug("alert delivered",
			zap.String("sink", s.Name()),
			zap.String("key", p.Key),
			zap.Duration("took", time.Since(start)))
	}()

	return s.Deliver(ctx, p)
}

// Close closes every sink that holds resources.
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, m := range f.members {
		if c, ok := m.sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", m.sink.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
