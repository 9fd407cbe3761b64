package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"postureguard/internal/alert"
	"postureguard/internal/alert/buzzer"
	"postureguard/internal/alert/kafkasink"
	"postureguard/internal/alert/mqttsink"
	"postureguard/internal/alert/redisstore"
	"postureguard/internal/alert/rtdb"
	"postureguard/internal/alert/sqlstore"
	"postureguard/internal/config"
	"postureguard/internal/engine"
	"postureguard/internal/metrics"
	"postureguard/internal/posture"
	"postureguard/internal/replay"
	"postureguard/internal/sensorarray"
	"postureguard/internal/sensors"
	"postureguard/internal/sim"
	"postureguard/internal/udp"
	"postureguard/internal/web"
)

type runtimeOptions struct {
	InstanceID string
	Logs       *web.LogBuffer
	Log        *zap.Logger
	// Clock overrides the engine clock (tests).
	Clock engine.Clock
}

type liveRuntime struct {
	cfg        config.Config
	log        *zap.Logger
	instanceID string

	metrics *metrics.Metrics
	status  *web.Status
	stream  *web.FrameBroadcaster
	logs    *web.LogBuffer

	bank      *sensors.Bank
	simSrc    *sim.Source
	replaySrc *replay.Source
	recording *replay.Writer

	array    *sensorarray.Array
	monitor  *posture.Monitor
	fanout   *alert.Fanout
	sqlStore *sqlstore.Store
	udp      *udp.Broadcaster
	engine   *engine.Engine

	mu      sync.Mutex
	cycles  int
	stopRun context.CancelFunc

	closeOnce sync.Once
}

func newLiveRuntime(ctx context.Context, cfg config.Config, opts runtimeOptions) (*liveRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.InstanceID == "" {
		return nil, fmt.Errorf("instance id is empty")
	}

	r := &liveRuntime{
		cfg:        c,
		log:        log,
		instanceID: opts.InstanceID,
		metrics:    metrics.New(),
		status:     web.NewStatus(),
		stream:     web.NewFrameBroadcaster(),
		logs:       opts.Logs,
	}
	r.status.SetStatic(c.Source, r.instanceID, c.Monitor.Period)

	reader, beginCycle, err := r.initSource(ctx)
	if err != nil {
		r.Close()
		return nil, err
	}

	if c.Record.Enable {
		w, err := replay.CreateWriter(c.Record.Path, time.Now().UTC())
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("record: %w", err)
		}
		r.recording = w
		reader = replay.NewRecorder(reader, w, nil, log.Named("record"))
		log.Info("recording sensor readings", zap.String("path", c.Record.Path))
	}

	r.array, err = sensorarray.New(len(c.Sensors), reader,
		sensorarray.WithLogger(log.Named("sensorarray")),
		sensorarray.WithObserver(r.metrics),
	)
	if err != nil {
		r.Close()
		return nil, err
	}

	if err := r.initAlerts(ctx); err != nil {
		r.Close()
		return nil, err
	}

	source, _ := os.Hostname()
	if source == "" {
		source = "postureguard"
	}
	r.monitor, err = posture.NewMonitor(posture.Config{
		ReferenceSensor: c.Monitor.ReferenceSensor,
		PitchBaseDeg:    c.Monitor.PitchBaseDeg,
		RollBaseDeg:     c.Monitor.RollBase(),
		ToleranceDeg:    c.Monitor.ToleranceDeg,
		Sustained:       c.Monitor.Sustained,
		Period:          c.Monitor.Period,
		StatusLabel:     c.Monitor.StatusLabel,
		Source:          source,
	}, r.fanout, log.Named("posture"))
	if err != nil {
		r.Close()
		return nil, err
	}

	if dest := strings.TrimSpace(c.Telemetry.UDPDest); dest != "" {
		b, err := udp.NewBroadcaster(dest, log.Named("telemetry"))
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("udp telemetry init failed: %w", err)
		}
		r.udp = b
	}

	engOpts := []engine.Option{
		engine.WithLogger(log.Named("engine")),
		engine.WithObserver(r.metrics),
		engine.WithObserver(r.status),
		engine.WithObserver(r.stream),
	}
	if opts.Clock != nil {
		engOpts = append(engOpts, engine.WithClock(opts.Clock))
	}
	if beginCycle != nil {
		engOpts = append(engOpts, engine.WithBeforeCycle(beginCycle))
	}
	if r.udp != nil {
		engOpts = append(engOpts, engine.WithObserver(r.udp))
	}
	if r.recording != nil {
		w := r.recording
		engOpts = append(engOpts, engine.WithObserver(engine.ObserverFunc(func(engine.Report) { _ = w.Flush() })))
	}
	if r.replaySrc != nil && !c.Replay.Loop {
		engOpts = append(engOpts, engine.WithObserver(engine.ObserverFunc(r.observeReplayProgress)))
	}
	r.engine, err = engine.New(engine.Config{
		Period:          c.Monitor.Period,
		ReferenceSensor: c.Monitor.ReferenceSensor,
	}, r.array, r.monitor, engOpts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// initSource picks the sensor collaborator. beginCycle is nil for hardware.
func (r *liveRuntime) initSource(ctx context.Context) (sensorarray.Reader, func(time.Time), error) {
	c := r.cfg
	switch c.Source {
	case config.SourceSim:
		script, err := sim.LoadScenarioScript(c.Sim.Scenario)
		if err != nil {
			return nil, nil, fmt.Errorf("sim scenario: %w", err)
		}
		scn, err := sim.NewScenario(script)
		if err != nil {
			return nil, nil, err
		}
		src, err := sim.NewSource(scn, len(c.Sensors), c.Sim.Loop)
		if err != nil {
			return nil, nil, err
		}
		r.simSrc = src
		r.log.Info("sensor source: simulation",
			zap.String("scenario", c.Sim.Scenario),
			zap.Duration("duration", scn.Duration()),
			zap.Bool("loop", c.Sim.Loop))
		return src, src.BeginCycle, nil

	case config.SourceReplay:
		recs, err := replay.LoadFile(c.Replay.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("replay: %w", err)
		}
		src, err := replay.NewSource(recs, c.Replay.Loop)
		if err != nil {
			return nil, nil, err
		}
		r.replaySrc = src
		r.log.Info("sensor source: replay",
			zap.String("path", c.Replay.Path),
			zap.Int("cycles", src.Len()),
			zap.Bool("loop", c.Replay.Loop))
		return src, src.BeginCycle, nil

	default:
		descs := make([]sensors.Descriptor, len(c.Sensors))
		for i, s := range c.Sensors {
			descs[i] = sensors.Descriptor{Name: s.Name, Bus: s.Bus, Address: s.Address}
		}
		bank, err := sensors.New(descs,
			sensors.WithLogger(r.log.Named("sensors")),
			sensors.WithReprobeInterval(c.Hardware.ReprobeInterval),
		)
		if err != nil {
			return nil, nil, err
		}
		// Devices that fail bring-up stay absent; the bank retries them later.
		bank.Start(ctx)
		r.bank = bank
		return bank, nil, nil
	}
}

func (r *liveRuntime) initAlerts(ctx context.Context) error {
	c := r.cfg.Alerts
	r.fanout = alert.NewFanout(r.instanceID,
		alert.WithLogger(r.log.Named("alert")),
		alert.WithObserver(r.metrics),
		alert.WithTimeout(c.Timeout),
	)

	if c.SQL.Enable {
		s, err := sqlstore.Open(ctx, c.SQL.Driver, c.SQL.DSN)
		if err != nil {
			return err
		}
		r.sqlStore = s
		r.fanout.Add(s, true)
	}
	if c.RTDB.Enable {
		s, err := rtdb.New(rtdb.Config{
			BaseURL:   c.RTDB.BaseURL,
			Path:      c.RTDB.Path,
			AuthToken: c.RTDB.AuthToken,
			Timeout:   c.Timeout,
		})
		if err != nil {
			return err
		}
		r.fanout.Add(s, true)
	}
	if c.MQTT.Enable {
		clientID := c.MQTT.ClientID
		if clientID == "" {
			clientID = "postureguard-" + shortID(r.instanceID)
		}
		s, err := mqttsink.New(mqttsink.Config{
			Broker:   c.MQTT.Broker,
			Topic:    c.MQTT.Topic,
			QoS:      c.MQTT.QoS,
			ClientID: clientID,
			Username: c.MQTT.Username,
			Password: c.MQTT.Password,
		}, r.log.Named("mqtt"))
		if err != nil {
			return err
		}
		r.fanout.Add(s, true)
	}
	if c.Redis.Enable {
		s, err := redisstore.New(redisstore.Config{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
			TTL:      c.Redis.TTL,
		})
		if err != nil {
			return err
		}
		r.fanout.Add(s, true)
	}
	if c.Kafka.Enable {
		s, err := kafkasink.New(kafkasink.Config{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic})
		if err != nil {
			return err
		}
		r.fanout.Add(s, true)
	}
	if c.Buzzer.Enable {
		s, err := buzzer.New(buzzer.Config{Chip: c.Buzzer.Chip, Line: c.Buzzer.Line, Pulse: c.Buzzer.Pulse})
		if err != nil {
			// Keep running without the buzzer; it never decides delivery.
			r.log.Warn("buzzer init failed", zap.Error(err))
		} else {
			r.fanout.Add(s, false)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// observeReplayProgress stops Run once a non-looping replay has served every
// recorded cycle.
func (r *liveRuntime) observeReplayProgress(engine.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
	if r.cycles >= r.replaySrc.Len() && r.stopRun != nil {
		r.log.Info("replay finished", zap.Int("cycles", r.cycles))
		r.stopRun()
	}
}

func (r *liveRuntime) webDeps() web.Deps {
	d := web.Deps{
		Status:    r.status,
		Monitor:   r.monitor,
		Slots:     r.array,
		Logs:      r.logs,
		Stream:    r.stream,
		Metrics:   r.metrics.Handler(),
		AccessLog: zap.NewStdLog(r.log.Named("http")).Writer(),
	}
	if r.bank != nil {
		d.Devices = r.bank
	}
	if r.sqlStore != nil {
		d.Alerts = r.sqlStore
	}
	return d
}

// Run serves the web surface and drives the engine until ctx ends or a
// non-looping replay runs out. A web listener failure stops the runtime.
func (r *liveRuntime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.stopRun = cancel
	r.mu.Unlock()

	var wg sync.WaitGroup
	webErr := make(chan error, 1)
	if listen := strings.TrimSpace(r.cfg.Web.Listen); listen != "" {
		h := web.Handler(r.webDeps())
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := web.Serve(runCtx, listen, h)
			if err != nil && runCtx.Err() == nil {
				r.log.Error("web server stopped", zap.String("listen", listen), zap.Error(err))
				webErr <- err
				cancel()
			}
		}()
	}

	err := r.engine.Run(runCtx)
	cancel()
	wg.Wait()

	select {
	case werr := <-webErr:
		return fmt.Errorf("web: %w", werr)
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && runCtx.Err() == nil {
		return err
	}
	return nil
}

func (r *liveRuntime) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		if r.fanout != nil {
			if err := r.fanout.Close(); err != nil {
				r.log.Warn("closing alert sinks", zap.Error(err))
			}
		}
		if r.udp != nil {
			_ = r.udp.Close()
		}
		if r.recording != nil {
			if err := r.recording.Close(); err != nil {
				r.log.Warn("closing recording", zap.Error(err))
			}
		}
		if r.bank != nil {
			_ = r.bank.Close()
		}
	})
}
