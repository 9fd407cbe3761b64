package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceHardware = "hardware"
	SourceSim      = "sim"
	SourceReplay   = "replay"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Sensors   []SensorConfig  `yaml:"sensors"`
	Source    string          `yaml:"source"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Sim       SimConfig       `yaml:"sim"`
	Replay    ReplayConfig    `yaml:"replay"`
	Record    RecordConfig    `yaml:"record"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Web       WebConfig       `yaml:"web"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SensorConfig describes one accelerometer. List order defines sensor ids.
type SensorConfig struct {
	Name    string `yaml:"name"`
	Bus     int    `yaml:"bus"`
	Address uint16 `yaml:"address"`
}

type HardwareConfig struct {
	// ReprobeInterval controls how often sensors that failed bring-up are retried.
	ReprobeInterval time.Duration `yaml:"reprobe_interval"`
}

type SimConfig struct {
	Scenario string `yaml:"scenario"`
	Loop     bool   `yaml:"loop"`
}

type ReplayConfig struct {
	Path string `yaml:"path"`
	Loop bool   `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type MonitorConfig struct {
	ReferenceSensor int      `yaml:"reference_sensor"`
	PitchBaseDeg    float64  `yaml:"pitch_base_deg"`
	RollBaseDeg     *float64 `yaml:"roll_base_deg"`
	ToleranceDeg    float64  `yaml:"tolerance_deg"`
	// Sustained is how long a deviation must last before an alert is raised.
	Sustained   time.Duration `yaml:"sustained"`
	Period      time.Duration `yaml:"period"`
	StatusLabel string        `yaml:"status_label"`
}

// RollBase returns the configured roll base (defaulted by DefaultAndValidate).
func (m MonitorConfig) RollBase() float64 {
	if m.RollBaseDeg == nil {
		return DefaultRollBaseDeg
	}
	return *m.RollBaseDeg
}

type AlertsConfig struct {
	// Timeout bounds each sink's delivery attempt.
	Timeout time.Duration     `yaml:"timeout"`
	SQL     SQLAlertConfig    `yaml:"sql"`
	RTDB    RTDBAlertConfig   `yaml:"rtdb"`
	MQTT    MQTTAlertConfig   `yaml:"mqtt"`
	Redis   RedisAlertConfig  `yaml:"redis"`
	Kafka   KafkaAlertConfig  `yaml:"kafka"`
	Buzzer  BuzzerAlertConfig `yaml:"buzzer"`
}

type SQLAlertConfig struct {
	Enable bool   `yaml:"enable"`
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RTDBAlertConfig struct {
	Enable    bool   `yaml:"enable"`
	BaseURL   string `yaml:"base_url"`
	Path      string `yaml:"path"`
	AuthToken string `yaml:"auth_token"`
}

type MQTTAlertConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type RedisAlertConfig struct {
	Enable   bool          `yaml:"enable"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type KafkaAlertConfig struct {
	Enable  bool     `yaml:"enable"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type BuzzerAlertConfig struct {
	Enable bool          `yaml:"enable"`
	Chip   string        `yaml:"chip"`
	Line   int           `yaml:"line"`
	Pulse  time.Duration `yaml:"pulse"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type TelemetryConfig struct {
	UDPDest string `yaml:"udp_dest"`
}

const (
	DefaultAddress      = 0x68
	DefaultRollBaseDeg  = 90.0
	DefaultToleranceDeg = 20.0
	DefaultSustained    = 20 * time.Second
	DefaultPeriod       = 1 * time.Second
	DefaultStatusLabel  = "bad posture"
)

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse unmarshals YAML and applies defaults and validation.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects inconsistent settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "console" {
		return fmt.Errorf("log.format must be 'json' or 'console'")
	}

	if len(cfg.Sensors) == 0 {
		return fmt.Errorf("sensors must list at least one sensor")
	}
	for i := range cfg.Sensors {
		s := &cfg.Sensors[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("sensor%d", i+1)
		}
		if s.Address == 0 {
			s.Address = DefaultAddress
		}
		if s.Address > 0x7F {
			return fmt.Errorf("sensors[%d].address must be a 7-bit i2c address", i)
		}
		if s.Bus < 0 {
			return fmt.Errorf("sensors[%d].bus must be >= 0", i)
		}
		for j := 0; j < i; j++ {
			if cfg.Sensors[j].Bus == s.Bus && cfg.Sensors[j].Address == s.Address {
				return fmt.Errorf("sensors[%d] duplicates bus %d address 0x%02X of sensors[%d]", i, s.Bus, s.Address, j)
			}
		}
	}

	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	if cfg.Source == "" {
		cfg.Source = SourceHardware
	}
	switch cfg.Source {
	case SourceHardware:
	case SourceSim:
		if strings.TrimSpace(cfg.Sim.Scenario) == "" {
			return fmt.Errorf("sim.scenario is required when source is 'sim'")
		}
	case SourceReplay:
		if strings.TrimSpace(cfg.Replay.Path) == "" {
			return fmt.Errorf("replay.path is required when source is 'replay'")
		}
	default:
		return fmt.Errorf("source must be one of hardware, sim, replay")
	}
	if cfg.Hardware.ReprobeInterval <= 0 {
		cfg.Hardware.ReprobeInterval = 30 * time.Second
	}

	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if cfg.Source == SourceReplay && cfg.Record.Path == cfg.Replay.Path {
			return fmt.Errorf("record.path must differ from replay.path")
		}
	}

	m := &cfg.Monitor
	if m.ReferenceSensor < 0 || m.ReferenceSensor >= len(cfg.Sensors) {
		return fmt.Errorf("monitor.reference_sensor must be in [0, %d)", len(cfg.Sensors))
	}
	if m.RollBaseDeg == nil {
		v := DefaultRollBaseDeg
		m.RollBaseDeg = &v
	}
	if m.ToleranceDeg == 0 {
		m.ToleranceDeg = DefaultToleranceDeg
	}
	if m.ToleranceDeg < 0 {
		return fmt.Errorf("monitor.tolerance_deg must be > 0")
	}
	if m.Sustained == 0 {
		m.Sustained = DefaultSustained
	}
	if m.Sustained < 0 {
		return fmt.Errorf("monitor.sustained must be > 0")
	}
	if m.Period == 0 {
		m.Period = DefaultPeriod
	}
	if m.Period < 0 {
		return fmt.Errorf("monitor.period must be > 0")
	}
	if m.StatusLabel == "" {
		m.StatusLabel = DefaultStatusLabel
	}

	a := &cfg.Alerts
	if a.Timeout <= 0 {
		a.Timeout = 5 * time.Second
	}
	if a.SQL.Enable {
		if a.SQL.Driver == "" {
			a.SQL.Driver = "sqlite3"
		}
		if a.SQL.Driver != "sqlite3" && a.SQL.Driver != "postgres" {
			return fmt.Errorf("alerts.sql.driver must be 'sqlite3' or 'postgres'")
		}
		if a.SQL.DSN == "" {
			return fmt.Errorf("alerts.sql.dsn is required when alerts.sql.enable is true")
		}
	}
	if a.RTDB.Enable {
		if a.RTDB.BaseURL == "" {
			return fmt.Errorf("alerts.rtdb.base_url is required when alerts.rtdb.enable is true")
		}
		if a.RTDB.Path == "" {
			a.RTDB.Path = "alerts"
		}
	}
	if a.MQTT.Enable {
		if a.MQTT.Broker == "" {
			return fmt.Errorf("alerts.mqtt.broker is required when alerts.mqtt.enable is true")
		}
		if a.MQTT.Topic == "" {
			a.MQTT.Topic = "postureguard/alerts"
		}
		if a.MQTT.QoS > 2 {
			return fmt.Errorf("alerts.mqtt.qos must be 0, 1 or 2")
		}
	}
	if a.Redis.Enable {
		if a.Redis.Addr == "" {
			a.Redis.Addr = "localhost:6379"
		}
		if a.Redis.Prefix == "" {
			a.Redis.Prefix = "postureguard:alert:"
		}
		if a.Redis.TTL < 0 {
			return fmt.Errorf("alerts.redis.ttl must be >= 0")
		}
	}
	if a.Kafka.Enable {
		if len(a.Kafka.Brokers) == 0 {
			return fmt.Errorf("alerts.kafka.brokers is required when alerts.kafka.enable is true")
		}
		if a.Kafka.Topic == "" {
			a.Kafka.Topic = "posture-alerts"
		}
	}
	if a.Buzzer.Enable {
		if a.Buzzer.Chip == "" {
			a.Buzzer.Chip = "gpiochip0"
		}
		if a.Buzzer.Line <= 0 {
			return fmt.Errorf("alerts.buzzer.line must be > 0")
		}
		if a.Buzzer.Pulse <= 0 {
			a.Buzzer.Pulse = 500 * time.Millisecond
		}
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	return nil
}
