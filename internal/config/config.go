// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads cn105ctl settings from a YAML file, CN105_*
// environment variables and command line flags, in rising precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thermoquad/cn105ctl/internal/climate"
	"github.com/Thermoquad/cn105ctl/internal/heatpump"
	"github.com/Thermoquad/cn105ctl/pkg/control"
)

// EnvPrefix prefixes every environment override, e.g. CN105_SERIAL_PORT
const EnvPrefix = "CN105"

// Config is the full application configuration
type Config struct {
	Serial      SerialConfig      `mapstructure:"serial" yaml:"serial"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket" yaml:"websocket"`
	Link        LinkConfig        `mapstructure:"link" yaml:"link"`
	Control     ControlConfig     `mapstructure:"control" yaml:"control"`
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`
	MQTT        MQTTConfig        `mapstructure:"mqtt" yaml:"mqtt"`
	Kafka       KafkaConfig       `mapstructure:"kafka" yaml:"kafka"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// SerialConfig selects the local UART
type SerialConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
	Baud int    `mapstructure:"baud" yaml:"baud"`
}

// WebSocketConfig selects a remote serial bridge instead of a local port
type WebSocketConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"-"`
}

// LinkConfig tunes the link controller
type LinkConfig struct {
	UpdateInterval    time.Duration `mapstructure:"update_interval" yaml:"update_interval"`
	TickInterval      time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	Debounce          time.Duration `mapstructure:"debounce" yaml:"debounce"`
	BootstrapDelay    time.Duration `mapstructure:"bootstrap_delay" yaml:"bootstrap_delay"`
	SoftTimeout       time.Duration `mapstructure:"soft_timeout" yaml:"soft_timeout"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout" yaml:"ack_timeout"`
	RemoteTempTimeout time.Duration `mapstructure:"remote_temp_timeout" yaml:"remote_temp_timeout"`
	Installer         bool          `mapstructure:"installer" yaml:"installer"`
	PollTimers        bool          `mapstructure:"poll_timers" yaml:"poll_timers"`
	PollFunctions     bool          `mapstructure:"poll_functions" yaml:"poll_functions"`
}

// ControlConfig tunes the closed loop
type ControlConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	Algorithm          string        `mapstructure:"algorithm" yaml:"algorithm"`
	Kp                 float64       `mapstructure:"kp" yaml:"kp"`
	Ki                 float64       `mapstructure:"ki" yaml:"ki"`
	Kd                 float64       `mapstructure:"kd" yaml:"kd"`
	MinTemp            float64       `mapstructure:"min_temp" yaml:"min_temp"`
	MaxTemp            float64       `mapstructure:"max_temp" yaml:"max_temp"`
	MaxAdjustmentOver  float64       `mapstructure:"max_adjustment_over" yaml:"max_adjustment_over"`
	MaxAdjustmentUnder float64       `mapstructure:"max_adjustment_under" yaml:"max_adjustment_under"`
	HysteresisOn       float64       `mapstructure:"hysteresis_on" yaml:"hysteresis_on"`
	HysteresisOff      float64       `mapstructure:"hysteresis_off" yaml:"hysteresis_off"`
	PowerThrottle      time.Duration `mapstructure:"power_throttle" yaml:"power_throttle"`
	Stabilization      time.Duration `mapstructure:"stabilization" yaml:"stabilization"`
	Adaptation         bool          `mapstructure:"adaptation" yaml:"adaptation"`
}

// PersistenceConfig selects where per-mode setpoints are kept
type PersistenceConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	File    string      `mapstructure:"file" yaml:"file"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig is the redis setpoint backend
type RedisConfig struct {
	Address     string        `mapstructure:"address" yaml:"address"`
	Password    string        `mapstructure:"password" yaml:"-"`
	DB          int           `mapstructure:"db" yaml:"db"`
	Key         string        `mapstructure:"key" yaml:"key"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// MQTTConfig is the entity publication sink
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"-"`
	QoS         byte   `mapstructure:"qos" yaml:"qos"`
	Retain      bool   `mapstructure:"retain" yaml:"retain"`
}

// KafkaConfig is the event stream sink
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// HTTPConfig is the daemon's status/control API
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// LogConfig configures logrus and file rotation
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// New returns a viper instance with every default set and environment
// overrides enabled. Callers may bind flags before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud", 2400)

	v.SetDefault("websocket.url", "")
	v.SetDefault("websocket.username", "admin")
	v.SetDefault("websocket.password", "")

	v.SetDefault("link.update_interval", heatpump.DefaultUpdateInterval)
	v.SetDefault("link.tick_interval", 50*time.Millisecond)
	v.SetDefault("link.debounce", heatpump.DefaultDebounce)
	v.SetDefault("link.bootstrap_delay", time.Duration(0))
	v.SetDefault("link.soft_timeout", time.Second)
	v.SetDefault("link.ack_timeout", heatpump.DefaultAckTimeout)
	v.SetDefault("link.remote_temp_timeout", 10*time.Minute)
	v.SetDefault("link.installer", false)
	v.SetDefault("link.poll_timers", false)
	v.SetDefault("link.poll_functions", false)

	v.SetDefault("control.enabled", false)
	v.SetDefault("control.algorithm", "adaptive")
	v.SetDefault("control.kp", 0.5)
	v.SetDefault("control.ki", 0.01)
	v.SetDefault("control.kd", 2.0)
	v.SetDefault("control.min_temp", 16.0)
	v.SetDefault("control.max_temp", 31.0)
	v.SetDefault("control.max_adjustment_over", 2.0)
	v.SetDefault("control.max_adjustment_under", 2.0)
	v.SetDefault("control.hysteresis_on", control.DefaultHysteresisOn)
	v.SetDefault("control.hysteresis_off", control.DefaultHysteresisOff)
	v.SetDefault("control.power_throttle", climate.DefaultPowerThrottle)
	v.SetDefault("control.stabilization", control.DefaultStabilization)
	v.SetDefault("control.adaptation", true)

	v.SetDefault("persistence.backend", "file")
	v.SetDefault("persistence.file", "cn105ctl-setpoints.json")
	v.SetDefault("persistence.redis.address", "localhost:6379")
	v.SetDefault("persistence.redis.db", 0)
	v.SetDefault("persistence.redis.key", "cn105ctl:setpoints")
	v.SetDefault("persistence.redis.dial_timeout", 5*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "cn105ctl")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.retain", true)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "cn105ctl.events")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:8105")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// Load reads path (when not empty) into v and decodes the result
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if c.Link.UpdateInterval <= 0 {
		errs = append(errs, errors.New("link.update_interval must be positive"))
	}
	if c.Link.TickInterval <= 0 {
		errs = append(errs, errors.New("link.tick_interval must be positive"))
	}
	switch c.Control.Algorithm {
	case "adaptive", "gradient":
	default:
		errs = append(errs, fmt.Errorf("control.algorithm must be adaptive or gradient, got %q", c.Control.Algorithm))
	}
	if c.Control.MinTemp >= c.Control.MaxTemp {
		errs = append(errs, fmt.Errorf("control.min_temp %.1f must be below control.max_temp %.1f", c.Control.MinTemp, c.Control.MaxTemp))
	}
	switch c.Persistence.Backend {
	case "file", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("persistence.backend must be file, redis or none, got %q", c.Persistence.Backend))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is empty"))
	}
	return errors.Join(errs...)
}

// ===== Domain options =====

// LinkOptions maps the link section onto controller options
func (c *Config) LinkOptions() heatpump.Options {
	return heatpump.Options{
		UpdateInterval:    c.Link.UpdateInterval,
		Debounce:          c.Link.Debounce,
		BootstrapDelay:    c.Link.BootstrapDelay,
		DeferDelay:        heatpump.DefaultDeferDelay,
		AckTimeout:        c.Link.AckTimeout,
		RemoteTempTimeout: c.Link.RemoteTempTimeout,
		SoftTimeout:       c.Link.SoftTimeout,
		Installer:         c.Link.Installer,
		PollTimers:        c.Link.PollTimers,
		PollFunctions:     c.Link.PollFunctions,
	}
}

// ClimateOptions maps the temperature range and power throttle
func (c *Config) ClimateOptions() climate.Options {
	return climate.Options{
		MinTemp:       c.Control.MinTemp,
		MaxTemp:       c.Control.MaxTemp,
		PowerThrottle: c.Control.PowerThrottle,
	}
}

// Gains returns the configured starting gains
func (c *Config) Gains() control.Gains {
	return control.Gains{Kp: c.Control.Kp, Ki: c.Control.Ki, Kd: c.Control.Kd}
}

// Limits returns the corrected setpoint bounds
func (c *Config) Limits() control.Limits {
	return control.Limits{
		OutputMin:          c.Control.MinTemp,
		OutputMax:          c.Control.MaxTemp,
		MaxAdjustmentOver:  c.Control.MaxAdjustmentOver,
		MaxAdjustmentUnder: c.Control.MaxAdjustmentUnder,
	}
}

// Hysteresis returns the compressor gate
func (c *Config) Hysteresis() control.Hysteresis {
	return control.NewHysteresis(c.Control.HysteresisOn, c.Control.HysteresisOff)
}

// SetpointController builds the configured PID flavour
func (c *Config) SetpointController() control.SetpointController {
	g := c.Gains()
	if c.Control.Algorithm == "gradient" {
		cfg := control.DefaultGradientConfig(g)
		if c.Control.Stabilization > 0 {
			cfg.Stabilization = c.Control.Stabilization
		}
		pid := control.NewGradientPID(g, c.Limits(), cfg)
		pid.EnableAdaptation(c.Control.Adaptation)
		return pid
	}
	pid := control.NewAdaptivePID(g, c.Limits())
	if c.Control.Stabilization > 0 {
		pid.SetStabilization(c.Control.Stabilization)
	}
	return pid
}
