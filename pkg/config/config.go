// Copyright 2026 The jive5ab-bridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for jive5ab-bridge:
// listener addresses, backend connection tuning and the optional MQTT
// mirror and PostgreSQL journal.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("250ms", "1s") in both YAML and JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// BridgeConfig holds the KATCP-facing settings.
type BridgeConfig struct {
	ListenAddr     string   `yaml:"listen_addr" json:"listen_addr"`
	PollInterval   Duration `yaml:"poll_interval" json:"poll_interval"`
	StartupTimeout Duration `yaml:"startup_timeout" json:"startup_timeout"`
	ShutdownGrace  Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// BackendConfig holds the jive5ab connection settings.
type BackendConfig struct {
	Address                string   `yaml:"address" json:"address"`
	DialTimeout            Duration `yaml:"dial_timeout" json:"dial_timeout"`
	CommandTimeout         Duration `yaml:"command_timeout" json:"command_timeout"`
	ReconnectInitial       Duration `yaml:"reconnect_initial" json:"reconnect_initial"`
	ReconnectMax           Duration `yaml:"reconnect_max" json:"reconnect_max"`
	MaxConsecutiveTimeouts int      `yaml:"max_consecutive_timeouts" json:"max_consecutive_timeouts"`
	QueueSize              int      `yaml:"queue_size" json:"queue_size"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	GRPCAddr string `yaml:"grpc_addr" json:"grpc_addr"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MQTTConfig configures the sensor mirror.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	QoS         byte   `yaml:"qos" json:"qos"`
	Retain      bool   `yaml:"retain" json:"retain"`
}

// JournalConfig configures the PostgreSQL command journal.
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	DSN        string `yaml:"dsn" json:"dsn"`
	Table      string `yaml:"table" json:"table"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
}

// Config holds the complete configuration
type Config struct {
	Bridge  BridgeConfig  `yaml:"bridge" json:"bridge"`
	Backend BackendConfig `yaml:"backend" json:"backend"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  HealthConfig  `yaml:"health" json:"health"`
	Log     LogConfig     `yaml:"log" json:"log"`
	MQTT    MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Journal JournalConfig `yaml:"journal" json:"journal"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ListenAddr:     ":7147",
			PollInterval:   Duration(time.Second),
			StartupTimeout: Duration(30 * time.Second),
			ShutdownGrace:  Duration(5 * time.Second),
		},
		Backend: BackendConfig{
			Address:                "127.0.0.1:2620",
			DialTimeout:            Duration(2 * time.Second),
			CommandTimeout:         Duration(time.Second),
			ReconnectInitial:       Duration(250 * time.Millisecond),
			ReconnectMax:           Duration(10 * time.Second),
			MaxConsecutiveTimeouts: 2,
			QueueSize:              64,
		},
		Metrics: MetricsConfig{ListenAddr: ":8082"},
		Health:  HealthConfig{GRPCAddr: ":8081"},
		Log:     LogConfig{Level: "info", Format: "json"},
		MQTT: MQTTConfig{
			Broker:      "tcp://127.0.0.1:1883",
			ClientID:    "jive5ab-bridge",
			TopicPrefix: "jive5ab-bridge/sensors",
			QoS:         1,
			Retain:      true,
		},
		Journal: JournalConfig{
			Table:      "jive5ab_command_journal",
			BufferSize: 256,
		},
	}
}

// LoadConfig loads configuration from a file. Fields missing from the file
// keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	// If no config file specified, return default config
	if configPath == "" {
		log.Info().Msg("no config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().Str("path", configPath).Msg("configuration loaded")
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	data, err := Marshal(config, filepath.Ext(configPath))
	if err != nil {
		return err
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Info().Str("path", configPath).Msg("configuration saved")
	return nil
}

// Marshal renders config in the format named by ext (".yaml", ".yml" or ".json").
func Marshal(config *Config, ext string) ([]byte, error) {
	var data []byte
	var err error

	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "yaml", "yml":
		data, err = yaml.Marshal(config)
	case ".json", "json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Bridge.ListenAddr == "" {
		return fmt.Errorf("bridge.listen_addr cannot be empty")
	}
	if config.Bridge.PollInterval <= 0 {
		return fmt.Errorf("bridge.poll_interval must be positive")
	}
	if config.Bridge.StartupTimeout <= 0 {
		return fmt.Errorf("bridge.startup_timeout must be positive")
	}
	if config.Bridge.ShutdownGrace < 0 {
		return fmt.Errorf("bridge.shutdown_grace cannot be negative")
	}

	b := config.Backend
	if _, _, err := net.SplitHostPort(b.Address); err != nil {
		return fmt.Errorf("backend.address %q: %w", b.Address, err)
	}
	if b.DialTimeout <= 0 || b.CommandTimeout <= 0 {
		return fmt.Errorf("backend timeouts must be positive")
	}
	if b.ReconnectInitial <= 0 || b.ReconnectMax < b.ReconnectInitial {
		return fmt.Errorf("backend.reconnect_initial must be positive and not exceed reconnect_max")
	}
	if b.MaxConsecutiveTimeouts < 1 {
		return fmt.Errorf("backend.max_consecutive_timeouts must be at least 1")
	}
	if b.QueueSize < 1 {
		return fmt.Errorf("backend.queue_size must be at least 1")
	}

	switch config.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s (supported: json, console)", config.Log.Format)
	}

	if config.MQTT.Enabled {
		if config.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker cannot be empty when the mirror is enabled")
		}
		if config.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if config.Journal.Enabled {
		if config.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn cannot be empty when the journal is enabled")
		}
		if config.Journal.Table == "" {
			return fmt.Errorf("journal.table cannot be empty")
		}
	}

	return nil
}
