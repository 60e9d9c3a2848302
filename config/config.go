// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/absmach/ks/core"
	"github.com/absmach/ks/ratelimit"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ks broker.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Broker  BrokerConfig  `yaml:"broker"`
	Links   LinksConfig   `yaml:"links"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Otel    OtelConfig    `yaml:"otel"`
}

// ServerConfig holds the listener configuration of every flavour.
type ServerConfig struct {
	Native          NativeConfig    `yaml:"native"`
	Scripting       ScriptingConfig `yaml:"scripting"`
	Managed         ManagedConfig   `yaml:"managed"`
	Health          HealthConfig    `yaml:"health"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

// NativeConfig configures the TCP listener of native clients.
type NativeConfig struct {
	Addr           string        `yaml:"addr"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"` // idle timeout, 0 = none
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// ScriptingConfig configures the WebSocket listener of scripting clients.
type ScriptingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// ManagedConfig configures the CoAP listeners of managed clients.
type ManagedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // CoAP over TCP
	// DTLSAddr enables CoAP over DTLS using pre-shared keys from the key store.
	DTLSAddr string `yaml:"dtls_addr"`
}

// HealthConfig configures the health and stats HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BrokerConfig holds broker-specific settings.
type BrokerConfig struct {
	ID string `yaml:"id"`

	// Maximum frame size in bytes
	MaxFrameSize int `yaml:"max_frame_size"`

	// How long (ID, SeqNum) pairs are remembered when the publication has no TTL.
	HistoryTTL time.Duration `yaml:"history_ttl"`

	RateLimit ratelimit.Config `yaml:"rate_limit"`

	// Keys extends the built-in key store: key ID to hex-encoded 32-byte key.
	Keys map[string]string `yaml:"keys"`
}

// KeyStore returns the built-in key store extended with the configured keys.
func (c BrokerConfig) KeyStore() (*core.KeyStore, error) {
	ks := core.DefaultKeyStore()
	for id, hexKey := range c.Keys {
		keyID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("broker.keys: invalid key id %q: %w", id, err)
		}
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("broker.keys[%s]: %w", id, err)
		}
		if err := ks.Add(keyID, key); err != nil {
			return nil, fmt.Errorf("broker.keys[%s]: %w", id, err)
		}
	}
	return ks, nil
}

// LinksConfig holds broker-to-broker link configuration.
type LinksConfig struct {
	Peers             []string             `yaml:"peers"` // native addresses of peer brokers
	MaxHops           uint32               `yaml:"max_hops"`
	ReconnectInterval time.Duration        `yaml:"reconnect_interval"`
	MaxReconnect      time.Duration        `yaml:"max_reconnect_interval"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds history storage configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	// Memory settings
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Enabled reports whether any OpenTelemetry signal is exported.
func (c OtelConfig) Enabled() bool {
	return c.MetricsEnabled || c.TracesEnabled
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Native: NativeConfig{
				Addr:           ":7400",
				MaxConnections: 10000,
				WriteTimeout:   10 * time.Second,
			},
			Scripting: ScriptingConfig{
				Enabled: true,
				Addr:    ":7401",
				Path:    "/ks",
			},
			Managed: ManagedConfig{
				Enabled: true,
				Addr:    ":5683",
			},
			Health: HealthConfig{
				Enabled: true,
				Addr:    ":8081",
			},
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			ID:           "ksd",
			MaxFrameSize: 1024 * 1024, // 1MB
			HistoryTTL:   5 * time.Minute,
			RateLimit:    ratelimit.DefaultConfig(),
		},
		Links: LinksConfig{
			MaxHops:           4,
			ReconnectInterval: time.Second,
			MaxReconnect:      30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:          "memory",
			BadgerDir:     "/tmp/ks/history",
			PruneInterval: time.Minute,
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "ksd",
			ServiceVersion:  "1.0.0",
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Native.Addr == "" {
		return fmt.Errorf("server.native.addr cannot be empty")
	}
	if c.Server.Native.MaxConnections < 0 {
		return fmt.Errorf("server.native.max_connections cannot be negative")
	}
	if c.Server.Scripting.Enabled {
		if c.Server.Scripting.Addr == "" {
			return fmt.Errorf("server.scripting.addr required when scripting is enabled")
		}
		if len(c.Server.Scripting.Path) == 0 || c.Server.Scripting.Path[0] != '/' {
			return fmt.Errorf("server.scripting.path must start with '/'")
		}
	}
	if c.Server.Managed.Enabled && c.Server.Managed.Addr == "" && c.Server.Managed.DTLSAddr == "" {
		return fmt.Errorf("server.managed needs addr or dtls_addr when managed is enabled")
	}
	if c.Server.Health.Enabled && c.Server.Health.Addr == "" {
		return fmt.Errorf("server.health.addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	if c.Broker.MaxFrameSize < 1024 {
		return fmt.Errorf("broker.max_frame_size must be at least 1KB")
	}
	if c.Broker.HistoryTTL < time.Second {
		return fmt.Errorf("broker.history_ttl must be at least 1 second")
	}
	if _, err := c.Broker.KeyStore(); err != nil {
		return err
	}
	if rl := c.Broker.RateLimit; rl.Enabled {
		if rl.Publish.Enabled && (rl.Publish.Rate <= 0 || rl.Publish.Burst < 1) {
			return fmt.Errorf("broker.rate_limit.publish needs a positive rate and burst")
		}
		if rl.Subscribe.Enabled && (rl.Subscribe.Rate <= 0 || rl.Subscribe.Burst < 1) {
			return fmt.Errorf("broker.rate_limit.subscribe needs a positive rate and burst")
		}
	}

	if len(c.Links.Peers) > 0 {
		if c.Links.MaxHops < 1 {
			return fmt.Errorf("links.max_hops must be at least 1")
		}
		if c.Links.ReconnectInterval <= 0 || c.Links.MaxReconnect < c.Links.ReconnectInterval {
			return fmt.Errorf("links.max_reconnect_interval must not be below links.reconnect_interval")
		}
		if c.Links.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("links.circuit_breaker.failure_threshold must be at least 1")
		}
		for i, p := range c.Links.Peers {
			if p == "" {
				return fmt.Errorf("links.peers[%d] cannot be empty", i)
			}
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Otel.Enabled() {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when otel is enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when otel is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	return save(c, filename)
}

func save(v any, filename string) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
