// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HarnessConfig configures the interop harness.
type HarnessConfig struct {
	// Command is the ks CLI executable, optionally followed by fixed arguments.
	Command []string `yaml:"command"`

	// LogDir holds the delivery logs and stderr captures of spawned processes.
	// Empty selects a temporary directory removed on Close.
	LogDir string `yaml:"log_dir"`

	// Env is added to the environment of every spawned process.
	Env map[string]string `yaml:"env"`

	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	ExpectTimeout  time.Duration `yaml:"expect_timeout"`
	// Settle is how long the checker keeps watching after enough records arrived.
	Settle       time.Duration `yaml:"settle"`
	PollInterval time.Duration `yaml:"poll_interval"`
	KillGrace    time.Duration `yaml:"kill_grace"`

	Broker    HarnessBrokerConfig `yaml:"broker"`
	Scenarios []string            `yaml:"scenarios,omitempty"`
	Report    string              `yaml:"report"` // SQLite database path, empty disables
}

// HarnessBrokerConfig describes an optional broker the harness starts itself.
type HarnessBrokerConfig struct {
	Command      []string      `yaml:"command,omitempty"`
	HealthURL    string        `yaml:"health_url"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// DefaultHarness returns the default harness configuration.
func DefaultHarness() *HarnessConfig {
	return &HarnessConfig{
		Command:        []string{"ks"},
		Env:            map[string]string{},
		ReadyTimeout:   10 * time.Second,
		ProcessTimeout: 30 * time.Second,
		ExpectTimeout:  10 * time.Second,
		Settle:         300 * time.Millisecond,
		PollInterval:   50 * time.Millisecond,
		KillGrace:      2 * time.Second,
		Broker: HarnessBrokerConfig{
			HealthURL:    "http://localhost:8081/ready",
			StartTimeout: 10 * time.Second,
		},
	}
}

// LoadHarness loads a harness configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func LoadHarness(filename string) (*HarnessConfig, error) {
	if filename == "" {
		return DefaultHarness(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultHarness(), nil
		}
		return nil, fmt.Errorf("failed to read harness config: %w", err)
	}

	cfg := DefaultHarness()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse harness config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid harness configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the harness configuration is valid.
func (c *HarnessConfig) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return fmt.Errorf("command cannot be empty")
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"ready_timeout", c.ReadyTimeout},
		{"process_timeout", c.ProcessTimeout},
		{"expect_timeout", c.ExpectTimeout},
		{"poll_interval", c.PollInterval},
		{"kill_grace", c.KillGrace},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Settle < 0 {
		return fmt.Errorf("settle cannot be negative")
	}
	if c.PollInterval > c.ExpectTimeout {
		return fmt.Errorf("poll_interval must not exceed expect_timeout")
	}
	if len(c.Broker.Command) > 0 && c.Broker.StartTimeout <= 0 {
		return fmt.Errorf("broker.start_timeout must be positive when broker.command is set")
	}
	return nil
}

// Save writes the harness configuration to a YAML file.
func (c *HarnessConfig) Save(filename string) error {
	return save(c, filename)
}
