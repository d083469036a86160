package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/venuekit/cardbridge/buildinfo"
	"github.com/venuekit/cardbridge/monitor"
)

// Config is the agent's on-disk configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Detection DetectionConfig `yaml:"detection"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Server    ServerConfig    `yaml:"server"`
}

// BrokerConfig identifies the remote resource-manager broker.
type BrokerConfig struct {
	// URL of the broker's message channel (ws:// or wss://). When empty the
	// broker is discovered over mDNS.
	URL string `yaml:"url"`

	// PeerID is the fixed peer identifier the broker expects.
	PeerID string `yaml:"peer_id"`
}

// DetectionConfig tunes the detection engine.
type DetectionConfig struct {
	// Mode is "event" (blocking wait) or "poll".
	Mode string `yaml:"mode"`

	// RetainHandle keeps the card handle across poll cycles (default true).
	// Turning it off reconnects every cycle: simpler state, more LED flicker.
	RetainHandle *bool `yaml:"retain_handle"`

	PollIntervalMs      int `yaml:"poll_interval_ms"`
	HealthCheckInterval int `yaml:"health_check_secs"`
}

// EndpointConfig is where detected cards are posted.
type EndpointConfig struct {
	URL     string `yaml:"url"`
	VenueID string `yaml:"venue_id"`
}

// ServerConfig configures the control surface.
type ServerConfig struct {
	Port int `yaml:"port"`
}

const defaultServerPort = 18230

// LoadConfig reads the YAML config at path (missing file is fine, defaults
// apply) and fills defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Detection.Mode == "" {
		c.Detection.Mode = string(monitor.ModeEvent)
	}
	if c.Detection.PollIntervalMs <= 0 {
		c.Detection.PollIntervalMs = 1500
	}
	if c.Detection.HealthCheckInterval <= 0 {
		c.Detection.HealthCheckInterval = 30
	}
	if c.Server.Port <= 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Broker.PeerID == "" {
		c.Broker.PeerID = buildinfo.Name
	}
}

// DetectionMode parses the configured mode, defaulting to event.
func (c *Config) DetectionMode() monitor.Mode {
	if strings.EqualFold(c.Detection.Mode, string(monitor.ModePoll)) {
		return monitor.ModePoll
	}
	return monitor.ModeEvent
}

// RetainHandle resolves the poll-mode variant flag (default true).
func (c *Config) RetainHandle() bool {
	if c.Detection.RetainHandle == nil {
		return true
	}
	return *c.Detection.RetainHandle
}

// PollInterval returns the poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Detection.PollIntervalMs) * time.Millisecond
}

// HealthCheckPeriod returns the liveness tick period.
func (c *Config) HealthCheckPeriod() time.Duration {
	return time.Duration(c.Detection.HealthCheckInterval) * time.Second
}

// DefaultConfigDir returns the per-user config directory for the agent.
func DefaultConfigDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, buildinfo.DirName)
}

// LoadClientID returns the process-durable client identifier, generating and
// persisting a fresh one only when none exists or the stored one is not a
// valid UUID.
func LoadClientID(dir string) (string, error) {
	path := filepath.Join(dir, "client_id")
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(id); err == nil {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return id, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return id, fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}
