package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tuya-go-home/internal/coordinator"
	"tuya-go-home/internal/protocol"
	"tuya-go-home/internal/store"
)

type DeviceConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	LocalKey string `yaml:"local_key"`
	// Version is "3.1", "3.2", "3.3", "3.4" or empty to negotiate.
	Version string `yaml:"version"`
}

type Config struct {
	Devices []DeviceConfig `yaml:"devices"`
	Session struct {
		Timeout             string `yaml:"timeout"`
		HandshakeTimeout    string `yaml:"handshake_timeout"`
		HeartbeatInterval   string `yaml:"heartbeat_interval"`
		ReconnectMaxBackoff string `yaml:"reconnect_max_backoff"`
	} `yaml:"session"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "tuya-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "tuya"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d].id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if d.Address == "" {
			return fmt.Errorf("device %s: address is required", d.ID)
		}
		if len(d.LocalKey) != 16 {
			return fmt.Errorf("device %s: local_key must be 16 characters, got %d", d.ID, len(d.LocalKey))
		}
		if _, err := protocol.ParseVersion(d.Version); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}
	if _, err := c.coordinatorConfig(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// coordinatorConfig parses the session durations. Empty values keep the
// coordinator defaults.
func (c *Config) coordinatorConfig() (coordinator.Config, error) {
	var cc coordinator.Config
	fields := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"session.timeout", c.Session.Timeout, &cc.Timeout},
		{"session.handshake_timeout", c.Session.HandshakeTimeout, &cc.HandshakeTimeout},
		{"session.heartbeat_interval", c.Session.HeartbeatInterval, &cc.HeartbeatInterval},
		{"session.reconnect_max_backoff", c.Session.ReconnectMaxBackoff, &cc.ReconnectMaxBackoff},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil || d <= 0 {
			return cc, fmt.Errorf("%s: invalid duration %q", f.name, f.value)
		}
		*f.dst = d
	}
	return cc, nil
}

func (d DeviceConfig) device() *store.Device {
	return &store.Device{
		ID:       d.ID,
		Name:     d.Name,
		Address:  d.Address,
		LocalKey: d.LocalKey,
		Version:  d.Version,
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
