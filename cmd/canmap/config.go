package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"canmap/internal/scan"
	"canmap/internal/session"
)

type Config struct {
	Bus struct {
		Port string `yaml:"port"` // serial device, or "sim:<profile>"
		Baud int    `yaml:"baud"`
	} `yaml:"bus"`
	Scan struct {
		MinAddr      uint8  `yaml:"min_addr"`
		MaxAddr      uint8  `yaml:"max_addr"`
		Order        string `yaml:"order"` // "descending" or "ascending"
		Retries      int    `yaml:"retries"`
		RetryBackoff string `yaml:"retry_backoff"`
		ProbeTimeout string `yaml:"probe_timeout"`
		ListenWindow string `yaml:"listen_window"`
	} `yaml:"scan"`
	Assign struct {
		TargetStart  uint8  `yaml:"target_start"`
		SentinelLow  uint8  `yaml:"sentinel_low"`
		SentinelHigh uint8  `yaml:"sentinel_high"`
		CmdTimeout   string `yaml:"cmd_timeout"`
	} `yaml:"assign"`
	Identify struct {
		Pulses int `yaml:"pulses"`
	} `yaml:"identify"`
	Quirks struct {
		// Table maps logical addresses to wire address bytes for units whose
		// reported byte does not match their logical address.
		Table     map[uint8]uint8 `yaml:"table"`
		LuaScript string          `yaml:"lua_script"`
	} `yaml:"quirks"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Bus.Port == "" {
		return fmt.Errorf("bus.port is required")
	}
	if c.Scan.MinAddr < 1 {
		return fmt.Errorf("scan.min_addr must be at least 1, got %d", c.Scan.MinAddr)
	}
	if c.Scan.MaxAddr < c.Scan.MinAddr {
		return fmt.Errorf("scan.max_addr %d below scan.min_addr %d", c.Scan.MaxAddr, c.Scan.MinAddr)
	}
	switch c.Scan.Order {
	case "descending", "ascending":
	default:
		return fmt.Errorf("scan.order must be descending or ascending, got %q", c.Scan.Order)
	}
	if c.Assign.TargetStart < 1 {
		return fmt.Errorf("assign.target_start must be at least 1, got %d", c.Assign.TargetStart)
	}
	if c.Quirks.LuaScript != "" && len(c.Quirks.Table) > 0 {
		return fmt.Errorf("quirks.table and quirks.lua_script are mutually exclusive")
	}
	for _, field := range []struct {
		name, val string
	}{
		{"scan.retry_backoff", c.Scan.RetryBackoff},
		{"scan.probe_timeout", c.Scan.ProbeTimeout},
		{"scan.listen_window", c.Scan.ListenWindow},
		{"assign.cmd_timeout", c.Assign.CmdTimeout},
	} {
		if _, err := time.ParseDuration(field.val); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Missing config file is fine; defaults plus flags carry a bench run.
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	def := scan.DefaultPolicy()
	if cfg.Bus.Baud == 0 {
		cfg.Bus.Baud = 921600
	}
	if cfg.Scan.MinAddr == 0 {
		cfg.Scan.MinAddr = def.MinAddr
	}
	if cfg.Scan.MaxAddr == 0 {
		cfg.Scan.MaxAddr = def.MaxAddr
	}
	if cfg.Scan.Order == "" {
		cfg.Scan.Order = string(def.Order)
	}
	if cfg.Scan.Retries == 0 {
		cfg.Scan.Retries = def.MaxRetries
	}
	if cfg.Scan.RetryBackoff == "" {
		cfg.Scan.RetryBackoff = def.RetryBackoff.String()
	}
	if cfg.Scan.ProbeTimeout == "" {
		cfg.Scan.ProbeTimeout = def.ProbeTimeout.String()
	}
	if cfg.Scan.ListenWindow == "" {
		cfg.Scan.ListenWindow = def.ListenWindow.String()
	}
	defSession := session.DefaultConfig()
	if cfg.Assign.TargetStart == 0 {
		cfg.Assign.TargetStart = defSession.TargetStart
	}
	if cfg.Assign.SentinelLow == 0 && cfg.Assign.SentinelHigh == 0 {
		cfg.Assign.SentinelLow = defSession.SentinelLow
		cfg.Assign.SentinelHigh = defSession.SentinelHigh
	}
	if cfg.Assign.CmdTimeout == "" {
		cfg.Assign.CmdTimeout = defSession.CmdTimeout.String()
	}
	if cfg.Identify.Pulses == 0 {
		cfg.Identify.Pulses = 3
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "canmap.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "canmap"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// duration returns an already-validated duration field.
func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) scanPolicy() scan.Policy {
	return scan.Policy{
		MinAddr:      c.Scan.MinAddr,
		MaxAddr:      c.Scan.MaxAddr,
		Order:        scan.ScanOrder(c.Scan.Order),
		MaxRetries:   c.Scan.Retries,
		RetryBackoff: duration(c.Scan.RetryBackoff),
		ProbeTimeout: duration(c.Scan.ProbeTimeout),
		ListenWindow: duration(c.Scan.ListenWindow),
	}
}

func (c *Config) sessionConfig() session.Config {
	return session.Config{
		Policy:       c.scanPolicy(),
		TargetStart:  c.Assign.TargetStart,
		SentinelLow:  c.Assign.SentinelLow,
		SentinelHigh: c.Assign.SentinelHigh,
		CmdTimeout:   duration(c.Assign.CmdTimeout),
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
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
