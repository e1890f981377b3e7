// Package config loads livesession settings from TOML or YAML files and the environment.
//
// Only keys present in the file replace the built-in defaults. Environment variables are
// applied last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/kleeedolinux/livesession/debug"
	"github.com/kleeedolinux/livesession/session"
	"github.com/kleeedolinux/livesession/socket/transport"
)

const (
	EnvURL   = "LIVESESSION_URL"
	EnvToken = "LIVESESSION_TOKEN"
)

// Config is everything the programs need.
type Config struct {
	Session session.Config
	Log     Log
	Token   string
	Sim     Sim
}

type Log struct {
	Level zerolog.Level
	JSON  bool
}

// Sim configures the development event service.
type Sim struct {
	Listen   string
	Path     string
	Tokens   []string
	Tick     time.Duration
	Bookings []string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Session: session.DefaultConfig(),
		Log:     Log{Level: zerolog.InfoLevel},
		Sim: Sim{
			Listen:   "127.0.0.1:8085",
			Path:     "/socket",
			Tokens:   []string{"dev-token"},
			Tick:     2 * time.Second,
			Bookings: []string{"B1"},
		},
	}
}

type fileConfig struct {
	Session sessionSection `toml:"session" yaml:"session"`
	Log     logSection     `toml:"log" yaml:"log"`
	Auth    authSection    `toml:"auth" yaml:"auth"`
	Sim     simSection     `toml:"sim" yaml:"sim"`
}

type sessionSection struct {
	URL                string   `toml:"url" yaml:"url"`
	Transports         []string `toml:"transports" yaml:"transports"`
	MinConnectInterval string   `toml:"min_connect_interval" yaml:"min_connect_interval"`
	RetryDelay         string   `toml:"retry_delay" yaml:"retry_delay"`
	HandshakeTimeout   string   `toml:"handshake_timeout" yaml:"handshake_timeout"`
	JoinTimeout        string   `toml:"join_timeout" yaml:"join_timeout"`
	ReconnectAttempts  int      `toml:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectDelay     string   `toml:"reconnect_delay" yaml:"reconnect_delay"`
	PollInterval       string   `toml:"poll_interval" yaml:"poll_interval"`
	ReadTimeout        string   `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       string   `toml:"write_timeout" yaml:"write_timeout"`
	GlobalRoom         string   `toml:"global_room" yaml:"global_room"`
}

type logSection struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
}

type authSection struct {
	Token string `toml:"token" yaml:"token"`
}

type simSection struct {
	Listen   string   `toml:"listen" yaml:"listen"`
	Path     string   `toml:"path" yaml:"path"`
	Tokens   []string `toml:"tokens" yaml:"tokens"`
	Tick     string   `toml:"tick" yaml:"tick"`
	Bookings []string `toml:"bookings" yaml:"bookings"`
}

// Load reads path onto the defaults and applies env overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, defined, err := decode(path)
		if err != nil {
			return Config{}, err
		}
		if err := apply(&cfg, raw, defined); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode parses the file by extension and reports which keys it set.
func decode(path string) (fileConfig, func(...string) bool, error) {
	var raw fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return raw, nil, fmt.Errorf("load config: %w", err)
		}
		return raw, meta.IsDefined, nil
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return raw, nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return raw, nil, fmt.Errorf("parse config: %w", err)
		}
		var tree map[string]interface{}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return raw, nil, fmt.Errorf("parse config: %w", err)
		}
		return raw, yamlDefined(tree), nil
	default:
		return raw, nil, fmt.Errorf("config: unsupported file type %q", ext)
	}
}

func yamlDefined(tree map[string]interface{}) func(...string) bool {
	return func(keys ...string) bool {
		var node interface{} = tree
		for _, k := range keys {
			m, ok := node.(map[string]interface{})
			if !ok {
				return false
			}
			if node, ok = m[k]; !ok {
				return false
			}
		}
		return true
	}
}

func apply(cfg *Config, raw fileConfig, defined func(...string) bool) error {
	s := raw.Session
	if defined("session", "url") {
		cfg.Session.URL = strings.TrimSpace(s.URL)
	}
	if defined("session", "transports") {
		modes := make([]transport.Mode, 0, len(s.Transports))
		for _, name := range s.Transports {
			m, err := transport.ParseMode(name)
			if err != nil {
				return err
			}
			modes = append(modes, m)
		}
		cfg.Session.Transports = modes
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"min_connect_interval", s.MinConnectInterval, &cfg.Session.MinConnectInterval},
		{"retry_delay", s.RetryDelay, &cfg.Session.RetryDelay},
		{"handshake_timeout", s.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"join_timeout", s.JoinTimeout, &cfg.Session.JoinTimeout},
		{"reconnect_delay", s.ReconnectDelay, &cfg.Session.ReconnectDelay},
		{"poll_interval", s.PollInterval, &cfg.Session.PollInterval},
		{"read_timeout", s.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", s.WriteTimeout, &cfg.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !defined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if defined("session", "reconnect_attempts") {
		cfg.Session.ReconnectAttempts = s.ReconnectAttempts
	}
	if defined("session", "global_room") {
		cfg.Session.GlobalRoom = strings.TrimSpace(s.GlobalRoom)
	}

	if defined("log", "level") {
		lvl, ok := debug.ParseLevel(raw.Log.Level)
		if !ok {
			return fmt.Errorf("unknown log level %q", raw.Log.Level)
		}
		cfg.Log.Level = lvl
	}
	if defined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}

	if defined("auth", "token") {
		cfg.Token = strings.TrimSpace(raw.Auth.Token)
	}

	if defined("sim", "listen") {
		cfg.Sim.Listen = strings.TrimSpace(raw.Sim.Listen)
	}
	if defined("sim", "path") {
		cfg.Sim.Path = strings.TrimSpace(raw.Sim.Path)
	}
	if defined("sim", "tokens") {
		cfg.Sim.Tokens = normalizeList(raw.Sim.Tokens)
	}
	if defined("sim", "bookings") {
		cfg.Sim.Bookings = normalizeList(raw.Sim.Bookings)
	}
	if defined("sim", "tick") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Sim.Tick))
		if err != nil {
			return fmt.Errorf("parse sim.tick: %w", err)
		}
		cfg.Sim.Tick = d
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvURL)); v != "" {
		cfg.Session.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		cfg.Token = v
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks the settings that do not depend on which program runs. The session URL is
// checked by session.New.
func (c Config) Validate() error {
	if len(c.Session.Transports) == 0 {
		return errors.New("config: session.transports is empty")
	}
	if c.Session.JoinTimeout <= 0 || c.Session.RetryDelay <= 0 || c.Session.HandshakeTimeout <= 0 {
		return errors.New("config: session timeouts must be positive")
	}
	if c.Session.GlobalRoom == "" {
		return errors.New("config: session.global_room is empty")
	}
	if c.Sim.Tick <= 0 {
		return errors.New("config: sim.tick must be positive")
	}
	if !strings.HasPrefix(c.Sim.Path, "/") {
		return fmt.Errorf("config: sim.path %q must start with /", c.Sim.Path)
	}
	return nil
}

// LogOptions returns logger options with the LIVESESSION_* logging env applied on top.
func (c Config) LogOptions() debug.Options {
	opts := debug.Options{
		Level:     c.Log.Level,
		JSON:      c.Log.JSON,
		Timestamp: true,
		Out:       os.Stderr,
	}
	debug.ApplyEnv(&opts)
	return opts
}
