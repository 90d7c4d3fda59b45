// Package config loads gateway configuration from an optional TOML file
// with environment overrides layered on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config aggregates every section of the gateway configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Session  SessionConfig  `toml:"session"`
	EventLog EventLogConfig `toml:"eventlog"`
	Log      LogConfig      `toml:"log"`
	Debug    DebugConfig    `toml:"debug"`
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// SessionConfig selects the session-directory deployment policy.
type SessionConfig struct {
	// Directory is "memory" (single-process reference) or "stateless"
	// (no session affinity, every request self-contained).
	Directory string `toml:"directory"`
}

// EventLogConfig selects the event-log backend and its retention bound.
type EventLogConfig struct {
	// Backend is "memory" or "stateless".
	Backend string `toml:"backend"`
	// MaxEntries bounds the in-memory log, evicting oldest-first.
	// 0 keeps it unbounded.
	MaxEntries int `toml:"max_entries"`
}

// LogConfig describes diagnostic logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// DebugConfig gates the debug surfaces.
type DebugConfig struct {
	// EventTap exposes the websocket event-log tail at /debug/events.
	EventTap bool `toml:"event_tap"`
}

const (
	DirectoryMemory    = "memory"
	DirectoryStateless = "stateless"
)

// Load reads the optional config file named by RPCGATE_CONFIG, then applies
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Session:  SessionConfig{Directory: DirectoryMemory},
		EventLog: EventLogConfig{Backend: DirectoryMemory},
		Log:      LogConfig{Level: "info"},
	}

	if path := strings.TrimSpace(os.Getenv("RPCGATE_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		addr, err := normalizeAddr(port)
		if err != nil {
			return err
		}
		cfg.Server.Addr = addr
	}
	if v := strings.TrimSpace(os.Getenv("SESSION_DIRECTORY")); v != "" {
		cfg.Session.Directory = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENTLOG_BACKEND")); v != "" {
		cfg.EventLog.Backend = v
	}
	if n, err := parseOptionalIntEnv("EVENTLOG_MAX_ENTRIES"); err != nil {
		return err
	} else if n != nil {
		cfg.EventLog.MaxEntries = *n
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	pretty, err := parseBoolEnv("LOG_PRETTY", cfg.Log.Pretty)
	if err != nil {
		return err
	}
	cfg.Log.Pretty = pretty

	tap, err := parseBoolEnv("DEBUG_EVENT_TAP", cfg.Debug.EventTap)
	if err != nil {
		return err
	}
	cfg.Debug.EventTap = tap
	return nil
}

func (c *Config) validate() error {
	switch c.Session.Directory {
	case DirectoryMemory, DirectoryStateless:
	default:
		return fmt.Errorf("invalid session directory %q", c.Session.Directory)
	}
	switch c.EventLog.Backend {
	case DirectoryMemory, DirectoryStateless:
	default:
		return fmt.Errorf("invalid eventlog backend %q", c.EventLog.Backend)
	}
	if c.EventLog.MaxEntries < 0 {
		return errors.New("eventlog max_entries must not be negative")
	}
	return nil
}

// normalizeAddr accepts "8080", ":8080" or "127.0.0.1:8080".
func normalizeAddr(port string) (string, error) {
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
