// Package config loads and watches server configuration. Values come from
// three layers, later layers winning: built-in defaults, a JSON file, then
// REACTOR_* environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Address string `config:"address"`
	Port    int    `config:"port"`
	Backlog int    `config:"backlog"`

	// Loops is the event-loop count; 0 means one per CPU.
	Loops int `config:"loops"`

	ReadBufferSize int   `config:"read_buffer_size"`
	MaxLineLength  int   `config:"max_line_length"`
	MaxHeaders     int   `config:"max_headers"`
	MaxBodySize    int   `config:"max_body_size"`
	PoolMaxBytes   int64 `config:"pool_max_bytes"`

	MaxConns          int64 `config:"max_conns"`
	MaxConnsPerLoop   int   `config:"max_conns_per_loop"`
	MaxConnsPerSource int   `config:"max_conns_per_source"`

	IdleTimeout time.Duration `config:"idle_timeout"`
	DrainGrace  time.Duration `config:"drain_grace"`

	LogLevel string `config:"log_level"`

	GzipEnabled  bool `config:"gzip_enabled"`
	GzipMinBytes int  `config:"gzip_min_bytes"`
}

// Default returns the configuration the server runs with when no file and
// no environment overrides are present.
func Default() Config {
	return Config{
		Address:        "0.0.0.0",
		Port:           8080,
		Backlog:        1024,
		ReadBufferSize: 4 * 1024,
		MaxLineLength:  8 * 1024,
		MaxHeaders:     100,
		MaxBodySize:    1 << 20,
		PoolMaxBytes:   64 << 20,
		IdleTimeout:    60 * time.Second,
		DrainGrace:     5 * time.Second,
		LogLevel:       "info",
		GzipEnabled:    true,
		GzipMinBytes:   1024,
	}
}

// EnvPrefix namespaces the environment overrides, e.g. REACTOR_PORT=9000.
const EnvPrefix = "REACTOR"

// Load builds a Config from defaults, the optional JSON file at path, and
// the environment.
func Load(path string) (Config, error) {
	m := NewManager()
	if path != "" {
		if err := m.LoadFromJSON(path); err != nil {
			return Config{}, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	cfg := Default()
	if err := m.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("config: read_buffer_size must be positive")
	}
	if c.MaxLineLength <= 0 || c.MaxHeaders <= 0 || c.MaxBodySize <= 0 {
		return fmt.Errorf("config: parser limits must be positive")
	}
	if c.PoolMaxBytes < int64(c.ReadBufferSize) {
		return fmt.Errorf("config: pool_max_bytes %d below read_buffer_size", c.PoolMaxBytes)
	}
	if c.IdleTimeout < 0 || c.DrainGrace < 0 {
		return fmt.Errorf("config: timeouts must not be negative")
	}
	return nil
}
