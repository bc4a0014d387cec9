package duplex

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries the tunable parameters of a server or client endpoint.
type Config struct {
	Addr string
	Path string

	PingInterval   time.Duration
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	JobTimeout     time.Duration

	Msgpack bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8000",
		Path:           "/socket.io/",
		PingInterval:   defaultPingInterval,
		PingTimeout:    defaultPingTimeout,
		ConnectTimeout: defaultConnectTimeout,
		JobTimeout:     defaultJobTimeout,
	}
}

type fileConfig struct {
	Addr           string `toml:"addr"`
	Path           string `toml:"path"`
	PingInterval   string `toml:"ping_interval"`
	PingTimeout    string `toml:"ping_timeout"`
	ConnectTimeout string `toml:"connect_timeout"`
	JobTimeout     string `toml:"job_timeout"`
	Msgpack        bool   `toml:"msgpack"`
}

// LoadConfig reads a TOML file, overriding defaults only for keys that
// are present. Durations use Go syntax ("25s", "10m").
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("ping_interval") {
		if cfg.PingInterval, err = time.ParseDuration(strings.TrimSpace(raw.PingInterval)); err != nil {
			return Config{}, fmt.Errorf("parse ping_interval: %w", err)
		}
	}
	if meta.IsDefined("ping_timeout") {
		if cfg.PingTimeout, err = time.ParseDuration(strings.TrimSpace(raw.PingTimeout)); err != nil {
			return Config{}, fmt.Errorf("parse ping_timeout: %w", err)
		}
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.ConnectTimeout, err = time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout)); err != nil {
			return Config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
	}
	if meta.IsDefined("job_timeout") {
		if cfg.JobTimeout, err = time.ParseDuration(strings.TrimSpace(raw.JobTimeout)); err != nil {
			return Config{}, fmt.Errorf("parse job_timeout: %w", err)
		}
	}
	if meta.IsDefined("msgpack") {
		cfg.Msgpack = raw.Msgpack
	}
	return cfg, nil
}
