// Package config loads portrpc settings from a YAML or TOML file, then applies
// PORTRPC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"portrpc/codec"
	"portrpc/engine"
	"portrpc/loadbalance"
	"portrpc/rpcstream"
)

// Duration is a time.Duration written as "30s" in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Listen          string   `yaml:"listen" toml:"listen"`
	WebSocketListen string   `yaml:"websocket_listen" toml:"websocket_listen"` // also serves /metrics
	Name            string   `yaml:"name" toml:"name"`
	PeerName        string   `yaml:"peer_name" toml:"peer_name"`
	Streams         []string `yaml:"streams" toml:"streams"`
	Codec           string   `yaml:"codec" toml:"codec"` // "json" or "cbor"
	Heartbeat       Duration `yaml:"heartbeat" toml:"heartbeat"`
	OriginPatterns  []string `yaml:"origin_patterns" toml:"origin_patterns"`
	LatePolicy      string   `yaml:"late_policy" toml:"late_policy"` // "warn" or "silent"
	Balancer        string   `yaml:"balancer" toml:"balancer"`

	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Etcd      EtcdConfig      `yaml:"etcd" toml:"etcd"`

	// Methods is a static method table: each value is returned verbatim as
	// the result of its method.
	Methods map[string]any `yaml:"methods" toml:"methods"`
	// Schemas maps a method to the JSON Schema its params must satisfy.
	Schemas map[string]string `yaml:"schemas" toml:"schemas"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps" toml:"rps"` // zero disables limiting
	Burst int     `yaml:"burst" toml:"burst"`
}

type EtcdConfig struct {
	Endpoints     []string `yaml:"endpoints" toml:"endpoints"`
	Prefix        string   `yaml:"prefix" toml:"prefix"`
	AdvertiseAddr string   `yaml:"advertise_addr" toml:"advertise_addr"`
	TTL           int64    `yaml:"ttl" toml:"ttl"` // seconds
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Listen:     ":9090",
		Name:       "portrpc-server",
		PeerName:   "portrpc-client",
		Streams:    []string{rpcstream.DefaultStreamName},
		Codec:      "json",
		Heartbeat:  Duration(30 * time.Second),
		LatePolicy: "warn",
		Balancer:   "round_robin",
		LogLevel:   "info",
		LogFormat:  "json",
		Etcd:       EtcdConfig{Prefix: "/portrpc/", TTL: 10},
	}
}

// Load reads path over the defaults, applies env overrides and validates the
// result. An empty path loads defaults and env only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		case ".toml":
			err = toml.Unmarshal(data, &cfg)
		default:
			return Config{}, fmt.Errorf("config: unsupported file type %q", ext)
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("PORTRPC_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := envString("PORTRPC_WS_LISTEN"); v != "" {
		cfg.WebSocketListen = v
	}
	if v := envString("PORTRPC_CODEC"); v != "" {
		cfg.Codec = v
	}
	if v := envString("PORTRPC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envString("PORTRPC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := envCSV("PORTRPC_STREAMS"); v != nil {
		cfg.Streams = v
	}
	cfg.Heartbeat = Duration(envDurationWithFallback("PORTRPC_HEARTBEAT", time.Duration(cfg.Heartbeat)))
	cfg.RateLimit.RPS = envFloatWithFallback("PORTRPC_RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = envIntWithFallback("PORTRPC_RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	if v := envCSV("PORTRPC_ETCD_ENDPOINTS"); v != nil {
		cfg.Etcd.Endpoints = v
	}
	if v := envString("PORTRPC_ADVERTISE_ADDR"); v != "" {
		cfg.Etcd.AdvertiseAddr = v
	}
}

// Validate checks values that would otherwise fail deep inside the server.
func (c Config) Validate() error {
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return err
	}
	if _, err := engine.ParseLatePolicy(c.LatePolicy); err != nil {
		return err
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		return err
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("config: at least one stream is required")
	}
	if c.Name == "" || c.PeerName == "" || c.Name == c.PeerName {
		return fmt.Errorf("config: name and peer_name must be set and differ")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("config: rate_limit.burst must be at least 1")
	}
	if time.Duration(c.Heartbeat) < 0 {
		return fmt.Errorf("config: heartbeat must not be negative")
	}
	return nil
}

// CodecType returns the parsed codec. Call it on a validated config.
func (c Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Codec)
	return t
}

// LatePolicyValue returns the parsed late policy. Call it on a validated config.
func (c Config) LatePolicyValue() engine.LatePolicy {
	p, _ := engine.ParseLatePolicy(c.LatePolicy)
	return p
}
