// Package config loads titan's YAML configuration, grounded on the
// teacher's cmd/prometheus/main.go kingpin flag block and the original
// source's config/yaml_reader.rs + config/database.rs. Core components
// read only Flight, WAL, and Dispatch; Server and Database exist for
// the external collaborators named in spec §1/§6.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/titanlog/titan/internal/wal"
)

// ServerMode selects which external surfaces a process starts.
type ServerMode string

const (
	ServerInjest ServerMode = "INJEST"
	ServerQuery  ServerMode = "QUERY"
	ServerAll    ServerMode = "ALL"
)

// FlightConfig is the producer-facing listen address (spec §6).
type FlightConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// SyncPolicyConfig mirrors wal.SyncPolicy in YAML-friendly form.
type SyncPolicyConfig struct {
	Kind     string        `yaml:"kind"` // every | every_n | interval
	N        uint32        `yaml:"n"`
	Interval time.Duration `yaml:"interval"`
}

// ToWAL converts the YAML shape into a wal.SyncPolicy, defaulting to
// spec §4.2's EveryN(64) when unset.
func (c SyncPolicyConfig) ToWAL() wal.SyncPolicy {
	switch c.Kind {
	case "every":
		return wal.SyncPolicy{Kind: wal.SyncEvery}
	case "interval":
		return wal.SyncPolicy{Kind: wal.SyncInterval, Interval: c.Interval}
	case "every_n", "":
		n := c.N
		if n == 0 {
			n = 64
		}
		return wal.SyncPolicy{Kind: wal.SyncEveryN, N: n}
	default:
		return wal.DefaultSyncPolicy()
	}
}

// WALConfig is the subset of WAL behavior core reads from config.
type WALConfig struct {
	Dir        string           `yaml:"dir"`
	SegmentCap uint64           `yaml:"segment_cap"`
	SyncPolicy SyncPolicyConfig `yaml:"sync_policy"`
}

// DispatchConfig selects shard count and strategy (spec §4.4).
type DispatchConfig struct {
	Shards   int    `yaml:"shards"`
	Strategy string `yaml:"strategy"` // round_robin | sticky
}

// DatabaseConfig is read only by external collaborators (schema/pattern
// persistence, admin API) per spec §1/§6 — never by the core pipeline.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Config is titan's top-level configuration document.
type Config struct {
	Server   ServerMode      `yaml:"server"`
	Flight   FlightConfig    `yaml:"flight"`
	WAL      WALConfig       `yaml:"wal"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Database DatabaseConfig  `yaml:"database"`
}

// Default returns the zero-config defaults named throughout spec §4.
func Default() Config {
	return Config{
		Server: ServerAll,
		Flight: FlightConfig{Address: "0.0.0.0", Port: 8815},
		WAL: WALConfig{
			Dir:        "./data/wal",
			SegmentCap: wal.DefaultSegmentCap,
			SyncPolicy: SyncPolicyConfig{Kind: "every_n", N: 64},
		},
		Dispatch: DispatchConfig{Shards: 4, Strategy: "round_robin"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "./data/titan.db"},
	}
}

// Load reads and parses a YAML config file, filling in spec-mandated
// defaults for anything left unset.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config file")
	}
	if cfg.WAL.SegmentCap == 0 {
		cfg.WAL.SegmentCap = wal.DefaultSegmentCap
	}
	if cfg.Dispatch.Shards == 0 {
		cfg.Dispatch.Shards = 4
	}
	if cfg.Dispatch.Strategy == "" {
		cfg.Dispatch.Strategy = "round_robin"
	}
	return cfg, nil
}
