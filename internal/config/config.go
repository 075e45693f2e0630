// Package config loads the collector's YAML configuration: which symbols
// to track, venue endpoints, and the persistence/backoff knobs that govern
// the collector's runtime behavior.
package config

import (
	"fmt"
	"time"
)

// Config is the complete daemon configuration.
type Config struct {
	Feed        FeedConfig        `yaml:"feed"`
	Symbols     []SymbolConfig    `yaml:"symbols"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// FeedConfig names the venue REST and WebSocket endpoints.
type FeedConfig struct {
	RESTBase string `yaml:"rest_base"`
	WSBase   string `yaml:"ws_base"`
}

// SymbolConfig is a single tracked symbol and its book depth.
type SymbolConfig struct {
	Symbol string `yaml:"symbol"`
	Depth  int    `yaml:"depth"`
}

// PersistenceConfig bounds how often each persisted artifact refreshes.
type PersistenceConfig struct {
	DataDir              string `yaml:"data_dir"`
	HistoryDBPath        string `yaml:"history_db_path"`
	WriteIntervalSec     int    `yaml:"write_interval_sec"`
	OFIIntervalSec       int    `yaml:"ofi_interval_sec"`
	WallSnapshotInterval int    `yaml:"wall_snapshot_interval_sec"`
}

// ReconnectConfig bounds the feed supervisor's retry/backoff behavior.
type ReconnectConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffSec float64 `yaml:"initial_backoff_sec"`
	MaxBackoffSec     float64 `yaml:"max_backoff_sec"`
	BackoffFactor     float64 `yaml:"backoff_factor"`
}

// MonitoringConfig controls the Prometheus metrics endpoint.
type MonitoringConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a Config with the reference daemon's defaults, used when
// no YAML file is supplied or a loaded file omits a section.
func Default() Config {
	return Config{
		Feed: FeedConfig{
			RESTBase: "https://fapi.binance.com",
			WSBase:   "wss://fstream.binance.com",
		},
		Persistence: PersistenceConfig{
			DataDir:              "./data",
			HistoryDBPath:        "./data/history.db",
			WriteIntervalSec:     2,
			OFIIntervalSec:       30,
			WallSnapshotInterval: 300,
		},
		Reconnect: ReconnectConfig{
			MaxRetries:        0,
			InitialBackoffSec: 1,
			MaxBackoffSec:     60,
			BackoffFactor:     2,
		},
		Monitoring: MonitoringConfig{
			Enabled:    true,
			ListenAddr: ":9108",
		},
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol must be configured")
	}
	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("config: symbol entry missing name")
		}
	}
	if c.Feed.RESTBase == "" || c.Feed.WSBase == "" {
		return fmt.Errorf("config: feed.rest_base and feed.ws_base are required")
	}
	return nil
}

// WriteInterval returns the configured snapshot write interval as a
// time.Duration.
func (c *Config) WriteInterval() time.Duration {
	return time.Duration(c.Persistence.WriteIntervalSec) * time.Second
}

// OFIInterval returns the configured OFI history interval.
func (c *Config) OFIInterval() time.Duration {
	return time.Duration(c.Persistence.OFIIntervalSec) * time.Second
}

// WallSnapshotInterval returns the configured wall-snapshot history
// interval.
func (c *Config) WallSnapshotInterval() time.Duration {
	return time.Duration(c.Persistence.WallSnapshotInterval) * time.Second
}

// InitialBackoff returns the configured initial reconnect backoff.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Reconnect.InitialBackoffSec * float64(time.Second))
}

// MaxBackoff returns the configured max reconnect backoff.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Reconnect.MaxBackoffSec * float64(time.Second))
}
