package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	StoreAddr string      `json:"storeAddr" yaml:"storeAddr"`
	HTTPAddr  string      `json:"httpAddr" yaml:"httpAddr"`
	DataDir   string      `json:"dataDir" yaml:"dataDir"`
	Fsync     string      `json:"fsync" yaml:"fsync"`
	LogLevel  string      `json:"logLevel" yaml:"logLevel"`
	Queue     QueueConfig `json:"queue" yaml:"queue"`
	Cache     CacheConfig `json:"cache" yaml:"cache"`
	Pool      PoolConfig  `json:"pool" yaml:"pool"`
}

// QueueConfig tunes the distributed query queue.
type QueueConfig struct {
	Name                string `json:"name" yaml:"name"`
	Concurrency         int    `json:"concurrency" yaml:"concurrency"`
	ContinueWaitSeconds int    `json:"continueWaitSeconds" yaml:"continueWaitSeconds"`
	HeartbeatSeconds    int    `json:"heartbeatSeconds" yaml:"heartbeatSeconds"`
	OrphanedSeconds     int    `json:"orphanedSeconds" yaml:"orphanedSeconds"`
}

// CacheConfig tunes the in-process query result cache.
type CacheConfig struct {
	Mode            string `json:"mode" yaml:"mode"`
	TTLSeconds      int    `json:"ttlSeconds" yaml:"ttlSeconds"`
	RefreshSeconds  int    `json:"refreshSeconds" yaml:"refreshSeconds"`
	GraceWaitMillis int    `json:"graceWaitMillis" yaml:"graceWaitMillis"`
}

// PoolConfig bounds the coordination store connection pool.
type PoolConfig struct {
	Max                   int `json:"max" yaml:"max"`
	AcquireTimeoutSeconds int `json:"acquireTimeoutSeconds" yaml:"acquireTimeoutSeconds"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		StoreAddr: "127.0.0.1:7420",
		HTTPAddr:  ":4000",
		Fsync:     "interval",
		LogLevel:  "info",
		Queue: QueueConfig{
			Name:                "queries",
			Concurrency:         2,
			ContinueWaitSeconds: 5,
			HeartbeatSeconds:    30,
			OrphanedSeconds:     120,
		},
		Cache: CacheConfig{
			Mode:            "stale-if-slow",
			TTLSeconds:      600,
			RefreshSeconds:  30,
			GraceWaitMillis: 5000,
		},
		Pool: PoolConfig{
			Max:                   8,
			AcquireTimeoutSeconds: 10,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// ContinueWait returns the queue long-poll window as a duration.
func (q QueueConfig) ContinueWait() time.Duration {
	return time.Duration(q.ContinueWaitSeconds) * time.Second
}

// HeartbeatTimeout returns the stall threshold as a duration.
func (q QueueConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(q.HeartbeatSeconds) * time.Second
}

// OrphanedTimeout returns the orphan threshold as a duration.
func (q QueueConfig) OrphanedTimeout() time.Duration {
	return time.Duration(q.OrphanedSeconds) * time.Second
}

// TTL returns the cache entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RefreshAge returns the staleness threshold as a duration.
func (c CacheConfig) RefreshAge() time.Duration {
	return time.Duration(c.RefreshSeconds) * time.Second
}

// GraceWait returns the stale-if-slow grace window as a duration.
func (c CacheConfig) GraceWait() time.Duration {
	return time.Duration(c.GraceWaitMillis) * time.Millisecond
}

// AcquireTimeout returns the pool acquire deadline as a duration.
func (p PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutSeconds) * time.Second
}
