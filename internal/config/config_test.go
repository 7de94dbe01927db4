package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Queue.Name != "queries" {
		t.Fatalf("default queue name: %q", cfg.Queue.Name)
	}
	if cfg.Queue.Concurrency != 2 {
		t.Fatalf("default concurrency: %d", cfg.Queue.Concurrency)
	}
	if cfg.Cache.Mode != "stale-if-slow" {
		t.Fatalf("default cache mode: %q", cfg.Cache.Mode)
	}
	if cfg.Pool.Max != 8 {
		t.Fatalf("default pool max: %d", cfg.Pool.Max)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "strata.json")
	data := []byte(`{"storeAddr":"10.0.0.1:7420","queue":{"concurrency":8,"orphanedSeconds":300}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreAddr != "10.0.0.1:7420" {
		t.Fatalf("storeAddr: %q", cfg.StoreAddr)
	}
	if cfg.Queue.Concurrency != 8 {
		t.Fatalf("concurrency: %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.OrphanedTimeout() != 300*time.Second {
		t.Fatalf("orphaned timeout: %v", cfg.Queue.OrphanedTimeout())
	}
	// Untouched fields keep defaults.
	if cfg.Queue.Name != "queries" {
		t.Fatalf("queue name: %q", cfg.Queue.Name)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "strata.yaml")
	data := []byte("httpAddr: \":8080\"\ncache:\n  mode: must-revalidate\n  ttlSeconds: 60\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("httpAddr: %q", cfg.HTTPAddr)
	}
	if cfg.Cache.Mode != "must-revalidate" {
		t.Fatalf("cache mode: %q", cfg.Cache.Mode)
	}
	if cfg.Cache.TTL() != time.Minute {
		t.Fatalf("cache ttl: %v", cfg.Cache.TTL())
	}
	if cfg.StoreAddr != Default().StoreAddr {
		t.Fatalf("storeAddr should keep default, got %q", cfg.StoreAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg, err := Load("")
	if err != nil || cfg.Queue.Name != "queries" {
		t.Fatalf("empty path should return defaults: %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("STRATA_STORE_ADDR", "10.1.1.1:7420")
	t.Setenv("STRATA_QUEUE_CONCURRENCY", "16")
	t.Setenv("STRATA_CACHE_MODE", "no-cache")
	t.Setenv("STRATA_LOG_LEVEL", "debug")
	FromEnv(&cfg)
	if cfg.StoreAddr != "10.1.1.1:7420" {
		t.Fatalf("env storeAddr: %q", cfg.StoreAddr)
	}
	if cfg.Queue.Concurrency != 16 {
		t.Fatalf("env concurrency: %d", cfg.Queue.Concurrency)
	}
	if cfg.Cache.Mode != "no-cache" {
		t.Fatalf("env cache mode: %q", cfg.Cache.Mode)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env log level: %q", cfg.LogLevel)
	}
}

func TestFromEnvIgnoresMalformedNumbers(t *testing.T) {
	cfg := Default()
	t.Setenv("STRATA_QUEUE_CONCURRENCY", "lots")
	FromEnv(&cfg)
	if cfg.Queue.Concurrency != 2 {
		t.Fatalf("malformed int should keep default, got %d", cfg.Queue.Concurrency)
	}
}
