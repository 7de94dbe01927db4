package config

import (
	"os"
	"strconv"
)

// FromEnv overlays STRATA_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	setStr := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("STRATA_STORE_ADDR", &cfg.StoreAddr)
	setStr("STRATA_HTTP_ADDR", &cfg.HTTPAddr)
	setStr("STRATA_DATA_DIR", &cfg.DataDir)
	setStr("STRATA_FSYNC", &cfg.Fsync)
	setStr("STRATA_LOG_LEVEL", &cfg.LogLevel)

	setStr("STRATA_QUEUE_NAME", &cfg.Queue.Name)
	setInt("STRATA_QUEUE_CONCURRENCY", &cfg.Queue.Concurrency)
	setInt("STRATA_QUEUE_CONTINUE_WAIT_SECONDS", &cfg.Queue.ContinueWaitSeconds)
	setInt("STRATA_QUEUE_HEARTBEAT_SECONDS", &cfg.Queue.HeartbeatSeconds)
	setInt("STRATA_QUEUE_ORPHANED_SECONDS", &cfg.Queue.OrphanedSeconds)

	setStr("STRATA_CACHE_MODE", &cfg.Cache.Mode)
	setInt("STRATA_CACHE_TTL_SECONDS", &cfg.Cache.TTLSeconds)
	setInt("STRATA_CACHE_REFRESH_SECONDS", &cfg.Cache.RefreshSeconds)
	setInt("STRATA_CACHE_GRACE_WAIT_MILLIS", &cfg.Cache.GraceWaitMillis)

	setInt("STRATA_POOL_MAX", &cfg.Pool.Max)
	setInt("STRATA_POOL_ACQUIRE_TIMEOUT_SECONDS", &cfg.Pool.AcquireTimeoutSeconds)
}
