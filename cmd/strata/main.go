package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	serverrun "github.com/rzbill/strata/internal/cmd/server"
	storerun "github.com/rzbill/strata/internal/cmd/store"
	cfgpkg "github.com/rzbill/strata/internal/config"
	pebblestore "github.com/rzbill/strata/internal/storage/pebble"
	logpkg "github.com/rzbill/strata/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	// Respect STRATA_LOG_LEVEL for both CLI and server start output.
	level := os.Getenv("STRATA_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger.
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata query engine CLI",
		Long:  "Strata is a semantic-layer query engine. This CLI runs the coordination store, the query engine server, and basic client operations.",
	}

	// store start
	storeCmd := &cobra.Command{Use: "store", Short: "Coordination store commands"}
	storeStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the coordination store server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			dataDir, _ := cmd.Flags().GetString("data-dir")
			addr, _ := cmd.Flags().GetString("addr")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			if dataDir == "" {
				dataDir = cfg.DataDir
			}
			if dataDir == "" {
				dataDir = cfgpkg.DefaultDataDir()
			}
			if addr == "" {
				addr = cfg.StoreAddr
			}
			if fsyncMode == "" {
				fsyncMode = cfg.Fsync
			}
			mode, err := parseFsync(fsyncMode)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := storerun.Run(ctx, storerun.Options{
				DataDir:       dataDir,
				Addr:          addr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Logger:        logger,
			}); err != nil {
				return fmt.Errorf("store error: %w", err)
			}
			return nil
		},
	}
	storeStartCmd.Flags().String("data-dir", "", "Data directory (defaults to config, then OS-specific application data directory)")
	storeStartCmd.Flags().String("addr", "", "Listen address (defaults to config storeAddr)")
	storeStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never (defaults to config)")
	storeStartCmd.Flags().Int("fsync-interval-ms", 5, "When fsync=interval, group-commit window in ms")
	storeStartCmd.Flags().String("config", os.Getenv("STRATA_CONFIG"), "Config file path (JSON or YAML)")
	storeCmd.AddCommand(storeStartCmd)
	rootCmd.AddCommand(storeCmd)

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Query engine server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the query engine HTTP server and queue worker",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			if httpAddr, _ := cmd.Flags().GetString("http"); httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if storeAddr, _ := cmd.Flags().GetString("store"); storeAddr != "" {
				cfg.StoreAddr = storeAddr
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg, Logger: logger}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("http", "", "HTTP listen address (defaults to config httpAddr)")
	serverStartCmd.Flags().String("store", "", "Coordination store address (defaults to config storeAddr)")
	serverStartCmd.Flags().String("config", os.Getenv("STRATA_CONFIG"), "Config file path (JSON or YAML)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// query
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Run an analytical query against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			queryJSON, _ := cmd.Flags().GetString("query")
			cacheMode, _ := cmd.Flags().GetString("cache-mode")
			if queryJSON == "" {
				return fmt.Errorf("--query is required")
			}
			body, err := json.Marshal(map[string]any{
				"query":     json.RawMessage(queryJSON),
				"cacheMode": cacheMode,
			})
			if err != nil {
				return err
			}
			resp, err := http.Post(apiURL()+"/v1/query", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("query failed: %s", resp.Status)
			}
			return nil
		},
	}
	queryCmd.Flags().String("query", "", "Query JSON")
	queryCmd.Flags().String("cache-mode", "", "Cache mode: stale-if-slow|stale-while-revalidate|must-revalidate|no-cache")
	rootCmd.AddCommand(queryCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, logger logpkg.Logger) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	if lvl, err := logpkg.ParseLevel(cfg.LogLevel); err == nil && os.Getenv("STRATA_LOG_LEVEL") == "" {
		if base, ok := logger.(interface{ SetLevel(logpkg.Level) }); ok {
			base.SetLevel(lvl)
		}
	}
	return cfg, nil
}

func parseFsync(mode string) (pebblestore.FsyncMode, error) {
	switch mode {
	case "never":
		return pebblestore.FsyncModeNever, nil
	case "interval", "":
		return pebblestore.FsyncModeInterval, nil
	case "always":
		return pebblestore.FsyncModeAlways, nil
	}
	return 0, fmt.Errorf("invalid fsync mode %q; use always|interval|never", mode)
}

func apiURL() string {
	if v := os.Getenv("STRATA_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:4000"
}
