package storerun

import (
	"context"
	"testing"
	"time"

	pebblestore "github.com/rzbill/strata/internal/storage/pebble"
)

// Run should start, serve, and exit cleanly on ctx cancel.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := Run(ctx, Options{
		DataDir: t.TempDir(),
		Addr:    "127.0.0.1:0",
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRejectsBadAddr(t *testing.T) {
	err := Run(context.Background(), Options{
		DataDir: t.TempDir(),
		Addr:    "256.256.256.256:99999",
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err == nil {
		t.Fatal("expected listen error")
	}
}
