package serverrun

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rzbill/strata/internal/command"
	cfgpkg "github.com/rzbill/strata/internal/config"
	"github.com/rzbill/strata/internal/server"
	pebblestore "github.com/rzbill/strata/internal/storage/pebble"
	"github.com/rzbill/strata/internal/store"
)

func startStore(t *testing.T) net.Addr {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := store.Open(db, store.Options{})
	t.Cleanup(st.Close)

	srv := server.New(command.NewHandler(st, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	var addr net.Addr
	for i := 0; i < 100 && addr == nil; i++ {
		if addr = srv.Addr(); addr == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if addr == nil {
		t.Fatal("store never bound")
	}
	return addr
}

// Run should come up against a live store and exit cleanly on ctx cancel.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	addr := startStore(t)

	cfg := cfgpkg.Default()
	cfg.StoreAddr = addr.String()
	cfg.HTTPAddr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := Run(ctx, Options{Config: cfg}); err != nil {
		t.Fatalf("run: %v", err)
	}
}
