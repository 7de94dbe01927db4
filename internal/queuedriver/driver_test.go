package queuedriver

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/strata/internal/client"
	"github.com/rzbill/strata/internal/command"
	"github.com/rzbill/strata/internal/server"
	pebblestore "github.com/rzbill/strata/internal/storage/pebble"
	"github.com/rzbill/strata/internal/store"
	"github.com/rzbill/strata/pkg/id"
)

func startHarness(t *testing.T, opts Options) *Driver {
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
	var addr net.Addr
	for i := 0; i < 100 && addr == nil; i++ {
		if addr = srv.Addr(); addr == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if addr == nil {
		t.Fatal("server never bound")
	}

	pool := client.NewPool(client.PoolOptions[*client.Conn]{
		Name:  "coordination",
		New:   func(ctx context.Context) (*client.Conn, error) { return client.Dial(addr.String(), client.Options{}) },
		Close: func(c *client.Conn) { c.Close() },
		Max:   4,
	})
	t.Cleanup(func() {
		pool.Close()
		cancel()
		<-done
	})
	return New(pool, id.NewProcessUID(), opts)
}

func mustHash(t *testing.T, d *Driver, key any) string {
	t.Helper()
	h, err := d.HashKey(QueryKey{Key: key})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return h
}

func TestKeyHashDeterministic(t *testing.T) {
	uid := id.NewProcessUID()
	key := QueryKey{Key: map[string]any{"sql": "SELECT 1", "params": []any{1, "a"}}}

	h1, err := KeyHash(key, uid)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := KeyHash(QueryKey{Key: map[string]any{"params": []any{1, "a"}, "sql": "SELECT 1"}}, uid)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("equal keys hash differently: %s vs %s", h1, h2)
	}
	if len(h1) != 32 {
		t.Fatalf("hash length = %d, want 32 hex chars", len(h1))
	}

	h3, err := KeyHash(QueryKey{Key: map[string]any{"sql": "SELECT 2"}}, uid)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Fatal("distinct keys collide")
	}
}

func TestKeyHashPersistentSuffix(t *testing.T) {
	uidA, uidB := id.NewProcessUID(), id.NewProcessUID()
	key := QueryKey{Key: "daily rollup", Persistent: true}

	hA, _ := KeyHash(key, uidA)
	hB, _ := KeyHash(key, uidB)
	if hA == hB {
		t.Fatal("persistent hashes collide across processes")
	}
	if !strings.HasSuffix(hA, "@"+string(uidA)) {
		t.Fatalf("hash %s missing process suffix", hA)
	}

	plain, _ := KeyHash(QueryKey{Key: "daily rollup"}, uidA)
	if strings.Contains(plain, "@") {
		t.Fatalf("non-persistent hash carries suffix: %s", plain)
	}
}

func TestDriverAddRetrieveAckRoundTrip(t *testing.T) {
	d := startHarness(t, Options{Queue: "preagg", Concurrency: 2})
	ctx := context.Background()
	hash := mustHash(t, d, "build-1")
	def := &QueryDef{HandlerName: "build", Query: json.RawMessage(`{"sql":"SELECT 1"}`), Priority: 5}

	add, err := d.AddToQueue(ctx, hash, 0, def)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !add.Added || add.QueueID == 0 || add.Pending != 1 {
		t.Fatalf("add = %+v", add)
	}

	// Second add for the same hash attaches instead of duplicating.
	again, err := d.AddToQueue(ctx, hash, 0, def)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if again.Added || again.QueueID != add.QueueID {
		t.Fatalf("re-add = %+v", again)
	}

	got, err := d.RetrieveForProcessing(ctx, hash)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !got.GotWork || got.Def == nil || got.Def.HandlerName != "build" {
		t.Fatalf("retrieve = %+v", got)
	}

	ok, err := d.SetResultAndRemoveQuery(ctx, hash, got.QueueID, json.RawMessage(`{"rows":10}`))
	if err != nil || !ok {
		t.Fatalf("ack: ok=%v err=%v", ok, err)
	}

	res, err := d.GetResult(ctx, hash)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if string(res) != `{"rows":10}` {
		t.Fatalf("result = %s", res)
	}
}

func TestDriverAdmissionControl(t *testing.T) {
	d := startHarness(t, Options{Queue: "preagg", Concurrency: 1})
	ctx := context.Background()
	h1 := mustHash(t, d, "job-1")
	h2 := mustHash(t, d, "job-2")

	for _, h := range []string{h1, h2} {
		if _, err := d.AddToQueue(ctx, h, 0, &QueryDef{HandlerName: "build"}); err != nil {
			t.Fatalf("add %s: %v", h, err)
		}
	}
	first, err := d.RetrieveForProcessing(ctx, h1)
	if err != nil || !first.GotWork {
		t.Fatalf("first retrieve: %+v err=%v", first, err)
	}
	// With concurrency 1 and one active item, a pending item is refused.
	second, err := d.RetrieveForProcessing(ctx, h2)
	if err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if second.GotWork {
		t.Fatalf("admission control violated: %+v", second)
	}
	if len(second.ActiveKeys) != 1 || second.ActiveKeys[0] != h1 {
		t.Fatalf("active keys = %v", second.ActiveKeys)
	}
}

func TestDriverSweepsAndCancel(t *testing.T) {
	d := startHarness(t, Options{Queue: "preagg"})
	ctx := context.Background()
	h1 := mustHash(t, d, "sweep-1")
	h2 := mustHash(t, d, "sweep-2")

	for _, h := range []string{h1, h2} {
		if _, err := d.AddToQueue(ctx, h, 0, &QueryDef{HandlerName: "build"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := d.RetrieveForProcessing(ctx, h1); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	active, err := d.GetActiveQueries(ctx)
	if err != nil || len(active) != 1 || active[0] != h1 {
		t.Fatalf("active = %v err=%v", active, err)
	}
	pending, err := d.GetToProcessQueries(ctx)
	if err != nil || len(pending) != 1 || pending[0] != h2 {
		t.Fatalf("pending = %v err=%v", pending, err)
	}

	def, err := d.CancelQuery(ctx, h2, 0)
	if err != nil || def == nil || def.HandlerName != "build" {
		t.Fatalf("cancel: def=%+v err=%v", def, err)
	}
	if def2, err := d.CancelQuery(ctx, h2, 0); err != nil || def2 != nil {
		t.Fatalf("second cancel: def=%+v err=%v", def2, err)
	}
}

func TestDriverOptimisticQueryUpdate(t *testing.T) {
	d := startHarness(t, Options{Queue: "preagg"})
	ctx := context.Background()
	hash := mustHash(t, d, "upd-1")

	if _, err := d.AddToQueue(ctx, hash, 0, &QueryDef{HandlerName: "build"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ok, err := d.OptimisticQueryUpdate(ctx, hash, 0, map[string]any{"stage": "import", "pct": 40})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	ok, err = d.OptimisticQueryUpdate(ctx, hash, 0, map[string]any{"pct": 80})
	if err != nil || !ok {
		t.Fatalf("second update: ok=%v err=%v", ok, err)
	}

	def, err := d.GetQueryDef(ctx, hash, 0)
	if err != nil || def == nil {
		t.Fatalf("get def: %+v err=%v", def, err)
	}
	var extra map[string]any
	if err := json.Unmarshal(def.Extra, &extra); err != nil {
		t.Fatalf("decode extra %s: %v", def.Extra, err)
	}
	if extra["stage"] != "import" || extra["pct"] != float64(80) {
		t.Fatalf("extra = %v", extra)
	}
}

func TestDriverProcessingIdsAreMonotonic(t *testing.T) {
	d := startHarness(t, Options{Queue: "preagg"})
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		n, err := d.GetNextProcessingId(ctx)
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if n <= last {
			t.Fatalf("id %d not greater than %d", n, last)
		}
		last = n
	}
}
