package pebblestore

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

type testMetrics struct {
	readBytes   int
	commits     int
	commitBytes int
}

func (m *testMetrics) ObserveRead(d time.Duration, bytes int) { m.readBytes += bytes }
func (m *testMetrics) ObserveBatchCommit(d time.Duration, bytes int) {
	m.commits++
	m.commitBytes += bytes
}

func newTestDB(t *testing.T) (*DB, *testMetrics) {
	t.Helper()
	metrics := &testMetrics{}
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, metrics
}

func TestCRUD(t *testing.T) {
	db, metrics := newTestDB(t)

	if err := db.Set([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q want %q", got, "v1")
	}
	if metrics.readBytes == 0 {
		t.Fatalf("expected read metrics to record bytes")
	}

	if err := db.Delete([]byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("k1")); err == nil {
		t.Fatalf("expected not found after delete")
	}
}

func TestGetFound(t *testing.T) {
	db, _ := newTestDB(t)

	_, ok, err := db.GetFound([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("expected absent without error, got ok=%v err=%v", ok, err)
	}
	if err := db.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := db.GetFound([]byte("k"))
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("got %q ok=%v err=%v", val, ok, err)
	}
}

func TestBatchCommitAndIter(t *testing.T) {
	db, metrics := newTestDB(t)

	b := db.NewBatch()
	_ = b.Set([]byte("p/a"), []byte("1"), nil)
	_ = b.Set([]byte("p/b"), []byte("2"), nil)
	_ = b.Set([]byte("q/c"), []byte("3"), nil)
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()
	if metrics.commits == 0 || metrics.commitBytes == 0 {
		t.Fatalf("expected commit metrics")
	}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("p/"),
		UpperBound: []byte("p/\xff"),
	})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	defer iter.Close()
	count := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 keys under p/, got %d", count)
	}
}
