package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/strata/internal/storage/pebble"
	"github.com/rzbill/strata/pkg/log"
)

// Store is the coordination engine over a single Pebble database. One global
// mutex serializes state transitions; command volume is small (queue control
// traffic, not data traffic) and single-writer keeps every transition atomic
// without cross-key locking.
type Store struct {
	db     *pebblestore.DB
	logger log.Logger

	mu      sync.Mutex
	waiters map[string][]chan json.RawMessage

	sweepMu   sync.Mutex
	sweepStop chan struct{}
}

// Options configures a Store.
type Options struct {
	Logger log.Logger
}

// Open wraps an existing database as a Store.
func Open(db *pebblestore.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{
		db:      db,
		logger:  logger.WithComponent("store"),
		waiters: make(map[string][]chan json.RawMessage),
	}
}

// Close stops background work. The underlying DB is owned by the caller.
func (s *Store) Close() {
	s.StopSweeper()
}

// nextSeq atomically increments the global queue-id counter.
// Caller must hold s.mu.
func (s *Store) nextSeqLocked(ctx context.Context, b *pebble.Batch) (uint64, error) {
	var seq uint64
	if raw, ok, err := s.db.GetFound(seqKey()); err != nil {
		return 0, err
	} else if ok && len(raw) >= 8 {
		seq = binary.BigEndian.Uint64(raw[:8])
	}
	seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := b.Set(seqKey(), buf[:], nil); err != nil {
		return 0, err
	}
	return seq, nil
}

// resolveKey maps a client-supplied handle to (queue, id). The handle is
// either the full "{queue}:{id}" key or a bare numeric queue id assigned at
// add time.
func (s *Store) resolveKey(handle string) (queue, id string, ok bool, err error) {
	if n, convErr := strconv.ParseUint(handle, 10, 64); convErr == nil {
		raw, found, getErr := s.db.GetFound(queueIDKey(n))
		if getErr != nil {
			return "", "", false, getErr
		}
		if !found {
			return "", "", false, nil
		}
		queue, id = SplitKey(string(raw))
		return queue, id, true, nil
	}
	queue, id = SplitKey(handle)
	return queue, id, true, nil
}

func (s *Store) loadItem(queue, id string) (*Item, bool, error) {
	raw, ok, err := s.db.GetFound(itemKey(queue, id))
	if err != nil || !ok {
		return nil, false, err
	}
	it, err := decodeItem(raw)
	if err != nil {
		return nil, false, err
	}
	return it, true, nil
}

// notifyResultLocked delivers a result to all currently blocked waiters.
// Caller must hold s.mu.
func (s *Store) notifyResultLocked(key string, value json.RawMessage) {
	for _, ch := range s.waiters[key] {
		ch <- value
	}
	delete(s.waiters, key)
}

// registerWaiter parks a result waiter for key. The returned channel has
// capacity 1 so notification never blocks the store mutex holder.
func (s *Store) registerWaiter(key string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) unregisterWaiter(key string, ch chan json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.waiters[key]
	for i, w := range ws {
		if w == ch {
			s.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[key]) == 0 {
		delete(s.waiters, key)
	}
}

// StartSweeper runs a background loop that drops uncollected results and
// expired cache rows.
func (s *Store) StartSweeper(interval, resultTTL time.Duration) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if resultTTL <= 0 {
		resultTTL = 10 * time.Minute
	}
	s.sweepStop = make(chan struct{})
	stop := s.sweepStop
	go func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-stop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				if n, err := s.sweepExpired(time.Now().UnixMilli(), resultTTL); err != nil {
					s.logger.Warn("sweep failed", log.Err(err))
				} else if n > 0 {
					s.logger.Debug("sweep removed rows", log.Int("count", n))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (s *Store) StopSweeper() {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepStop != nil {
		close(s.sweepStop)
		s.sweepStop = nil
	}
}

// sweepExpired removes stale results and expired cache rows in one pass.
func (s *Store) sweepExpired(nowMs int64, resultTTL time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	b := s.db.NewBatch()
	defer b.Close()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("c/"),
		UpperBound: keyUpperBound([]byte("c/")),
	})
	if err != nil {
		return 0, err
	}
	for ok := iter.First(); ok; ok = iter.Next() {
		var row cacheRecord
		if json.Unmarshal(iter.Value(), &row) != nil {
			continue
		}
		if row.ExpiresMs > 0 && row.ExpiresMs <= nowMs {
			_ = b.Delete(append([]byte(nil), iter.Key()...), nil)
			removed++
		}
	}
	_ = iter.Close()

	cutoff := nowMs - resultTTL.Milliseconds()
	iter, err = s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("q/"),
		UpperBound: keyUpperBound([]byte("q/")),
	})
	if err != nil {
		return removed, err
	}
	for ok := iter.First(); ok; ok = iter.Next() {
		key := string(iter.Key())
		if !isResultKey(key) {
			continue
		}
		var rec resultRecord
		if json.Unmarshal(iter.Value(), &rec) != nil {
			continue
		}
		if rec.AddedMs <= cutoff {
			_ = b.Delete(append([]byte(nil), iter.Key()...), nil)
			removed++
		}
	}
	_ = iter.Close()

	if removed == 0 {
		return 0, nil
	}
	return removed, s.db.CommitBatch(context.Background(), b)
}

func isResultKey(key string) bool {
	return strings.Contains(key, "/"+prefixResult)
}
