package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"
)

// cacheRecord is the stored form of a cache row. ExpiresMs of 0 means the
// row never expires.
type cacheRecord struct {
	Value     json.RawMessage `json:"value"`
	ExpiresMs int64           `json:"expiresMs,omitempty"`
}

func (r *cacheRecord) expired(nowMs int64) bool {
	return r.ExpiresMs > 0 && r.ExpiresMs <= nowMs
}

func (s *Store) loadCacheRow(key string, nowMs int64) (*cacheRecord, bool, error) {
	raw, found, err := s.db.GetFound(cacheRowKey(key))
	if err != nil || !found {
		return nil, false, err
	}
	var rec cacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("store: decode cache row %q: %w", key, err)
	}
	if rec.expired(nowMs) {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (s *Store) setCacheRow(key string, rec *cacheRecord) error {
	enc, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(cacheRowKey(key), enc)
}

// CacheSet writes a cache row. With nx set the write only happens when no
// live row exists under the key; the return reports whether the write took
// place. ttl of 0 stores the row without expiry.
func (s *Store) CacheSet(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, nx bool, nowMs int64) (bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if nx {
		if _, found, err := s.loadCacheRow(key, nowMs); err != nil {
			return false, err
		} else if found {
			return false, nil
		}
	}
	rec := &cacheRecord{Value: value}
	if ttl > 0 {
		rec.ExpiresMs = nowMs + ttl.Milliseconds()
	}
	if err := s.setCacheRow(key, rec); err != nil {
		return false, err
	}
	return true, nil
}

// CacheGet returns the live value under a key. Expired rows read as absent;
// the sweeper removes them from disk later.
func (s *Store) CacheGet(ctx context.Context, key string, nowMs int64) (json.RawMessage, bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.loadCacheRow(key, nowMs)
	if err != nil || !found {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// CacheRemove deletes a cache row, reporting whether a live row existed.
func (s *Store) CacheRemove(ctx context.Context, key string, nowMs int64) (bool, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found, err := s.loadCacheRow(key, nowMs)
	if err != nil {
		return false, err
	}
	if err := s.db.Delete(cacheRowKey(key)); err != nil {
		return false, err
	}
	return found, nil
}

// CacheKeys lists live cache keys under a prefix.
func (s *Store) CacheKeys(ctx context.Context, prefix string, nowMs int64) ([]string, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lower := cachePrefix(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: keyUpperBound(lower)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	base := cachePrefix("")
	var keys []string
	for ok := iter.First(); ok; ok = iter.Next() {
		var rec cacheRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("store: decode cache row %q: %w", iter.Key(), err)
		}
		if rec.expired(nowMs) {
			continue
		}
		keys = append(keys, string(iter.Key()[len(base):]))
	}
	return keys, nil
}

// CacheIncr atomically increments the counter under a key and returns the
// new value. Missing or expired rows count from zero. Counters are stored
// as JSON numbers so they read back through CacheGet like any other row.
func (s *Store) CacheIncr(ctx context.Context, key string, nowMs int64) (int64, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	rec, found, err := s.loadCacheRow(key, nowMs)
	if err != nil {
		return 0, err
	}
	if found {
		if current, err = strconv.ParseInt(string(rec.Value), 10, 64); err != nil {
			return 0, fmt.Errorf("store: cache row %q is not a counter: %w", key, err)
		}
	}
	current++
	next := &cacheRecord{Value: json.RawMessage(strconv.FormatInt(current, 10))}
	if found {
		next.ExpiresMs = rec.ExpiresMs
	}
	if err := s.setCacheRow(key, next); err != nil {
		return 0, err
	}
	return current, nil
}
