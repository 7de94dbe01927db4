package store

import (
	"encoding/binary"
	"math"
	"strings"
)

// Key prefixes for store data structures
const (
	prefixItem   = "item/" // queue item records
	prefixPend   = "pend/" // pending priority index
	prefixActive = "act/"  // active set
	prefixResult = "res/"  // stored results
)

// queuePrefix returns the base prefix for one logical queue.
// Format: q/{queue}/
func queuePrefix(queue string) string {
	return "q/" + queue + "/"
}

// SplitKey splits a full item key into its queue prefix and item id at the
// last ':'. Keys without a ':' form a queue of their own with an empty id.
func SplitKey(key string) (queue, id string) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// itemKey returns the record key for an item.
// Format: q/{queue}/item/{id}
func itemKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixItem + id)
}

// pendKey returns the pending index key. Priority is biased and inverted so
// that ascending iteration yields highest priority first, FIFO within a
// priority.
// Format: q/{queue}/pend/{^biased_priority}{seq}
func pendKey(queue string, priority int64, seq uint64) []byte {
	prefix := queuePrefix(queue) + prefixPend
	key := make([]byte, len(prefix)+8+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], ^biasPriority(priority))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

// biasPriority maps int64 priorities onto uint64 preserving order.
func biasPriority(priority int64) uint64 {
	return uint64(priority) + (uint64(math.MaxInt64) + 1)
}

// pendPrefix returns the scan prefix for the pending index.
func pendPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixPend)
}

// activeKey returns the active set key for an item.
// Format: q/{queue}/act/{id}
func activeKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixActive + id)
}

// activePrefix returns the scan prefix for the active set.
func activePrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixActive)
}

// resultKey returns the stored-result key for an item.
// Format: q/{queue}/res/{id}
func resultKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixResult + id)
}

// resultPrefix returns the scan prefix for stored results.
func resultPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixResult)
}

// itemPrefix returns the scan prefix for item records.
func itemPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixItem)
}

// queueIDKey returns the queue-id lookup key.
// Format: qid/{seq}
func queueIDKey(seq uint64) []byte {
	key := make([]byte, 4+8)
	copy(key, "qid/")
	binary.BigEndian.PutUint64(key[4:], seq)
	return key
}

// seqKey is the global queue-id counter key.
func seqKey() []byte { return []byte("qseq") }

// cacheRowKey returns the cache record key.
// Format: c/{key}
func cacheRowKey(key string) []byte { return []byte("c/" + key) }

// cachePrefix returns the scan prefix for cache rows under a key prefix.
func cachePrefix(prefix string) []byte { return []byte("c/" + prefix) }

// keyUpperBound returns the exclusive scan upper bound for a prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return end
}
