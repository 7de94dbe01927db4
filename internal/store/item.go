package store

import (
	"encoding/json"
	"fmt"
)

// Item statuses
const (
	StatusPending = "pending"
	StatusActive  = "active"
)

// Item is one queue entry. Key is the full client-facing key
// ("{queue}:{id}"); ID is the store-assigned numeric handle.
type Item struct {
	ID          uint64 `json:"id"`
	Key         string `json:"key"`
	Status      string `json:"status"`
	Priority    int64  `json:"priority"`
	AddedMs     int64  `json:"added_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	// OrphanedMs is the per-item orphan deadline in absolute ms, 0 when the
	// item relies on the sweep-supplied default timeout.
	OrphanedMs int64           `json:"orphaned_ms,omitempty"`
	Seq        uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
}

func encodeItem(it *Item) ([]byte, error) {
	b, err := json.Marshal(it)
	if err != nil {
		return nil, fmt.Errorf("store: encode item %q: %w", it.Key, err)
	}
	return b, nil
}

func decodeItem(b []byte) (*Item, error) {
	var it Item
	if err := json.Unmarshal(b, &it); err != nil {
		return nil, fmt.Errorf("store: decode item: %w", err)
	}
	return &it, nil
}

// mergeExtra applies a shallow JSON merge of patch into base, last writer
// wins per key. The merge happens inside the store so clients never do a
// read-modify-write cycle over the wire.
func mergeExtra(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("store: merge extra base: %w", err)
		}
	}
	var in map[string]json.RawMessage
	if err := json.Unmarshal(patch, &in); err != nil {
		return nil, fmt.Errorf("store: merge extra patch: %w", err)
	}
	for k, v := range in {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// resultRecord is a stored, not-yet-collected query result.
type resultRecord struct {
	Value   json.RawMessage `json:"value"`
	AddedMs int64           `json:"added_ms"`
}
