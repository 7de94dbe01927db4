package queuedriver

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/rzbill/strata/pkg/id"
)

// QueryKey identifies a unit of work. Key is arbitrary application data;
// Persistent marks keys that must stay private to this process.
type QueryKey struct {
	Key        any
	Persistent bool
}

// canonicalJSON renders a value as deterministic JSON: a marshal round trip
// forces every object into a map, and map keys marshal sorted, so two
// structurally equal keys always serialize identically.
func canonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queuedriver: serialize query key: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, fmt.Errorf("queuedriver: normalize query key: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("queuedriver: serialize query key: %w", err)
	}
	return out, nil
}

// KeyHash derives the stable hash for a query key: 128-bit xxh3 of the
// canonical serialization, hex encoded. Persistent keys get the process uid
// appended so persistent queries from different processes never collide.
func KeyHash(key QueryKey, processUID id.ProcessUID) (string, error) {
	canonical, err := canonicalJSON(key.Key)
	if err != nil {
		return "", err
	}
	sum := xxh3.Hash128(canonical)
	hash := fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
	if key.Persistent {
		hash += "@" + string(processUID)
	}
	return hash, nil
}
