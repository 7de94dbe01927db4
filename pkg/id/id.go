package id

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][8 bytes sequence].
type ID [16]byte

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns a hex string.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time returns the embedded millisecond timestamp.
func (i ID) Time() int64 { return int64(binary.BigEndian.Uint64(i[0:8])) }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// NowMs returns current time in milliseconds since Unix epoch. Overridable in tests.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// Next returns a new ID. If the clock goes backwards, it pins to the last
// observed millisecond and keeps incrementing the sequence. If the sequence
// overflows within one millisecond, it waits for the next millisecond.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	switch {
	case ms > g.lastMs:
		g.sequence = 0
	case g.sequence == math.MaxUint64:
		for {
			ms = NowMs()
			if ms > g.lastMs {
				break
			}
			time.Sleep(time.Millisecond / 8)
		}
		g.sequence = 0
	default:
		g.sequence++
	}

	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	binary.BigEndian.PutUint64(out[8:16], g.sequence)
	return out
}
