package ident

import (
	"sync"
	"time"
)

// Snowflake is a monotonically increasing 64-bit position with an embedded
// millisecond timestamp. Within one agent it totally orders messages: for
// any two positions a < b, a was generated no later than b.
//
// Layout, high to low: 41 bits of milliseconds since epoch, 10 bits of node
// id, 12 bits of per-millisecond sequence.
type Snowflake int64

// epoch is 2024-01-01T00:00:00Z in Unix milliseconds. Positions are offsets
// from here, which keeps 41 bits of timestamp good for ~69 years.
const epoch int64 = 1704067200000

const (
	nodeBits = 10
	seqBits  = 12
	nodeMax  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

// Time returns the embedded timestamp, truncated to milliseconds.
func (s Snowflake) Time() time.Time {
	ms := int64(s)>>(nodeBits+seqBits) + epoch
	return time.UnixMilli(ms)
}

// Node returns the embedded node id.
func (s Snowflake) Node() int64 {
	return (int64(s) >> seqBits) & nodeMax
}

// SnowflakeGenerator issues strictly increasing Snowflakes. Safe for
// concurrent use.
type SnowflakeGenerator struct {
	mu     sync.Mutex
	node   int64
	lastMS int64
	seq    int64
	now    func() time.Time
}

// NewSnowflakeGenerator returns a generator for the given node id
// (0..1023). Node ids distinguish generators in different processes; within
// one process a single shared generator suffices.
func NewSnowflakeGenerator(node int64) *SnowflakeGenerator {
	return &SnowflakeGenerator{node: node & nodeMax, now: time.Now}
}

// Next returns the next position. If the clock reads earlier than the last
// issued millisecond (NTP step, VM migration), the generator keeps issuing
// from the last millisecond's sequence rather than going backwards.
func (g *SnowflakeGenerator) Next() Snowflake {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli() - epoch
	if ms < g.lastMS {
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// Sequence exhausted within this millisecond; move to the next.
			ms = g.lastMS + 1
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms

	return Snowflake(ms<<(nodeBits+seqBits) | g.node<<seqBits | g.seq)
}
