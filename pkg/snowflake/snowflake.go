// Package snowflake generates time-ordered 63-bit message ids.
//
// Layout, most significant first: 41 bits of milliseconds since Epoch,
// 10 bits of node id, 12 bits of per-millisecond sequence. Ids from one
// node are strictly increasing; ids from different nodes sort by time.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	nodeMax   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits
)

// Epoch is 2024-01-01 00:00:00 UTC in unix milliseconds.
const Epoch int64 = 1704067200000

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
	node int64
	step int64
}

func NewGenerator(node int64) (*Generator, error) {
	return newGenerator(node, time.Now)
}

func newGenerator(node int64, now func() time.Time) (*Generator, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	return &Generator{node: node, now: now}, nil
}

// Next returns the next id. If the clock moves backwards the generator keeps
// issuing ids from the last seen millisecond so ordering is preserved.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.last {
		ms = g.last
	}

	if ms == g.last {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			// sequence exhausted for this millisecond
			for ms <= g.last {
				ms = max(g.now().UnixMilli(), g.last+1)
			}
		}
	} else {
		g.step = 0
	}
	g.last = ms

	return ((ms - Epoch) << timeShift) | (g.node << nodeShift) | g.step
}

// Time extracts the creation time encoded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch).UTC()
}

// Node extracts the node number encoded in id.
func Node(id int64) int64 {
	return (id >> nodeShift) & nodeMax
}
