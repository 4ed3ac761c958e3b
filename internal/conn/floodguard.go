package conn

import (
	"sync"
	"time"
)

// floodWindow is 100ms.
const floodWindow = 100 * time.Millisecond

// floodThreshold: more than this many packets within floodWindow trips
// flood detection.
const floodThreshold = 10

// diversityResetPeriod: the packet-type-diversity set is cleared this
// often.
const diversityResetPeriod = 60 * time.Second

// diversityWarnThreshold: cardinality above this is logged but not fatal.
const diversityWarnThreshold = 50

// floodGuard tracks recent packet arrival timestamps (for flood
// detection) and recently seen packet types (for diversity logging),
// per spec.md §4.G "Rate limiting and flood control".
type floodGuard struct {
	mu sync.Mutex

	timestamps []time.Time

	seenTypes     map[uint16]struct{}
	diversityFrom time.Time
}

func newFloodGuard(now time.Time) *floodGuard {
	return &floodGuard{
		seenTypes:     make(map[uint16]struct{}),
		diversityFrom: now,
	}
}

// observe records a packet's arrival and type, pruning timestamps
// outside floodWindow. It returns flooded=true if more than
// floodThreshold packets have occurred within the window, and
// diversityExceeded=true if the type-diversity set's cardinality has
// just crossed diversityWarnThreshold (each crossing reported once
// until the next periodic reset).
func (g *floodGuard) observe(now time.Time, packetType uint16) (flooded bool, diversityExceeded bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-floodWindow)
	kept := g.timestamps[:0]
	for _, ts := range g.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	g.timestamps = kept
	flooded = len(g.timestamps) > floodThreshold

	if now.Sub(g.diversityFrom) >= diversityResetPeriod {
		g.seenTypes = make(map[uint16]struct{})
		g.diversityFrom = now
	}
	before := len(g.seenTypes)
	g.seenTypes[packetType] = struct{}{}
	diversityExceeded = before <= diversityWarnThreshold && len(g.seenTypes) > diversityWarnThreshold

	return flooded, diversityExceeded
}

// resetDiversity clears the packet-type-diversity set; called by the
// connection's periodic health timer as a backstop in case observe
// hasn't been invoked recently enough to trigger its own reset.
func (g *floodGuard) resetDiversity(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seenTypes = make(map[uint16]struct{})
	g.diversityFrom = now
}
