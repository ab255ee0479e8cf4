package rangeset

import (
	"sync"

	"github.com/ethsync/trieheal/types"
	"github.com/holiman/uint256"
)

// Tag converts a NodeKey (types.Hash) into its NodeTag: the 256-bit
// unsigned ordering view used as the interval-set coordinate.
func Tag(h types.Hash) uint256.Int {
	var v uint256.Int
	v.SetBytes(h[:])
	return v
}

// CoverageTracker is the global IntervalSet across pivots: a monotonically
// growing record of the key ranges already range-fetched, used as the
// healing gate's readiness signal. It adds a mutex around IntervalSet
// because, unlike a PivotEnv's unprocessed ranges (owned by one pivot's
// buddies under cooperative scheduling), the tracker is shared across every
// pivot's buddies and the coordinator's stats reader.
type CoverageTracker struct {
	mu  sync.Mutex
	set *IntervalSet
}

// NewCoverageTracker creates an empty CoverageTracker.
func NewCoverageTracker() *CoverageTracker {
	return &CoverageTracker{set: New()}
}

// MarkCovered merges a single NodeTag point into the tracker, as CLASSIFY
// does for every newly-healed account leaf.
func (c *CoverageTracker) MarkCovered(tag uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set.Merge(tag, tag)
}

// MarkRangeCovered merges [lo,hi] into the tracker, for the range-fetch
// fast path's coverage reporting.
func (c *CoverageTracker) MarkRangeCovered(lo, hi uint256.Int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.Merge(lo, hi)
}

// FullFactor returns the covered fraction of the 256-bit key space.
func (c *CoverageTracker) FullFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.FullFactor()
}
