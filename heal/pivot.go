package heal

import (
	"sync"
	"sync/atomic"

	"github.com/ethsync/trieheal/rangeset"
	"github.com/ethsync/trieheal/trie"
	"github.com/ethsync/trieheal/types"
	"github.com/holiman/uint256"
)

// StorageJob names one (account, storageRoot) pair discovered while
// classifying a healed account leaf whose storage trie is non-empty, queued
// for the storage-healing fast path this engine does not itself drive.
type StorageJob struct {
	AccountHash types.Hash
	StorageRoot types.Hash
}

// PivotEnv is the mutable work-state shared by every buddy attached to one
// pivot. A buddy holds a logically exclusive critical region around any
// read-modify-write of these fields that does not cross a suspension point
// (a network await in the fetcher, or a disk await in the store); the mutex
// here exists only to make that discipline safe if two buddies are ever
// actually scheduled on separate goroutines rather than strictly
// cooperatively, not to serialize whole ticks.
type PivotEnv struct {
	mu     sync.Mutex
	closed atomic.Bool

	StateRoot types.Hash

	// MissingNodes and CheckNodes are the two work queues: nodes known
	// absent locally (candidates for fetching), and nodes believed present
	// locally but not yet inspected for dangling children (candidates for
	// dangling-child append). A node never appears in both once
	// classification completes.
	MissingNodes []trie.PendingNode
	CheckNodes   []trie.PendingNode

	// Unprocessed is the set of account-key ranges the range-fetch fast
	// path has not yet covered; classification consults it to tell a
	// genuinely new leaf from one the range path already handled. Since the
	// trie is a DAG keyed by content hash, leaves are deduplicated by
	// NodeTag membership rather than by a separate seen-set.
	Unprocessed *rangeset.IntervalSet

	FetchStorage []StorageJob

	NAccounts  int
	NStorage   int
	PivotBlock uint64
}

// NewPivotEnv creates a PivotEnv rooted at stateRoot with a single missing
// node: the root itself.
func NewPivotEnv(stateRoot types.Hash, pivotBlock uint64, unprocessed *rangeset.IntervalSet) *PivotEnv {
	if unprocessed == nil {
		unprocessed = rangeset.Full()
	}
	return &PivotEnv{
		StateRoot:    stateRoot,
		MissingNodes: []trie.PendingNode{{Path: nil, Hash: stateRoot}},
		Unprocessed:  unprocessed,
		PivotBlock:   pivotBlock,
	}
}

// Lock/Unlock expose the critical-region discipline to the worker: a buddy
// takes the lock for the non-suspending portion of a tick, and must release
// it before any call that can suspend (fetcher or store I/O).
func (pe *PivotEnv) Lock()   { pe.mu.Lock() }
func (pe *PivotEnv) Unlock() { pe.mu.Unlock() }

// Close marks this PivotEnv dropped by a pivot switch. Buddies still
// attached to it observe this at the top of their next tick and terminate
// rather than keep healing a pivot that is no longer current.
func (pe *PivotEnv) Close() { pe.closed.Store(true) }

// Closed reports whether a pivot switch has dropped this PivotEnv.
func (pe *PivotEnv) Closed() bool { return pe.closed.Load() }

// TakeMissingSuffix removes and returns up to n entries from the tail of
// MissingNodes, truncating PE's list so other buddies can continue. Caller
// must hold the lock.
func (pe *PivotEnv) TakeMissingSuffix(n int) []trie.PendingNode {
	if n <= 0 || len(pe.MissingNodes) == 0 {
		return nil
	}
	if n > len(pe.MissingNodes) {
		n = len(pe.MissingNodes)
	}
	cut := len(pe.MissingNodes) - n
	taken := append([]trie.PendingNode(nil), pe.MissingNodes[cut:]...)
	pe.MissingNodes = pe.MissingNodes[:cut]
	return taken
}

// RequeueMissing appends entries back onto MissingNodes. Order is not
// meaningful across buddies: a requeued entry may now follow items another
// buddy inserted.
func (pe *PivotEnv) RequeueMissing(entries ...trie.PendingNode) {
	pe.MissingNodes = append(pe.MissingNodes, entries...)
}

// RequeueCheck appends entries onto CheckNodes.
func (pe *PivotEnv) RequeueCheck(entries ...trie.PendingNode) {
	pe.CheckNodes = append(pe.CheckNodes, entries...)
}

// TakeNodeTag removes pt from Unprocessed if it falls within a tracked
// range, reporting whether it was found there. A leaf whose tag is not in
// any unprocessed range has already been handled by the range-fetch path
// and must be dropped rather than double-counted.
func (pe *PivotEnv) TakeNodeTag(pt uint256.Int) bool {
	lo, hi, ok := pe.Unprocessed.Contains(pt)
	_ = lo
	_ = hi
	if !ok {
		return false
	}
	pe.Unprocessed.Reduce(pt, pt)
	return true
}
