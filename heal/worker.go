package heal

import (
	"github.com/ethsync/trieheal/log"
	"github.com/ethsync/trieheal/rangeset"
	"github.com/ethsync/trieheal/trie"
	"github.com/ethsync/trieheal/types"
)

// defaultHealAccountsTrigger is the CoverageTracker.fullFactor threshold
// below which a tick is a no-op: healing stays dormant until the cheaper
// range-fetch path has covered most of the key space.
const defaultHealAccountsTrigger = 0.999995

// accountLeafNibbles is the nibble-path length an account-trie leaf must
// have for its key to be the full 32-byte account hash.
const accountLeafNibbles = 64

// WorkerState names the state machine's current node, used only for
// logging/tracing.
type WorkerState int

const (
	StateIdle WorkerState = iota
	StateUpdateMissing
	StateAppendDangling
	StateDoneCheck
	StateFetch
	StateImport
	StateClassify
	StateComplete
)

func (s WorkerState) String() string {
	switch s {
	case StateUpdateMissing:
		return "UPDATE_MISSING"
	case StateAppendDangling:
		return "APPEND_DANGLING"
	case StateDoneCheck:
		return "DONE_CHECK"
	case StateFetch:
		return "FETCH"
	case StateImport:
		return "IMPORT"
	case StateClassify:
		return "CLASSIFY"
	case StateComplete:
		return "COMPLETE"
	default:
		return "IDLE"
	}
}

// TickOutcome summarizes what one Worker.Tick call did, for the caller's own
// bookkeeping and for tests.
type TickOutcome struct {
	FinalState WorkerState
	Completed  bool
	Zombified  bool
	Err        error
}

// Worker is one buddy's execution of a single tick of the healing state
// machine, against a shared PivotEnv, trie Store, trie Inspector,
// CoverageTracker and Fetcher. Adapted from a round-bounded,
// explicit-suspension-point heal loop, generalized from a single flat loop
// into an explicit tick state machine.
type Worker struct {
	PE          *PivotEnv
	Store       *trie.Store
	Inspector   *trie.Inspector
	Tracker     *rangeset.CoverageTracker
	Fetcher     *Fetcher
	Accumulator *PeerErrorAccumulator

	// HealAccountsTrigger overrides defaultHealAccountsTrigger; zero means
	// use the default.
	HealAccountsTrigger float64

	// MaxTrieNodeFetch lowers how large a single FETCH's suffix slice may
	// be; zero, or a value above the fetcher's own cap, means use the
	// fetcher's cap.
	MaxTrieNodeFetch int

	log *log.Logger
}

// NewWorker wires a Worker's collaborators together.
func NewWorker(pe *PivotEnv, store *trie.Store, inspector *trie.Inspector, tracker *rangeset.CoverageTracker, fetcher *Fetcher, accumulator *PeerErrorAccumulator) *Worker {
	return &Worker{
		PE:          pe,
		Store:       store,
		Inspector:   inspector,
		Tracker:     tracker,
		Fetcher:     fetcher,
		Accumulator: accumulator,
		log:         log.Default().Module("heal.worker"),
	}
}

func (w *Worker) trigger() float64 {
	if w.HealAccountsTrigger > 0 {
		return w.HealAccountsTrigger
	}
	return defaultHealAccountsTrigger
}

func (w *Worker) maxFetch() int {
	limit := w.Fetcher.maxTrieNodeFetch
	if w.MaxTrieNodeFetch > 0 && w.MaxTrieNodeFetch < limit {
		return w.MaxTrieNodeFetch
	}
	return limit
}

// checkPivot reports ErrNoPivot once a pivot switch has closed w.PE. A
// buddy observes this at the top of its next tick and must terminate
// rather than keep healing a pivot that is no longer current.
func (w *Worker) checkPivot() error {
	if w.PE.Closed() {
		return ErrNoPivot
	}
	return nil
}

// Tick runs one pass of the state machine. It returns at IDLE (gate not
// satisfied, or a FETCH/IMPORT/CLASSIFY round completed and there may be
// more work next tick), at COMPLETE (the pivot's account trie is healed),
// with Zombified set (closed pivot, inspector error, or a network error
// that crossed the peer's threshold; the buddy must exit), at FETCH with a
// non-zombifying network error, at IMPORT after a storage error requeued
// the batch, at DONE_CHECK when no fetch batch could be taken, or at
// CLASSIFY with a *trie.Defect.
func (w *Worker) Tick() TickOutcome {
	if pivotErr := w.checkPivot(); pivotErr != nil {
		return TickOutcome{FinalState: StateIdle, Zombified: true, Err: pivotErr}
	}

	if !(w.PE.NAccounts > 0 && w.Tracker.FullFactor() >= w.trigger()) {
		return TickOutcome{FinalState: StateIdle}
	}

	w.updateMissing()

	if danglingErr := w.appendDangling(); danglingErr != nil {
		return TickOutcome{FinalState: StateAppendDangling, Zombified: true, Err: danglingErr}
	}

	w.PE.Lock()
	missingEmpty := len(w.PE.MissingNodes) == 0
	w.PE.Unlock()
	if missingEmpty {
		w.log.Info("heal pivot complete", "pivotBlock", w.PE.PivotBlock, "nAccounts", w.PE.NAccounts)
		return TickOutcome{FinalState: StateComplete, Completed: true}
	}

	batch, ok := w.takeFetchBatch()
	if !ok {
		return TickOutcome{FinalState: StateDoneCheck}
	}

	result, netErr := w.Fetcher.GetTrieNodes(w.PE.StateRoot, batch)
	if netErr != nil {
		zombie := w.Accumulator.Observe(netErr)
		w.PE.Lock()
		w.PE.RequeueMissing(batch...)
		w.PE.Unlock()
		if zombie {
			return TickOutcome{FinalState: StateFetch, Zombified: true, Err: &NetworkError{Kind: netErr.Kind, Err: ErrZombiePeer}}
		}
		return TickOutcome{FinalState: StateFetch, Err: netErr}
	}
	w.Accumulator.Observe(nil)

	w.PE.Lock()
	for _, leftover := range result.LeftOver {
		for _, path := range leftover {
			w.PE.RequeueMissing(findByPath(batch, path))
		}
	}
	w.PE.Unlock()

	fetchedCount := len(batch) - leftoverCount(result)
	entries := make([]trie.ImportEntry, 0, fetchedCount)
	for i := 0; i < fetchedCount; i++ {
		entries = append(entries, trie.ImportEntry{Path: batch[i], Blob: result.Nodes[i]})
	}

	reports := w.Store.ImportRaw(entries)

	storageErr := false
	for _, r := range reports {
		if r.Slot == nil {
			storageErr = true
		}
	}
	if storageErr {
		w.PE.Lock()
		for _, e := range entries {
			w.PE.RequeueMissing(e.Path)
		}
		w.PE.Unlock()
		return TickOutcome{FinalState: StateImport}
	}

	w.classify(entries, reports)

	if defect := w.checkClassifyInvariant(); defect != nil {
		return TickOutcome{FinalState: StateClassify, Err: defect}
	}

	return TickOutcome{FinalState: StateIdle}
}

// checkClassifyInvariant enforces CLASSIFY's postcondition: no path may sit
// in both MissingNodes and CheckNodes at once. Tripping this is not a peer or
// pivot problem but a structural contradiction in the queues themselves, so
// it is reported as a *trie.Defect rather than swallowed or retried; per the
// Defect type's contract the caller is expected to let it propagate and
// abort the process rather than continue ticking this pivot.
func (w *Worker) checkClassifyInvariant() error {
	w.PE.Lock()
	defer w.PE.Unlock()

	missing := make(map[string]struct{}, len(w.PE.MissingNodes))
	for _, n := range w.PE.MissingNodes {
		missing[string(n.Path)] = struct{}{}
	}
	for _, n := range w.PE.CheckNodes {
		if _, ok := missing[string(n.Path)]; ok {
			return &trie.Defect{Msg: "path " + n.Path.String() + " present in both missingNodes and checkNodes after classify"}
		}
	}
	return nil
}

// updateMissing re-scans MissingNodes for entries the store now has
// (another buddy or the range path may have filled them in concurrently),
// promoting them to CheckNodes.
func (w *Worker) updateMissing() {
	w.PE.Lock()
	defer w.PE.Unlock()

	var stillMissing []trie.PendingNode
	for _, n := range w.PE.MissingNodes {
		if w.Store.Has(n.Hash) {
			w.PE.CheckNodes = append(w.PE.CheckNodes, n)
		} else {
			stillMissing = append(stillMissing, n)
		}
	}
	w.PE.MissingNodes = stillMissing
}

// appendDangling runs when CheckNodes is non-empty, or MissingNodes is
// empty (the very-start case): it inspects CheckNodes' entries and extends
// MissingNodes with whatever the Inspector reports dangling.
func (w *Worker) appendDangling() error {
	w.PE.Lock()
	shouldRun := len(w.PE.CheckNodes) > 0 || len(w.PE.MissingNodes) == 0
	seeds := append([]trie.PendingNode(nil), w.PE.CheckNodes...)
	w.PE.CheckNodes = nil
	w.PE.Unlock()

	if !shouldRun || len(seeds) == 0 {
		return nil
	}

	result, err := w.Inspector.Inspect(seeds)
	if err != nil {
		return err
	}

	w.PE.Lock()
	w.PE.RequeueMissing(result.Dangling...)
	w.PE.Unlock()
	return nil
}

// takeFetchBatch implements the fetch step's work-selection: take a suffix
// of MissingNodes up to maxTrieNodeFetch, truncating PE's list so other
// buddies can continue.
func (w *Worker) takeFetchBatch() ([]trie.PendingNode, bool) {
	w.PE.Lock()
	defer w.PE.Unlock()
	batch := w.PE.TakeMissingSuffix(w.maxFetch())
	return batch, len(batch) > 0
}

// classify runs the classification step against the reports ImportRaw
// produced for entries (same ordering, one report per entry since no
// storage error occurred).
func (w *Worker) classify(entries []trie.ImportEntry, reports []trie.ImportReport) {
	w.PE.Lock()
	defer w.PE.Unlock()

	for _, r := range reports {
		if r.Slot == nil {
			continue
		}
		entry := entries[*r.Slot]

		if r.Err != nil || r.Kind == trie.KindNone {
			w.PE.RequeueMissing(entry.Path)
			continue
		}
		if r.Kind == trie.KindEmpty {
			// The canonical empty trie: nothing to check or fetch further.
			continue
		}
		if r.Kind == trie.KindBranch || r.Kind == trie.KindExtension {
			w.PE.RequeueCheck(entry.Path)
			continue
		}

		// r.Kind == trie.KindLeaf
		w.classifyLeaf(entry)
	}
}

func (w *Worker) classifyLeaf(entry trie.ImportEntry) {
	keyNibbles, value, err := trie.DecodeLeaf(entry.Blob)
	if err != nil {
		w.PE.RequeueMissing(entry.Path)
		return
	}

	fullPath := append(append(trie.NodePath(nil), entry.Path.Path...), keyNibbles...)
	if len(fullPath) != accountLeafNibbles {
		// Positional artifact: re-inspect it rather than treating it as an
		// account.
		w.PE.RequeueCheck(entry.Path)
		return
	}

	acc, err := trie.DecodeAccountRLP(value)
	if err != nil {
		w.PE.RequeueMissing(entry.Path)
		return
	}

	tag := rangeset.Tag(nibblesToHash(fullPath))
	if !w.PE.TakeNodeTag(tag) {
		return // already processed by the range-fetch path; drop.
	}

	w.PE.NAccounts++
	w.Tracker.MarkCovered(tag)

	if acc.Root != types.EmptyRootHash {
		w.PE.FetchStorage = append(w.PE.FetchStorage, StorageJob{
			AccountHash: nibblesToHash(fullPath),
			StorageRoot: acc.Root,
		})
	}
}

// nibblesToHash packs a 64-nibble account-trie path back into its 32-byte
// account-hash key.
func nibblesToHash(nibbles []byte) types.Hash {
	var out types.Hash
	for i := 0; i < types.HashLength && 2*i+1 < len(nibbles); i++ {
		out[i] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}
	return out
}

func leftoverCount(r *FetchResult) int {
	n := 0
	for _, l := range r.LeftOver {
		n += len(l)
	}
	return n
}

func findByPath(batch []trie.PendingNode, path trie.NodePath) trie.PendingNode {
	for _, p := range batch {
		if p.Path.Equal(path) {
			return p
		}
	}
	return trie.PendingNode{Path: path}
}
