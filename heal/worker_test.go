package heal

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethsync/trieheal/crypto"
	"github.com/ethsync/trieheal/rangeset"
	"github.com/ethsync/trieheal/trie"
	"github.com/ethsync/trieheal/types"
	"github.com/holiman/uint256"
)

// --- minimal RLP fixture builders, mirroring trie/account.go's own
// byte-level encoder since that package's helpers are unexported. ---

func rlpBytes(b []byte) []byte {
	if len(b) == 1 && b[0] <= 0x7f {
		return b
	}
	return append(rlpHeader(0x80, len(b)), b...)
}

func rlpList(elems ...[]byte) []byte {
	var payload []byte
	for _, e := range elems {
		payload = append(payload, e...)
	}
	return append(rlpHeader(0xc0, len(payload)), payload...)
}

// rlpHeader builds the short (offset+n) or long (offset+55+lenLen, n) RLP
// prefix for a payload of n bytes.
func rlpHeader(offset byte, n int) []byte {
	if n <= 55 {
		return []byte{offset + byte(n)}
	}
	var lenBytes []byte
	for v := n; v > 0; v >>= 8 {
		lenBytes = append([]byte{byte(v)}, lenBytes...)
	}
	return append([]byte{offset + 55 + byte(len(lenBytes))}, lenBytes...)
}

func leafBlob(keyNibbles []byte, accountRLP []byte) []byte {
	compact := trie.HexPrefixEncode(keyNibbles, true)
	return rlpList(rlpBytes(compact), rlpBytes(accountRLP))
}

func nibblesOf(h types.Hash) []byte {
	out := make([]byte, 0, 64)
	for _, b := range h[:] {
		out = append(out, b>>4, b&0x0f)
	}
	return out
}

type fnPeer struct {
	fn func(ctx context.Context, root types.Hash, paths [][]byte) ([][]byte, error)
}

func (p *fnPeer) ID() string { return "fn" }
func (p *fnPeer) RequestTrieNodes(ctx context.Context, root types.Hash, paths [][]byte) ([][]byte, error) {
	return p.fn(ctx, root, paths)
}

// fullyCoveredTracker returns a CoverageTracker whose FullFactor() reads 1,
// standing in for a pivot where the range-fetch fast path has already run.
// The heal-accounts gate also requires PE.NAccounts > 0; tests that exercise
// tick machinery rather than the gate itself prime NAccounts separately to
// simulate that same range-fetch path having already healed an account.
func fullyCoveredTracker() *rangeset.CoverageTracker {
	tracker := rangeset.NewCoverageTracker()
	var lo, hi uint256.Int
	hi.Not(&lo)
	tracker.MarkRangeCovered(lo, hi)
	return tracker
}

func newTestWorker(pe *PivotEnv, peer Peer) *Worker {
	store := trie.NewStore(nil, 0)
	inspector := trie.NewInspector(store, 64)
	fetcher := NewFetcher(peer, 128, time.Second)
	acc := NewPeerErrorAccumulator(3)
	return NewWorker(pe, store, inspector, fullyCoveredTracker(), fetcher, acc)
}

// TestTickEmptyTrieCompletes: the root fetches as the canonical empty blob
// and the engine completes with zero accounts.
func TestTickEmptyTrieCompletes(t *testing.T) {
	emptyBlob := []byte{0x80}
	root := crypto.Keccak256Hash(emptyBlob)
	pe := NewPivotEnv(root, 1, nil)
	pe.NAccounts = 1 // the range-fetch fast path has already healed an account elsewhere in this pivot

	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		return [][]byte{emptyBlob}, nil
	}}
	w := newTestWorker(pe, peer)

	out := w.Tick()
	if out.FinalState != StateIdle || out.Err != nil {
		t.Fatalf("first tick = %+v, want StateIdle with no error", out)
	}

	out = w.Tick()
	if !out.Completed || out.FinalState != StateComplete {
		t.Fatalf("second tick = %+v, want Completed", out)
	}
	if pe.NAccounts != 1 {
		t.Errorf("NAccounts = %d, want 1 (unchanged: the empty blob contributes no accounts)", pe.NAccounts)
	}
}

// TestTickSingleAccountTrieHeals: one account leaf directly at the state
// root; after healing nAccounts=1 and FetchStorage is empty.
func TestTickSingleAccountTrieHeals(t *testing.T) {
	acc := types.Account{
		Nonce:    1,
		Balance:  big.NewInt(1000),
		Root:     types.EmptyRootHash,
		CodeHash: types.EmptyCodeHash.Bytes(),
	}
	accRLP := trie.EncodeAccountRLP(acc)
	key := types.HexToHash("ab000000000000000000000000000000000000000000000000000000000000cd")
	blob := leafBlob(nibblesOf(key), accRLP)
	root := crypto.Keccak256Hash(blob)

	pe := NewPivotEnv(root, 1, nil)
	pe.NAccounts = 1 // the range-fetch fast path has already healed an account elsewhere in this pivot
	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		return [][]byte{blob}, nil
	}}
	w := newTestWorker(pe, peer)

	out := w.Tick()
	if out.Err != nil {
		t.Fatalf("tick: %+v", out)
	}
	out = w.Tick()
	if !out.Completed {
		t.Fatalf("expected completion, got %+v", out)
	}
	if pe.NAccounts != 2 {
		t.Fatalf("NAccounts = %d, want 2 (1 pre-existing + this leaf)", pe.NAccounts)
	}
	if len(pe.FetchStorage) != 0 {
		t.Errorf("FetchStorage = %v, want empty (storageRoot is emptyHash)", pe.FetchStorage)
	}
	if _, _, ok := pe.Unprocessed.Contains(rangeset.Tag(key)); ok {
		t.Error("the healed key's NodeTag should have been reduced out of Unprocessed")
	}
}

// TestTickPartialReplyRequeuesLeftover: the peer answers fewer nodes than
// requested; the unanswered paths go back onto MissingNodes rather than
// being lost.
func TestTickPartialReplyRequeuesLeftover(t *testing.T) {
	pe := NewPivotEnv(types.Hash{}, 1, nil)
	pe.NAccounts = 1 // the range-fetch fast path has already healed an account elsewhere in this pivot
	pe.MissingNodes = nil
	for i := 0; i < 4; i++ {
		pe.MissingNodes = append(pe.MissingNodes, trie.PendingNode{
			Path: trie.NodePath{byte(i)},
			Hash: types.Hash{byte(i + 1)},
		})
	}
	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		// answer only the first two of however many were requested
		n := len(paths)
		if n > 2 {
			n = 2
		}
		out := make([][]byte, n)
		for i := range out {
			out[i] = []byte{0x80} // decodes fine but hashes to EmptyRootHash, not the requested hash
		}
		return out, nil
	}}
	w := newTestWorker(pe, peer)
	w.MaxTrieNodeFetch = 4

	before := len(pe.MissingNodes)
	out := w.Tick()
	if out.Err != nil {
		t.Fatalf("tick: %+v", out)
	}
	// the 2 answered entries hash-mismatch (their content doesn't hash to
	// the requested node hash) and get requeued during classification; the
	// 2 unanswered paths are requeued directly during fetch. Either way all
	// 4 return to the queue.
	if len(pe.MissingNodes) != before {
		t.Fatalf("MissingNodes after tick = %d entries, want %d (all requeued)", len(pe.MissingNodes), before)
	}
}

// TestTickZombifiesAfterThreeConsecutiveTimeouts checks zombification after
// three consecutive request timeouts.
func TestTickZombifiesAfterThreeConsecutiveTimeouts(t *testing.T) {
	pe := NewPivotEnv(types.Hash{0x01}, 1, nil)
	pe.NAccounts = 1 // the range-fetch fast path has already healed an account elsewhere in this pivot
	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	store := trie.NewStore(nil, 0)
	inspector := trie.NewInspector(store, 64)
	fetcher := NewFetcher(peer, 128, time.Millisecond)
	acc := NewPeerErrorAccumulator(3)
	w := NewWorker(pe, store, inspector, fullyCoveredTracker(), fetcher, acc)

	var last TickOutcome
	for i := 0; i < 3; i++ {
		last = w.Tick()
		if last.Zombified {
			break
		}
	}
	if !last.Zombified {
		t.Fatalf("expected zombification within 3 consecutive timeouts, last = %+v", last)
	}
}

// TestTickGateHoldsBelowTrigger: below the trigger and with no accounts
// healed yet, a tick is a complete no-op.
func TestTickGateHoldsBelowTrigger(t *testing.T) {
	pe := NewPivotEnv(types.Hash{0x01}, 1, nil)
	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		t.Fatal("fetcher should not be invoked while the gate is closed")
		return nil, nil
	}}
	store := trie.NewStore(nil, 0)
	inspector := trie.NewInspector(store, 64)
	tracker := rangeset.NewCoverageTracker() // FullFactor() == 0: gate closed
	fetcher := NewFetcher(peer, 128, time.Second)
	acc := NewPeerErrorAccumulator(3)
	w := NewWorker(pe, store, inspector, tracker, fetcher, acc)

	out := w.Tick()
	if out.FinalState != StateIdle || out.Completed || out.Zombified {
		t.Fatalf("gated tick = %+v, want a plain idle no-op", out)
	}
	if len(pe.MissingNodes) != 1 {
		t.Errorf("MissingNodes should be untouched while gated, got %v", pe.MissingNodes)
	}
}

// TestTickGateHoldsWhenAccountsHealedButCoverageBelowTrigger: the gate is a
// conjunction, not a disjunction. A pivot where the range-fetch path has
// already healed an account but has not yet covered enough of the key space
// must stay gated exactly like a pivot with no accounts at all.
func TestTickGateHoldsWhenAccountsHealedButCoverageBelowTrigger(t *testing.T) {
	pe := NewPivotEnv(types.Hash{0x01}, 1, nil)
	pe.NAccounts = 1
	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		t.Fatal("fetcher should not be invoked while the gate is closed")
		return nil, nil
	}}
	store := trie.NewStore(nil, 0)
	inspector := trie.NewInspector(store, 64)
	tracker := rangeset.NewCoverageTracker() // FullFactor() == 0: still below any trigger
	fetcher := NewFetcher(peer, 128, time.Second)
	acc := NewPeerErrorAccumulator(3)
	w := NewWorker(pe, store, inspector, tracker, fetcher, acc)

	out := w.Tick()
	if out.FinalState != StateIdle || out.Completed || out.Zombified {
		t.Fatalf("gated tick = %+v, want a plain idle no-op", out)
	}
	if len(pe.MissingNodes) != 1 {
		t.Errorf("MissingNodes should be untouched while gated, got %v", pe.MissingNodes)
	}
}

// TestTickGateOpensOnceTriggerReached: raising coverage past the trigger
// lets the very next tick proceed, once an account is also already present.
func TestTickGateOpensOnceTriggerReached(t *testing.T) {
	emptyBlob := []byte{0x80}
	root := crypto.Keccak256Hash(emptyBlob)
	pe := NewPivotEnv(root, 1, nil)
	pe.NAccounts = 1 // the range-fetch fast path has already healed an account elsewhere in this pivot
	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		return [][]byte{emptyBlob}, nil
	}}
	store := trie.NewStore(nil, 0)
	inspector := trie.NewInspector(store, 64)
	tracker := rangeset.NewCoverageTracker()
	fetcher := NewFetcher(peer, 128, time.Second)
	acc := NewPeerErrorAccumulator(3)
	w := NewWorker(pe, store, inspector, tracker, fetcher, acc)
	w.HealAccountsTrigger = 0.5 // a reachable threshold for this test

	gated := w.Tick()
	if gated.FinalState != StateIdle || len(pe.MissingNodes) != 1 {
		t.Fatalf("expected the gate closed before coverage rises, got %+v", gated)
	}

	var lo, hi uint256.Int
	hi.Not(&lo)
	tracker.MarkRangeCovered(lo, hi) // FullFactor() -> 1.0, past the 0.5 trigger

	opened := w.Tick()
	if opened.Err != nil || len(pe.MissingNodes) != 0 {
		t.Fatalf("expected the gate to open and fetch the root, got %+v, MissingNodes=%v", opened, pe.MissingNodes)
	}
}

// TestTickZombifiesWhenPivotClosed: a buddy attached to a PivotEnv a pivot
// switch has dropped must zombify and exit at its very next tick rather than
// keep healing a pivot that is no longer current.
func TestTickZombifiesWhenPivotClosed(t *testing.T) {
	pe := NewPivotEnv(types.Hash{0x01}, 1, nil)
	pe.NAccounts = 1
	pe.Close()
	peer := &fnPeer{fn: func(ctx context.Context, r types.Hash, paths [][]byte) ([][]byte, error) {
		t.Fatal("fetcher should not be invoked once the pivot is closed")
		return nil, nil
	}}
	w := newTestWorker(pe, peer)

	out := w.Tick()
	if !out.Zombified || out.Err != ErrNoPivot {
		t.Fatalf("Tick on a closed pivot = %+v, want Zombified with ErrNoPivot", out)
	}
}

// TestCheckClassifyInvariantCatchesDuplicatePath: a path present in both
// MissingNodes and CheckNodes at once is a structural contradiction the
// queues should never reach; checkClassifyInvariant must report it as a
// *trie.Defect rather than let it pass silently.
func TestCheckClassifyInvariantCatchesDuplicatePath(t *testing.T) {
	pe := NewPivotEnv(types.Hash{0x01}, 1, nil)
	pe.MissingNodes = []trie.PendingNode{{Path: trie.NodePath{1, 2}}}
	pe.CheckNodes = []trie.PendingNode{{Path: trie.NodePath{1, 2}}}
	w := newTestWorker(pe, &fnPeer{})

	err := w.checkClassifyInvariant()
	var defect *trie.Defect
	if !errors.As(err, &defect) {
		t.Fatalf("checkClassifyInvariant() = %v, want a *trie.Defect", err)
	}
}

// TestCheckClassifyInvariantHoldsForDisjointQueues is the non-tripping case:
// disjoint queues report no defect.
func TestCheckClassifyInvariantHoldsForDisjointQueues(t *testing.T) {
	pe := NewPivotEnv(types.Hash{0x01}, 1, nil)
	pe.MissingNodes = []trie.PendingNode{{Path: trie.NodePath{1, 2}}}
	pe.CheckNodes = []trie.PendingNode{{Path: trie.NodePath{3, 4}}}
	w := newTestWorker(pe, &fnPeer{})

	if err := w.checkClassifyInvariant(); err != nil {
		t.Fatalf("checkClassifyInvariant() = %v, want nil for disjoint queues", err)
	}
}

func TestNibblesToHashRoundTrip(t *testing.T) {
	h := types.HexToHash("0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	if got := nibblesToHash(nibblesOf(h)); got != h {
		t.Errorf("nibblesToHash(nibblesOf(h)) = %x, want %x", got, h)
	}
}
