package heal

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ethsync/trieheal/trie"
	"github.com/ethsync/trieheal/types"
)

// defaultMaxTrieNodeFetch bounds per-call bandwidth, matching the snap
// protocol's own per-request trie node cap.
const defaultMaxTrieNodeFetch = 128

// defaultRequestTimeout bounds how long a single getTrieNodes round trip may
// take before it is treated as Err(timeout).
const defaultRequestTimeout = 15 * time.Second

// Peer is the wire-protocol collaborator consumed by the fetcher. It is
// intentionally narrower than a full snap peer: healing only ever requests
// trie nodes.
type Peer interface {
	ID() string
	RequestTrieNodes(ctx context.Context, root types.Hash, paths [][]byte) ([][]byte, error)
}

// FetchResult is the successful outcome of GetTrieNodes.
type FetchResult struct {
	Nodes    [][]byte
	LeftOver [][]trie.NodePath
}

// Fetcher is the Network Fetcher (NF): it turns a batch of missing-node
// requests into RLP blobs via a Peer, enforcing the per-request timeout and
// the maxTrieNodeFetch cap, and classifies every failure into a
// NetworkErrorKind for the caller's error accumulator.
type Fetcher struct {
	peer             Peer
	maxTrieNodeFetch int
	requestTimeout   time.Duration
}

// NewFetcher creates a Fetcher over peer with the given caps; zero values
// fall back to the package defaults.
func NewFetcher(peer Peer, maxTrieNodeFetch int, requestTimeout time.Duration) *Fetcher {
	if maxTrieNodeFetch <= 0 {
		maxTrieNodeFetch = defaultMaxTrieNodeFetch
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Fetcher{peer: peer, maxTrieNodeFetch: maxTrieNodeFetch, requestTimeout: requestTimeout}
}

// GetTrieNodes fetches the RLP blobs for batch's paths from a single peer.
// batch is capped to no more than maxTrieNodeFetch entries; a peer
// replying with fewer (but at least one) nodes than requested is not an
// error; the unanswered tail of that call's paths is reported verbatim in
// LeftOver. A reply with no nodes at all is a KindEmpty error.
func (f *Fetcher) GetTrieNodes(stateRoot types.Hash, batch []trie.PendingNode) (*FetchResult, *NetworkError) {
	if len(batch) == 0 {
		return &FetchResult{}, nil
	}
	if len(batch) > f.maxTrieNodeFetch {
		batch = batch[:f.maxTrieNodeFetch]
	}

	paths := make([][]byte, len(batch))
	for i, p := range batch {
		paths[i] = []byte(p.Path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.requestTimeout)
	defer cancel()

	nodes, err := f.peer.RequestTrieNodes(ctx, stateRoot, paths)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	if len(nodes) > len(batch) {
		return nil, &NetworkError{Kind: KindProtocolViolation, Err: errors.New("heal: peer returned more nodes than requested")}
	}
	if len(batch) > 0 && len(nodes) == 0 {
		return nil, &NetworkError{Kind: KindEmpty, Err: ErrEmptyReply}
	}

	result := &FetchResult{Nodes: nodes}
	if len(nodes) < len(batch) {
		leftover := make([]trie.NodePath, 0, len(batch)-len(nodes))
		for _, p := range batch[len(nodes):] {
			leftover = append(leftover, p.Path)
		}
		result.LeftOver = [][]trie.NodePath{leftover}
	}
	return result, nil
}

func classifyFetchError(err error) *NetworkError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &NetworkError{Kind: KindTimeout, Err: ErrPeerTimeout}
	case errors.Is(err, ErrPeerClosed):
		return &NetworkError{Kind: KindPeerClosed, Err: err}
	default:
		return &NetworkError{Kind: KindProtocolViolation, Err: err}
	}
}

// PeerErrorAccumulator tracks serious-kind network errors for one peer and
// reports when the peer should be marked zombie.
type PeerErrorAccumulator struct {
	threshold int32
	count     atomic.Int32
}

// NewPeerErrorAccumulator creates an accumulator that zombifies once
// threshold serious errors have been observed consecutively (a non-serious
// or successful round resets it).
func NewPeerErrorAccumulator(threshold int) *PeerErrorAccumulator {
	if threshold <= 0 {
		threshold = 3
	}
	return &PeerErrorAccumulator{threshold: int32(threshold)}
}

// Observe records the outcome of one fetch attempt and reports whether the
// peer has now crossed the zombie threshold.
func (a *PeerErrorAccumulator) Observe(netErr *NetworkError) (zombie bool) {
	if netErr == nil || !netErr.Kind.Serious() {
		a.count.Store(0)
		return false
	}
	n := a.count.Add(1)
	return n >= a.threshold
}

// Reset clears the accumulator, e.g. after a pivot switch reattaches a
// buddy to a fresh peer.
func (a *PeerErrorAccumulator) Reset() { a.count.Store(0) }
