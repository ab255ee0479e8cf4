package trie

import (
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cockroachdb/pebble"
	"github.com/ethsync/trieheal/crypto"
	"github.com/ethsync/trieheal/types"
)

// keyPrefix namespaces trie node keys within the shared pebble keyspace,
// mirroring the rawdb "t"-prefix convention the node database adapts.
var keyPrefix = []byte("t")

// NodeKind classifies a decoded node for the Healing Worker's CLASSIFY step.
type NodeKind int

const (
	KindNone NodeKind = iota
	KindBranch
	KindExtension
	KindLeaf
	// KindEmpty marks the canonical empty trie node (keccak256(rlp(""))):
	// successfully decoded, but with no children or value to act on.
	KindEmpty
)

func (k NodeKind) String() string {
	switch k {
	case KindBranch:
		return "Branch"
	case KindExtension:
		return "Extension"
	case KindLeaf:
		return "Leaf"
	case KindEmpty:
		return "Empty"
	default:
		return "None"
	}
}

// ImportEntry is one blob submitted to Store.ImportRaw, addressed by the
// path/hash pair the caller expects it to satisfy.
type ImportEntry struct {
	Path PendingNode
	Blob []byte
}

// ImportReport is one outcome of an ImportRaw call. Slot is nil for a
// trailing storage-layer failure report; otherwise it names the index into
// the submitted entries slice.
type ImportReport struct {
	Slot *int
	Kind NodeKind
	Err  error
}

// Store is the Trie Node Store (TNS): a persistent, content-addressed
// key->node map for the hexary trie, layered clean-cache / dirty-buffer /
// disk exactly like the node database it is grounded on, generalized with
// a fastcache read-through layer (the role fastcache.Cache plays as
// Database.cleans in go-ethereum's own trie package) in front of a pebble
// disk engine.
type Store struct {
	mu    sync.RWMutex
	clean *fastcache.Cache      // read-through cache of recently-read/written blobs
	dirty map[types.Hash][]byte // write buffer, flushed to disk on Commit
	disk  *pebble.DB            // nil for an in-memory-only store (tests)
}

// NewStore creates a Store backed by disk (may be nil for tests) with a
// clean cache sized cleanBytes.
func NewStore(disk *pebble.DB, cleanBytes int) *Store {
	if cleanBytes <= 0 {
		cleanBytes = 32 * 1024 * 1024
	}
	return &Store{
		clean: fastcache.New(cleanBytes),
		dirty: make(map[types.Hash][]byte),
		disk:  disk,
	}
}

func diskKey(hash types.Hash) []byte {
	key := make([]byte, 0, len(keyPrefix)+types.HashLength)
	key = append(key, keyPrefix...)
	key = append(key, hash[:]...)
	return key
}

// Has reports whether a node with the given content hash is already stored,
// checking clean cache, dirty buffer, then disk in that order.
func (s *Store) Has(hash types.Hash) bool {
	_, ok := s.Node(hash)
	return ok
}

// Node retrieves the raw RLP blob for a node by its content hash.
func (s *Store) Node(hash types.Hash) ([]byte, bool) {
	if hash.IsZero() {
		return nil, false
	}
	if v := s.clean.Get(nil, hash[:]); v != nil {
		return v, true
	}

	s.mu.RLock()
	if data, ok := s.dirty[hash]; ok {
		s.mu.RUnlock()
		return data, true
	}
	s.mu.RUnlock()

	if s.disk == nil {
		return nil, false
	}
	data, closer, err := s.disk.Get(diskKey(hash))
	if err != nil {
		return nil, false
	}
	out := append([]byte(nil), data...)
	closer.Close()
	s.clean.Set(hash[:], out)
	return out, true
}

// put writes blob into the dirty buffer, keyed by its content hash. Nodes
// are write-once per hash (content-addressed): a re-import of an
// already-present hash is a silent no-op, matching the write-once lifecycle
// in the data model.
func (s *Store) put(hash types.Hash, blob []byte) {
	if s.Has(hash) {
		return
	}
	s.mu.Lock()
	s.dirty[hash] = append([]byte(nil), blob...)
	s.mu.Unlock()
	s.clean.Set(hash[:], blob)
}

// Commit flushes the dirty buffer to disk. It is not on the healing hot
// path (ImportRaw already makes nodes visible via the dirty buffer/clean
// cache immediately) but bounds memory growth over a long sync.
func (s *Store) Commit() error {
	if s.disk == nil {
		s.mu.Lock()
		s.dirty = make(map[types.Hash][]byte)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.disk.NewBatch()
	for hash, data := range s.dirty {
		if err := batch.Set(diskKey(hash), data, nil); err != nil {
			batch.Close()
			return fmt.Errorf("trie: commit batch: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("trie: commit sync: %w", err)
	}
	s.dirty = make(map[types.Hash][]byte)
	return nil
}

// ImportRaw batch-inserts opaque RLP-encoded node blobs. Each blob is
// independently decoded, hash-verified against its expected PendingNode.Hash,
// and classified; importRaw is atomic per blob. Its writes only touch the
// in-memory dirty buffer and clean cache, so it never produces a storage
// error report (Slot == nil); ImportRawChecked is the variant that can.
func (s *Store) ImportRaw(entries []ImportEntry) []ImportReport {
	reports := make([]ImportReport, 0, len(entries))

	for i, e := range entries {
		slot := i
		n, err := decodeNode(hashNode(e.Path.Hash.Bytes()), e.Blob)
		if err != nil {
			reports = append(reports, ImportReport{Slot: &slot, Kind: KindNone, Err: &ParsingError{Path: e.Path.Path, Err: err}})
			continue
		}

		actual := crypto.Keccak256Hash(e.Blob)
		if actual != e.Path.Hash {
			reports = append(reports, ImportReport{Slot: &slot, Kind: KindNone, Err: &ParsingError{Path: e.Path.Path, Err: fmt.Errorf("%w: want %s got %s", ErrHashMismatch, e.Path.Hash.Hex(), actual.Hex())}})
			continue
		}

		kind := classifyNode(n)
		s.put(actual, e.Blob)
		reports = append(reports, ImportReport{Slot: &slot, Kind: kind, Err: nil})
	}

	return reports
}

// ImportRawChecked behaves like ImportRaw but additionally flushes the
// dirty buffer to disk with one synchronous Commit, surfacing a genuine
// storage I/O failure as a single trailing Slot == nil report.
// ImportRaw itself never fails synchronously because its writes only touch
// the in-memory dirty buffer; this variant is for callers that need
// durability before acknowledging a blob (e.g. the buddy that owns the
// pivot's only Store instance with no later Commit call).
func (s *Store) ImportRawChecked(entries []ImportEntry) []ImportReport {
	reports := s.ImportRaw(entries)
	if s.disk == nil {
		return reports
	}
	if err := s.Commit(); err != nil {
		reports = append(reports, ImportReport{Slot: nil, Kind: KindNone, Err: fmt.Errorf("trie: storage error: %w", err)})
	}
	return reports
}

// classifyNode maps a decoded node to the CLASSIFY step's node kind.
func classifyNode(n node) NodeKind {
	if n == nil {
		return KindEmpty
	}
	switch v := n.(type) {
	case *fullNode:
		return KindBranch
	case *shortNode:
		if hasTerm(v.Key) {
			return KindLeaf
		}
		return KindExtension
	default:
		return KindNone
	}
}
