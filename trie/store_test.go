package trie

import (
	"testing"

	"github.com/ethsync/trieheal/crypto"
	"github.com/ethsync/trieheal/types"
)

func TestStoreImportRawLeafAndHasNode(t *testing.T) {
	store := NewStore(nil, 0)

	blob := encodeLeafNodeForTest([]byte{1, 2, 3, 4}, []byte("value"))
	hash := crypto.Keccak256Hash(blob)

	reports := store.ImportRaw([]ImportEntry{{Path: PendingNode{Hash: hash}, Blob: blob}})
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	if reports[0].Err != nil {
		t.Fatalf("unexpected import error: %v", reports[0].Err)
	}
	if reports[0].Kind != KindLeaf {
		t.Errorf("kind = %v, want KindLeaf", reports[0].Kind)
	}
	if !store.Has(hash) {
		t.Error("store.Has returned false for an imported node")
	}
	got, ok := store.Node(hash)
	if !ok {
		t.Fatal("store.Node returned not-found for an imported node")
	}
	if string(got) != string(blob) {
		t.Errorf("store.Node returned %x, want %x", got, blob)
	}
}

func TestStoreImportRawHashMismatchDropsBlob(t *testing.T) {
	store := NewStore(nil, 0)

	blob := encodeLeafNodeForTest([]byte{1}, []byte("value"))
	wrongHash := types.Hash{0xaa, 0xbb, 0xcc}

	reports := store.ImportRaw([]ImportEntry{{Path: PendingNode{Hash: wrongHash}, Blob: blob}})
	if reports[0].Err == nil {
		t.Fatal("expected a hash-mismatch error, got nil")
	}
	if store.Has(wrongHash) {
		t.Error("store.Has true for a blob that failed hash verification")
	}
}

func TestStoreImportRawMalformedRLPDropsBlob(t *testing.T) {
	store := NewStore(nil, 0)
	blob := []byte{0xff, 0xff, 0xff} // not valid RLP
	hash := crypto.Keccak256Hash(blob)

	reports := store.ImportRaw([]ImportEntry{{Path: PendingNode{Hash: hash}, Blob: blob}})
	if reports[0].Err == nil {
		t.Fatal("expected a parsing error for malformed RLP, got nil")
	}
	if reports[0].Kind != KindNone {
		t.Errorf("kind = %v, want KindNone", reports[0].Kind)
	}
}

func TestStoreImportRawIsWriteOnce(t *testing.T) {
	store := NewStore(nil, 0)
	blob := encodeLeafNodeForTest([]byte{9}, []byte("v"))
	hash := crypto.Keccak256Hash(blob)

	entry := ImportEntry{Path: PendingNode{Hash: hash}, Blob: blob}
	store.ImportRaw([]ImportEntry{entry})
	reports := store.ImportRaw([]ImportEntry{entry})
	if reports[0].Err != nil {
		t.Fatalf("re-import of an existing hash should succeed as a no-op, got %v", reports[0].Err)
	}
	if !store.Has(hash) {
		t.Error("store.Has false after re-import")
	}
}

func TestStoreNodeMissingReturnsFalse(t *testing.T) {
	store := NewStore(nil, 0)
	var missing types.Hash
	missing[0] = 1
	if store.Has(missing) {
		t.Error("store.Has true for a hash never imported")
	}
	if _, ok := store.Node(missing); ok {
		t.Error("store.Node ok=true for a hash never imported")
	}
}

// TestStoreImportRawEmptyTrieBlob: keccak256(rlp("")) decodes successfully
// as the distinguished empty node, not a parse failure.
func TestStoreImportRawEmptyTrieBlob(t *testing.T) {
	store := NewStore(nil, 0)
	blob := []byte{0x80}
	hash := crypto.Keccak256Hash(blob)

	reports := store.ImportRaw([]ImportEntry{{Path: PendingNode{Hash: hash}, Blob: blob}})
	if reports[0].Err != nil {
		t.Fatalf("unexpected error importing the empty trie blob: %v", reports[0].Err)
	}
	if reports[0].Kind != KindEmpty {
		t.Errorf("kind = %v, want KindEmpty", reports[0].Kind)
	}
	if hash != types.EmptyRootHash {
		t.Errorf("keccak256(rlp(\"\")) = %s, want EmptyRootHash %s", hash.Hex(), types.EmptyRootHash.Hex())
	}
}

func TestClassifyNodeKinds(t *testing.T) {
	leafBlob := encodeLeafNodeForTest([]byte{1, 2}, []byte("v"))
	leafHash := crypto.Keccak256Hash(leafBlob)
	leafNode, err := decodeNode(hashNode(leafHash.Bytes()), leafBlob)
	if err != nil {
		t.Fatalf("decodeNode(leaf): %v", err)
	}
	if kind := classifyNode(leafNode); kind != KindLeaf {
		t.Errorf("classifyNode(leaf) = %v, want KindLeaf", kind)
	}

	extBlob := encodeExtensionNodeForTest([]byte{1, 2}, types.Hash{1})
	extHash := crypto.Keccak256Hash(extBlob)
	extNode, err := decodeNode(hashNode(extHash.Bytes()), extBlob)
	if err != nil {
		t.Fatalf("decodeNode(extension): %v", err)
	}
	if kind := classifyNode(extNode); kind != KindExtension {
		t.Errorf("classifyNode(extension) = %v, want KindExtension", kind)
	}

	branchBlob := encodeBranchNodeForTest(map[int]types.Hash{3: {1}, 5: {2}}, nil)
	branchHash := crypto.Keccak256Hash(branchBlob)
	branchNode, err := decodeNode(hashNode(branchHash.Bytes()), branchBlob)
	if err != nil {
		t.Fatalf("decodeNode(branch): %v", err)
	}
	if kind := classifyNode(branchNode); kind != KindBranch {
		t.Errorf("classifyNode(branch) = %v, want KindBranch", kind)
	}
}
