package trie

import (
	"fmt"

	"github.com/ethsync/trieheal/types"
)

// NodePath is the hex-nibble path from the state root to a node: a sequence
// of 4-bit nibbles, with no trailing terminator (the terminator flag is a
// leaf-vs-extension distinction carried by shortNode.Key, not by NodePath
// itself). The empty NodePath identifies the state root.
type NodePath []byte

// String renders a NodePath as a hex nibble string, for logs and errors.
func (p NodePath) String() string {
	if len(p) == 0 {
		return "<root>"
	}
	buf := make([]byte, len(p))
	for i, nib := range p {
		buf[i] = "0123456789abcdef"[nib&0xf]
	}
	return string(buf)
}

// Append returns a new NodePath with extra nibbles appended, copying so the
// receiver is never mutated in place (NodePaths are shared across queues).
func (p NodePath) Append(extra ...byte) NodePath {
	out := make(NodePath, 0, len(p)+len(extra))
	out = append(out, p...)
	out = append(out, extra...)
	return out
}

// Equal reports whether two NodePaths have identical nibbles.
func (p NodePath) Equal(o NodePath) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// PendingNode is a NodePath paired with the content hash the store expects
// to find there. The trie is a content-addressed DAG with no cyclic
// references and is never addressed by pointer, so once a child reference
// is known, from a parent already resolved in the store, presence and fetch
// operations key off Hash, not Path; Path is retained only because the
// fetcher's wire collaborator addresses nodes by path, not by hash.
type PendingNode struct {
	Path NodePath
	Hash types.Hash
}

func (p PendingNode) String() string {
	return fmt.Sprintf("%s@%s", p.Path, p.Hash.Hex())
}

// HexPrefixDecode decodes a compact hex-prefix-encoded byte string into its
// nibble sequence and reports whether it denotes a leaf (as opposed to an
// extension). This is the engine's hexPrefixDecode collaborator from the
// wire/witness boundary (spec glossary: "Hex prefix").
func HexPrefixDecode(compact []byte) (isLeaf bool, nibbles []byte) {
	hex := compactToHex(compact)
	return hasTerm(hex), hex
}

// HexPrefixEncode is the inverse of HexPrefixDecode: it compact-encodes a
// nibble sequence, including the terminator if isLeaf is set.
func HexPrefixEncode(nibbles []byte, isLeaf bool) []byte {
	hex := make([]byte, len(nibbles), len(nibbles)+1)
	copy(hex, nibbles)
	if isLeaf {
		hex = append(hex, terminatorByte)
	}
	return hexToCompact(hex)
}
