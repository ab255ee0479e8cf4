package trie

import "github.com/ethsync/trieheal/types"

// encodeLeafNodeForTest builds the raw RLP blob of a shortNode leaf with the
// given nibble key (without terminator) and value, for constructing fixtures
// without going through a full trie build.
func encodeLeafNodeForTest(keyNibbles []byte, value []byte) []byte {
	compact := HexPrefixEncode(keyNibbles, true)
	return encodeRLPList(encodeRLPBytes(compact), encodeRLPBytes(value))
}

// encodeExtensionNodeForTest builds the raw RLP blob of a shortNode
// extension with the given nibble key and a hash-referenced child.
func encodeExtensionNodeForTest(keyNibbles []byte, child types.Hash) []byte {
	compact := HexPrefixEncode(keyNibbles, false)
	return encodeRLPList(encodeRLPBytes(compact), encodeRLPBytes(child.Bytes()))
}

// encodeBranchNodeForTest builds the raw RLP blob of a fullNode with
// hash-referenced children at the given nibble slots (no inline children,
// which is all these tests need) and an optional value slot.
func encodeBranchNodeForTest(children map[int]types.Hash, value []byte) []byte {
	elems := make([][]byte, 17)
	for i := 0; i < 16; i++ {
		if h, ok := children[i]; ok {
			elems[i] = encodeRLPBytes(h.Bytes())
		} else {
			elems[i] = encodeRLPBytes(nil)
		}
	}
	elems[16] = encodeRLPBytes(value)
	return encodeRLPList(elems...)
}
