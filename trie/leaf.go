package trie

import "fmt"

// DecodeLeaf parses a raw node blob classified as KindLeaf by Store.ImportRaw
// into its key nibbles (terminator removed) and its raw value: decode the
// leaf RLP, recover the key nibbles via HexPrefixDecode, and hand the value back for
// an account-trie Account decode. A two-element RLP list is the shortNode
// encoding; this mirrors decodeShort without constructing the full node
// graph, since a caller that already knows a node is a leaf only ever needs
// its key and value.
func DecodeLeaf(blob []byte) (keyNibbles []byte, value []byte, err error) {
	elems, err := decodeRLPList(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: leaf: %v", ErrMalformedRLP, err)
	}
	if len(elems) != 2 {
		return nil, nil, fmt.Errorf("%w: leaf: expected 2 elements, got %d", ErrMalformedRLP, len(elems))
	}
	isLeaf, nibbles := HexPrefixDecode(elems[0])
	if !isLeaf {
		return nil, nil, fmt.Errorf("%w: leaf: key has no terminator", ErrMalformedRLP)
	}
	// Strip the terminator nibble HexPrefixDecode leaves on for a leaf key.
	if n := len(nibbles); n > 0 && nibbles[n-1] == terminatorByte {
		nibbles = nibbles[:n-1]
	}
	return nibbles, append([]byte(nil), elems[1]...), nil
}
