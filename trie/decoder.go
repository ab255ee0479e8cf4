package trie

import (
	"fmt"
)

// decodeNode decodes an RLP-encoded trie node. hash is the expected content
// hash of this node (used only to populate the node's cache field; callers
// that need hash verification against an expected value do it separately,
// as Store.ImportRaw does by comparing the blob's Keccak256 hash, since
// embedded/inline children never have a meaningful expected hash).
func decodeNode(hash hashNode, data []byte) (node, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrMalformedRLP)
	}

	// The canonical empty trie is keccak256(rlp("")): a single RLP-encoded
	// empty string, not a node list. There is nothing to decode into a
	// fullNode/shortNode; report it as the distinguished empty node so
	// callers can tell it apart from a parse failure.
	if len(data) == 1 && data[0] == 0x80 {
		return nil, nil
	}

	elems, err := decodeRLPList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRLP, err)
	}

	switch len(elems) {
	case 2:
		return decodeShort(hash, elems)
	case 17:
		return decodeFull(hash, elems)
	default:
		return nil, fmt.Errorf("%w: expected 2 or 17 elements, got %d", ErrMalformedRLP, len(elems))
	}
}

// decodeShort decodes a 2-element RLP list into a shortNode.
func decodeShort(hash hashNode, elems [][]byte) (node, error) {
	key := compactToHex(elems[0])

	if hasTerm(key) {
		// Leaf node: value is the second element.
		return &shortNode{
			Key: key,
			Val: valueNode(elems[1]),
			flags: nodeFlag{
				hash:  hash,
				dirty: false,
			},
		}, nil
	}

	// Extension node: second element is a child node reference.
	child, err := decodeRef(elems[1])
	if err != nil {
		return nil, err
	}
	return &shortNode{
		Key: key,
		Val: child,
		flags: nodeFlag{
			hash:  hash,
			dirty: false,
		},
	}, nil
}

// decodeFull decodes a 17-element RLP list into a fullNode, validating its
// branch mask.
func decodeFull(hash hashNode, elems [][]byte) (node, error) {
	n := &fullNode{
		flags: nodeFlag{
			hash:  hash,
			dirty: false,
		},
	}
	for i := 0; i < 16; i++ {
		if len(elems[i]) == 0 {
			continue
		}
		child, err := decodeRef(elems[i])
		if err != nil {
			return nil, err
		}
		n.Children[i] = child
	}
	if len(elems[16]) > 0 {
		n.Children[16] = valueNode(elems[16])
	}
	if err := validateBranchMask(branchMask(n)); err != nil {
		return nil, err
	}
	return n, nil
}

// decodeRef decodes a child node reference. A 32-byte blob is a hash
// reference; anything shorter is an inline node, decoded recursively (no
// expected hash, since inline nodes are addressed by content, not a
// separate store entry).
func decodeRef(data []byte) (node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) == 32 {
		return hashNode(data), nil
	}
	return decodeNode(nil, data)
}

// decodeLength decodes a big-endian length from the given bytes.
func decodeLength(data []byte, lenLen int) int {
	var length int
	for i := 0; i < lenLen; i++ {
		length = length<<8 | int(data[i])
	}
	return length
}

// decodeRLPList decodes a top-level RLP list into its element byte slices.
func decodeRLPList(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty list", ErrMalformedRLP)
	}

	prefix := data[0]
	if prefix < 0xc0 {
		return nil, fmt.Errorf("%w: expected list, got string prefix 0x%02x", ErrMalformedRLP, prefix)
	}
	var payload []byte

	switch {
	case prefix <= 0xf7:
		length := int(prefix - 0xc0)
		if 1+length > len(data) {
			return nil, fmt.Errorf("%w: short list overruns buffer", ErrMalformedRLP)
		}
		payload = data[1 : 1+length]
	default:
		lenLen := int(prefix - 0xf7)
		if 1+lenLen > len(data) {
			return nil, fmt.Errorf("%w: long list length prefix overruns buffer", ErrMalformedRLP)
		}
		length := decodeLength(data[1:1+lenLen], lenLen)
		if 1+lenLen+length > len(data) {
			return nil, fmt.Errorf("%w: long list overruns buffer", ErrMalformedRLP)
		}
		payload = data[1+lenLen : 1+lenLen+length]
	}

	var elems [][]byte
	for len(payload) > 0 {
		elem, rest, err := decodeOneElement(payload)
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		payload = rest
	}
	return elems, nil
}

// decodeOneElement reads one RLP element from the front of data, returning
// the decoded content and remaining data.
func decodeOneElement(data []byte) (content []byte, rest []byte, err error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: truncated element", ErrMalformedRLP)
	}

	prefix := data[0]
	switch {
	case prefix <= 0x7f:
		return data[:1], data[1:], nil

	case prefix == 0x80:
		return nil, data[1:], nil

	case prefix <= 0xb7:
		length := int(prefix - 0x80)
		if 1+length > len(data) {
			return nil, nil, fmt.Errorf("%w: short string overruns buffer", ErrMalformedRLP)
		}
		return data[1 : 1+length], data[1+length:], nil

	case prefix <= 0xbf:
		lenLen := int(prefix - 0xb7)
		if 1+lenLen > len(data) {
			return nil, nil, fmt.Errorf("%w: long string length prefix overruns buffer", ErrMalformedRLP)
		}
		length := decodeLength(data[1:1+lenLen], lenLen)
		end := 1 + lenLen + length
		if end > len(data) {
			return nil, nil, fmt.Errorf("%w: long string overruns buffer", ErrMalformedRLP)
		}
		return data[1+lenLen : end], data[end:], nil

	case prefix <= 0xf7:
		length := int(prefix - 0xc0)
		end := 1 + length
		if end > len(data) {
			return nil, nil, fmt.Errorf("%w: short list overruns buffer", ErrMalformedRLP)
		}
		// Return the full RLP (including header) for nested node references.
		return data[:end], data[end:], nil

	default:
		lenLen := int(prefix - 0xf7)
		if 1+lenLen > len(data) {
			return nil, nil, fmt.Errorf("%w: long list length prefix overruns buffer", ErrMalformedRLP)
		}
		length := decodeLength(data[1:1+lenLen], lenLen)
		end := 1 + lenLen + length
		if end > len(data) {
			return nil, nil, fmt.Errorf("%w: long list overruns buffer", ErrMalformedRLP)
		}
		return data[:end], data[end:], nil
	}
}
