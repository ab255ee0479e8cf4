package trie

import (
	"fmt"
	"math/big"

	"github.com/ethsync/trieheal/types"
)

// DecodeAccountRLP decodes the RLP-encoded value found in an account-trie
// leaf into an Account: a 4-element list (nonce, balance, storageRoot,
// codeHash). This mirrors the byte-level list/string parsing already used
// for node decoding rather than a reflection-based RLP codec, since the
// engine only ever decodes peer-supplied account blobs, never constructs
// new ones on the healing path.
func DecodeAccountRLP(blob []byte) (types.Account, error) {
	elems, err := decodeRLPList(blob)
	if err != nil {
		return types.Account{}, fmt.Errorf("%w: account: %v", ErrMalformedRLP, err)
	}
	if len(elems) != 4 {
		return types.Account{}, fmt.Errorf("%w: account: expected 4 elements, got %d", ErrMalformedRLP, len(elems))
	}

	nonce := decodeRLPUint(elems[0])
	balance := new(big.Int).SetBytes(elems[1])
	root := types.BytesToHash(elems[2])
	codeHash := append([]byte(nil), elems[3]...)

	if len(elems[2]) == 0 {
		root = types.EmptyRootHash
	}
	if len(codeHash) == 0 {
		codeHash = append([]byte(nil), types.EmptyCodeHash.Bytes()...)
	}

	return types.Account{
		Nonce:    nonce,
		Balance:  balance,
		Root:     root,
		CodeHash: codeHash,
	}, nil
}

// decodeRLPUint decodes an RLP string as a big-endian unsigned integer.
func decodeRLPUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// EncodeAccountRLP encodes an Account the same way an account-trie leaf
// value is encoded, for test fixture construction.
func EncodeAccountRLP(acc types.Account) []byte {
	nonce := encodeRLPUint(acc.Nonce)
	balance := encodeRLPBytes(trimLeadingZeroes(acc.Balance.Bytes()))
	root := encodeRLPBytes(acc.Root.Bytes())
	codeHash := encodeRLPBytes(acc.CodeHash)
	return encodeRLPList(nonce, balance, root, codeHash)
}

func trimLeadingZeroes(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

func encodeRLPUint(v uint64) []byte {
	if v == 0 {
		return encodeRLPBytes(nil)
	}
	var buf [8]byte
	n := 8
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
		if v == 0 {
			n = 8 - i
			break
		}
	}
	return encodeRLPBytes(buf[8-n:])
}

// encodeRLPBytes encodes a byte string using the single-byte / short-string
// / long-string RLP prefix rules.
func encodeRLPBytes(b []byte) []byte {
	if len(b) == 1 && b[0] <= 0x7f {
		return b
	}
	if len(b) <= 55 {
		out := make([]byte, 0, len(b)+1)
		out = append(out, byte(0x80+len(b)))
		return append(out, b...)
	}
	lenBytes := bigEndianMinimal(uint64(len(b)))
	out := make([]byte, 0, len(b)+1+len(lenBytes))
	out = append(out, byte(0xb7+len(lenBytes)))
	out = append(out, lenBytes...)
	return append(out, b...)
}

// encodeRLPList wraps pre-encoded elements in an RLP list header.
func encodeRLPList(elems ...[]byte) []byte {
	var payload []byte
	for _, e := range elems {
		payload = append(payload, e...)
	}
	if len(payload) <= 55 {
		out := make([]byte, 0, len(payload)+1)
		out = append(out, byte(0xc0+len(payload)))
		return append(out, payload...)
	}
	lenBytes := bigEndianMinimal(uint64(len(payload)))
	out := make([]byte, 0, len(payload)+1+len(lenBytes))
	out = append(out, byte(0xf7+len(lenBytes)))
	out = append(out, lenBytes...)
	return append(out, payload...)
}

func bigEndianMinimal(v uint64) []byte {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return trimLeadingZeroes(buf[:])
}
