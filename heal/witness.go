package heal

import (
	"encoding/binary"
	"fmt"

	"github.com/ethsync/trieheal/trie"
)

// witnessFormatVersion is the single supported block-witness format byte:
// the first byte of the stream must equal this value.
const witnessFormatVersion = 0x01

// ErrWitnessTruncated and ErrWitnessBadVersion are WitnessError causes,
// fatal for the witness stream they occur in, never retried.
var (
	ErrWitnessTruncated  = fmt.Errorf("heal: witness stream truncated")
	ErrWitnessBadVersion = fmt.Errorf("heal: witness format version mismatch")
)

// WitnessError wraps a witness-stream parse failure. It is fatal only for
// the witness currently being parsed, not for the engine as a whole.
type WitnessError struct {
	Err error
}

func (e *WitnessError) Error() string { return "heal: witness error: " + e.Err.Error() }
func (e *WitnessError) Unwrap() error { return e.Err }

// BranchMaskWitness is one decoded branch-mask entry from a block witness:
// the 17-bit presence mask for one branch node, already validated against
// the same popcount/bit-range invariant trie.DecodeNode enforces.
type BranchMaskWitness struct {
	Mask uint32
}

// DecodeWitness parses a block-witness byte stream's format-version byte
// and its sequence of two-byte branch-mask pairs, each a 16-bit
// little-endian field masked to 17 bits since only bits 0-16 are
// meaningful.
func DecodeWitness(blob []byte) ([]BranchMaskWitness, error) {
	if len(blob) < 1 {
		return nil, &WitnessError{Err: ErrWitnessTruncated}
	}
	if blob[0] != witnessFormatVersion {
		return nil, &WitnessError{Err: fmt.Errorf("%w: got 0x%02x", ErrWitnessBadVersion, blob[0])}
	}
	body := blob[1:]
	if len(body)%2 != 0 {
		return nil, &WitnessError{Err: ErrWitnessTruncated}
	}

	out := make([]BranchMaskWitness, 0, len(body)/2)
	for i := 0; i < len(body); i += 2 {
		raw := binary.LittleEndian.Uint16(body[i : i+2])
		mask := uint32(raw) & trie.BranchMaskBits
		if err := trie.ValidateBranchMask(mask); err != nil {
			return nil, &WitnessError{Err: err}
		}
		out = append(out, BranchMaskWitness{Mask: mask})
	}
	return out, nil
}

// EncodeWitness is the inverse of DecodeWitness for masks within bits 0-15,
// for test fixtures and for constructing witnesses for the verification
// paths that consume this decoder. Bit 16 does not fit the two-byte pair
// and is dropped.
func EncodeWitness(masks []BranchMaskWitness) []byte {
	out := make([]byte, 1, 1+2*len(masks))
	out[0] = witnessFormatVersion
	for _, m := range masks {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(m.Mask&trie.BranchMaskBits))
		out = append(out, buf[:]...)
	}
	return out
}
