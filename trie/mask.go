package trie

// BranchMaskBits is the exported form of branchMaskBits, for collaborators
// outside this package that decode a 17-bit branch mask from a wire format
// other than a node's own RLP encoding (the block-witness decoder).
const BranchMaskBits = branchMaskBits

// ValidateBranchMask exposes validateBranchMask for external decoders that
// need the same popcount/bit-range invariant enforced on a mask lifted from
// a byte pair rather than from a decoded fullNode.
func ValidateBranchMask(mask uint32) error {
	return validateBranchMask(mask)
}

// ConstructBranchMask rebuilds a 17-bit mask from an encoded two-byte pair
// already reduced to a uint32: constructBranchMask(encode(mask)) == mask
// for any legal mask. Encoding a mask is just masking and truncating to two
// bytes (done by the caller); this function only exists as the named
// round-trip counterpart.
func ConstructBranchMask(encoded uint32) uint32 {
	return encoded & branchMaskBits
}
