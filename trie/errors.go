package trie

import "errors"

// Sentinel errors for the trie package's error taxonomy. ParsingError-class
// failures (malformed RLP, invalid branch mask, hash mismatch) are always
// local to one node: the caller drops the offending blob and continues.
var (
	// ErrMalformedRLP means decodeNode could not parse the blob as a valid
	// trie node (wrong element count, truncated length prefix, ...).
	ErrMalformedRLP = errors.New("trie: malformed node RLP")

	// ErrInvalidBranchMask means a decoded fullNode's presence mask violates
	// popcount(mask) >= 2 or sets a bit beyond 16.
	ErrInvalidBranchMask = errors.New("trie: invalid branch mask")

	// ErrHashMismatch means a node's content hash does not match what the
	// caller expected at that path.
	ErrHashMismatch = errors.New("trie: node hash mismatch")
)

// ParsingError wraps any node-level decode failure: malformed RLP, an
// invalid branch mask, or a hash mismatch between a fetched blob and its
// expected content hash. It is always non-retriable for that specific blob;
// the blob is dropped and the engine continues with the next one.
type ParsingError struct {
	Path NodePath
	Err  error
}

func (e *ParsingError) Error() string {
	return "trie: parsing error at path " + e.Path.String() + ": " + e.Err.Error()
}

func (e *ParsingError) Unwrap() error { return e.Err }

// Defect signals an invariant breakage that must never happen for a
// well-formed engine: a branch mask with popcount < 2 reached outside
// parsing, or a structural contradiction in the node store. Unlike
// ParsingError it is not swallowed; callers are expected to let it
// propagate and abort the process.
type Defect struct {
	Msg string
}

func (e *Defect) Error() string { return "trie: defect: " + e.Msg }
