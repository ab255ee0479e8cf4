package trie

import (
	"fmt"

	"github.com/ethsync/trieheal/types"
)

// InspectResult is the outcome of one Inspector.Inspect call.
type InspectResult struct {
	Dangling []PendingNode
	Leaves   []NodePath
}

// Inspector, given a set of seed paths already present in the Store,
// performs a bounded breadth-first walk of their children, distinguishing
// nodes whose referenced children are absent locally ("dangling") from
// seeds that already terminate at a leaf. Generalized from a full-trie walk
// to a frontier-bounded one so a single call cannot monopolize a buddy.
type Inspector struct {
	store    *Store
	frontier int // max nodes visited per Inspect call
}

// NewInspector creates an Inspector over store with the given frontier
// bound (at least 1).
func NewInspector(store *Store, frontier int) *Inspector {
	if frontier < 1 {
		frontier = 1
	}
	return &Inspector{store: store, frontier: frontier}
}

// Inspect performs a bounded breadth-first walk from seeds. A malformed
// node encountered during descent yields an error for the whole call; the
// caller must treat every seed as still-uninspected.
func (ti *Inspector) Inspect(seeds []PendingNode) (InspectResult, error) {
	var result InspectResult
	visited := 0

	queue := append([]PendingNode(nil), seeds...)
	for len(queue) > 0 && visited < ti.frontier {
		cur := queue[0]
		queue = queue[1:]
		visited++

		blob, ok := ti.store.Node(cur.Hash)
		if !ok {
			// A seed that is not actually present is a caller error (only
			// nodes already known-present should be passed in); treat it
			// defensively as dangling rather than panicking.
			result.Dangling = append(result.Dangling, cur)
			continue
		}
		n, err := decodeNode(hashNode(cur.Hash.Bytes()), blob)
		if err != nil {
			return InspectResult{}, fmt.Errorf("trie: inspect %s: %w", cur.Path, err)
		}

		children, leaf, err := ti.expand(cur, n)
		if err != nil {
			return InspectResult{}, err
		}
		if leaf {
			result.Leaves = append(result.Leaves, cur.Path)
			continue
		}
		for _, child := range children {
			present := ti.store.Has(child.Hash)
			if !present {
				result.Dangling = append(result.Dangling, child)
				continue
			}
			queue = append(queue, child)
		}
	}
	return result, nil
}

// expand enumerates the direct hash-referenced children of a decoded node.
// Inline children (embedded RLP shorter than 32 bytes) are resolved
// directly without a presence check or further queueing, since they are
// never addressed separately in the store; "leaf" reports whether n itself
// terminates here with no children to enumerate.
func (ti *Inspector) expand(cur PendingNode, n node) (children []PendingNode, leaf bool, err error) {
	switch v := n.(type) {
	case *shortNode:
		if hasTerm(v.Key) {
			return nil, true, nil
		}
		childPath := cur.Path.Append(v.Key...)
		switch c := v.Val.(type) {
		case hashNode:
			children = append(children, PendingNode{Path: childPath, Hash: hashFromNode(c)})
		case nil:
			// Dangling extension with no child at all is a malformed trie.
		default:
			// Inline child: recurse into it directly without a presence
			// check, using the same path (inline nodes don't own their own
			// hash identity in the store).
			inlineKids, inlineLeaf, err := ti.expand(PendingNode{Path: childPath}, c)
			if err != nil {
				return nil, false, err
			}
			if inlineLeaf {
				return nil, false, nil // caller records cur as non-leaf; inline leaf has no separate fetch need
			}
			children = append(children, inlineKids...)
		}
		return children, false, nil

	case *fullNode:
		for nibble := 0; nibble < 16; nibble++ {
			c := v.Children[nibble]
			if c == nil {
				continue
			}
			childPath := cur.Path.Append(byte(nibble))
			switch ref := c.(type) {
			case hashNode:
				children = append(children, PendingNode{Path: childPath, Hash: hashFromNode(ref)})
			default:
				inlineKids, _, err := ti.expand(PendingNode{Path: childPath}, ref)
				if err != nil {
					return nil, false, err
				}
				children = append(children, inlineKids...)
			}
		}
		// The value slot (nibble 16), if present, holds a value embedded
		// directly at this branch; it has no separate hash identity and is
		// not queued for dangling detection.
		return children, false, nil

	default:
		return nil, false, nil
	}
}

func hashFromNode(h hashNode) types.Hash {
	return types.BytesToHash(h)
}
