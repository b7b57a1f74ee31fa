package btreekv

import (
	"bytes"
	"context"
	"fmt"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/objectstore"
)

// ApplyChanges folds a sorted, strictly-increasing-by-key stream of
// EntryChanges onto the tree rooted at rootID, returning the new root and
// the set of tree-node ids written along the way (spec §4.2.1).
//
// The new tree's shape is a pure function of its final key set (§4.2.2):
// unchanged subtrees re-serialize to identical bytes, so the object store's
// idempotent put naturally dedupes them instead of rewriting. This trades
// an O(log n) incremental path-rewrite for an O(n) functional rebuild of
// the whole tree, in exchange for a simpler, insertion-order-independent
// implementation.
func ApplyChanges(ctx context.Context, store objectstore.Store, rootID objectstore.ObjectID, maxEntriesPerNode int, changes []EntryChange) (objectstore.ObjectID, map[objectstore.ObjectID]struct{}, error) {
	if maxEntriesPerNode < 1 {
		maxEntriesPerNode = 1
	}
	if err := validateSorted(changes); err != nil {
		return objectstore.Nil, nil, err
	}

	base, err := collectAllEntries(ctx, store, rootID)
	if err != nil {
		return objectstore.Nil, nil, err
	}

	merged, err := mergeChanges(base, changes)
	if err != nil {
		return objectstore.Nil, nil, err
	}

	written := map[objectstore.ObjectID]struct{}{}
	newRoot, err := buildLevel(ctx, store, merged, maxEntriesPerNode, written)
	if err != nil {
		return objectstore.Nil, nil, err
	}
	return newRoot, written, nil
}

func validateSorted(changes []EntryChange) error {
	for i := 1; i < len(changes); i++ {
		if bytes.Compare(changes[i-1].Entry.Key, changes[i].Entry.Key) >= 0 {
			return pagestore.NewError(pagestore.InternalErrorCode,
				fmt.Errorf("change stream not strictly increasing at index %d", i), nil)
		}
	}
	return nil
}

// mergeChanges folds changes (sorted, unique keys) over base (sorted,
// unique keys), producing the new sorted entry set.
func mergeChanges(base []Entry, changes []EntryChange) ([]Entry, error) {
	out := make([]Entry, 0, len(base)+len(changes))
	bi, ci := 0, 0
	for bi < len(base) || ci < len(changes) {
		switch {
		case ci >= len(changes):
			out = append(out, base[bi])
			bi++
		case bi >= len(base):
			if !changes[ci].Deleted {
				out = append(out, changes[ci].Entry)
			}
			ci++
		default:
			cmp := bytes.Compare(base[bi].Key, changes[ci].Entry.Key)
			switch {
			case cmp < 0:
				out = append(out, base[bi])
				bi++
			case cmp > 0:
				if !changes[ci].Deleted {
					out = append(out, changes[ci].Entry)
				}
				ci++
			default: // equal keys: the change replaces (or deletes) the base entry
				if !changes[ci].Deleted {
					out = append(out, changes[ci].Entry)
				}
				bi++
				ci++
			}
		}
	}
	return out, nil
}

// buildLevel builds the canonical tree for entries (sorted, unique keys)
// and writes every node it produces, recording ids in written.
func buildLevel(ctx context.Context, store objectstore.Store, entries []Entry, maxEntriesPerNode int, written map[objectstore.ObjectID]struct{}) (objectstore.ObjectID, error) {
	if len(entries) == 0 {
		return EmptyRootID, nil
	}

	targetLevel := -1
	for _, e := range entries {
		if lv := LevelFunc(e.Key); lv > targetLevel {
			targetLevel = lv
		}
	}

	var boundary []Entry
	var children []objectstore.ObjectID
	segStart := 0
	for i, e := range entries {
		if LevelFunc(e.Key) != targetLevel {
			continue
		}
		childID, err := buildLevel(ctx, store, entries[segStart:i], maxEntriesPerNode, written)
		if err != nil {
			return objectstore.Nil, err
		}
		children = append(children, childID)
		boundary = append(boundary, e)
		segStart = i + 1
	}
	tailID, err := buildLevel(ctx, store, entries[segStart:], maxEntriesPerNode, written)
	if err != nil {
		return objectstore.Nil, err
	}
	children = append(children, tailID)

	return capGroup(ctx, store, boundary, children, targetLevel, maxEntriesPerNode, written)
}

// capGroup writes entries/children as a single node, unless entries
// exceeds maxEntriesPerNode, in which case it splits the group in half
// (preferring the left half to absorb the extra entry on odd splits, per
// the left-sibling tie-break in spec §4.2.2) and recurses, promoting the
// middle entry to bind the two halves together.
func capGroup(ctx context.Context, store objectstore.Store, entries []Entry, children []objectstore.ObjectID, level, maxEntriesPerNode int, written map[objectstore.ObjectID]struct{}) (objectstore.ObjectID, error) {
	if len(entries) <= maxEntriesPerNode {
		return writeNode(ctx, store, &treeNode{Level: level, Entries: entries, Children: children}, written)
	}

	mid := len(entries) / 2 // left half gets the extra entry when the non-promoted entries are odd in number
	leftEntries, leftChildren := entries[:mid], children[:mid+1]
	promoted := entries[mid]
	rightEntries, rightChildren := entries[mid+1:], children[mid+1:]

	leftID, err := capGroup(ctx, store, leftEntries, leftChildren, level, maxEntriesPerNode, written)
	if err != nil {
		return objectstore.Nil, err
	}
	rightID, err := capGroup(ctx, store, rightEntries, rightChildren, level, maxEntriesPerNode, written)
	if err != nil {
		return objectstore.Nil, err
	}
	return capGroup(ctx, store, []Entry{promoted}, []objectstore.ObjectID{leftID, rightID}, level, maxEntriesPerNode, written)
}

func writeNode(ctx context.Context, store objectstore.Store, n *treeNode, written map[objectstore.ObjectID]struct{}) (objectstore.ObjectID, error) {
	id, err := putNode(ctx, store, n)
	if err != nil {
		return objectstore.Nil, err
	}
	if id != EmptyRootID {
		written[id] = struct{}{}
	}
	return id, nil
}
