package btreekv

import (
	"bytes"
	"context"

	"github.com/sharedcode/pagestore/objectstore"
)

// ForEachDiff streams the entry-level diff between two trees in ascending
// key order (spec §4.2.1): for_each_diff(A, A) emits nothing, and for
// for_each_diff(A, B) the emitted sequence, applied to A, produces B.
//
// Structural sharing is exploited recursively, not just at the root:
// whenever a base and other subtree share the same object id, the pair is
// skipped without a store read, since content-addressing guarantees their
// contents are byte-for-byte identical. A mismatched pair is walked by
// merging both nodes' entries in key order; wherever one side's next key
// has no counterpart at the same position in the other node, it is
// resolved with a single bounded point lookup into the other side's
// subtree rather than a full linear read of it.
func ForEachDiff(ctx context.Context, store objectstore.Store, baseRootID, otherRootID objectstore.ObjectID, onChange func(EntryChange) Decision, onDone func(error)) {
	_, err := diffRange(ctx, store, nil, nil, baseRootID, otherRootID, onChange)
	if onDone != nil {
		onDone(err)
	}
}

// diffRange emits the changes needed to turn the portion of baseID's
// content within the open interval (lo, hi) into otherID's, where a nil
// bound means unbounded. lo/hi let a mismatched pair of siblings be
// diffed against a narrower slice of a wider-ranging sibling on the other
// side, without re-deriving the whole subtree.
func diffRange(ctx context.Context, store objectstore.Store, lo, hi []byte, baseID, otherID objectstore.ObjectID, onChange func(EntryChange) Decision) (Decision, error) {
	if baseID == otherID {
		return Continue, nil
	}
	if err := ctx.Err(); err != nil {
		return Stop, err
	}

	baseNode, err := getNode(ctx, store, baseID)
	if err != nil {
		return Stop, err
	}
	otherNode, err := getNode(ctx, store, otherID)
	if err != nil {
		return Stop, err
	}

	bi := firstEntryAfter(baseNode.Entries, lo)
	oi := firstEntryAfter(otherNode.Entries, lo)
	cursor := lo

	for {
		baseInRange := bi < len(baseNode.Entries) && keyBefore(baseNode.Entries[bi].Key, hi)
		otherInRange := oi < len(otherNode.Entries) && keyBefore(otherNode.Entries[oi].Key, hi)

		if !baseInRange && !otherInRange {
			return diffRange(ctx, store, cursor, hi, baseNode.Children[bi], otherNode.Children[oi], onChange)
		}

		var cmp int
		switch {
		case baseInRange && otherInRange:
			cmp = bytes.Compare(baseNode.Entries[bi].Key, otherNode.Entries[oi].Key)
		case baseInRange:
			cmp = -1
		default:
			cmp = 1
		}

		switch {
		case cmp == 0:
			d, err := diffRange(ctx, store, cursor, baseNode.Entries[bi].Key, baseNode.Children[bi], otherNode.Children[oi], onChange)
			if err != nil || d == Stop {
				return Stop, err
			}
			if !entriesEqual(baseNode.Entries[bi], otherNode.Entries[oi]) {
				if onChange(EntryChange{Entry: otherNode.Entries[oi]}) == Stop {
					return Stop, nil
				}
			}
			cursor = baseNode.Entries[bi].Key
			bi++
			oi++

		case cmp < 0:
			key := baseNode.Entries[bi].Key
			d, err := diffRange(ctx, store, cursor, key, baseNode.Children[bi], otherNode.Children[oi], onChange)
			if err != nil || d == Stop {
				return Stop, err
			}
			other, err := GetEntry(ctx, store, otherNode.Children[oi], key)
			if err != nil && err != objectstore.ErrNotFound {
				return Stop, err
			}
			change := EntryChange{Entry: Entry{Key: key}, Deleted: true}
			if err == nil {
				if entriesEqual(baseNode.Entries[bi], other) {
					cursor = key
					bi++
					continue
				}
				change = EntryChange{Entry: other}
			}
			if onChange(change) == Stop {
				return Stop, nil
			}
			cursor = key
			bi++

		default:
			key := otherNode.Entries[oi].Key
			d, err := diffRange(ctx, store, cursor, key, baseNode.Children[bi], otherNode.Children[oi], onChange)
			if err != nil || d == Stop {
				return Stop, err
			}
			base, err := GetEntry(ctx, store, baseNode.Children[bi], key)
			if err != nil && err != objectstore.ErrNotFound {
				return Stop, err
			}
			if err == nil && entriesEqual(base, otherNode.Entries[oi]) {
				cursor = key
				oi++
				continue
			}
			if onChange(EntryChange{Entry: otherNode.Entries[oi]}) == Stop {
				return Stop, nil
			}
			cursor = key
			oi++
		}
	}
}

// firstEntryAfter returns the index of the first entry whose key is
// strictly greater than lo (0 if lo is nil).
func firstEntryAfter(entries []Entry, lo []byte) int {
	if lo == nil {
		return 0
	}
	i := 0
	for i < len(entries) && bytes.Compare(entries[i].Key, lo) <= 0 {
		i++
	}
	return i
}

// keyBefore reports whether key is strictly less than hi (always true if
// hi is nil).
func keyBefore(key, hi []byte) bool {
	return hi == nil || bytes.Compare(key, hi) < 0
}

func entriesEqual(a, b Entry) bool {
	return a.ValueID == b.ValueID && a.Priority == b.Priority
}
