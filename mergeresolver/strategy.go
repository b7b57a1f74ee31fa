package mergeresolver

import (
	"bytes"
	"context"
	"sort"

	"github.com/sharedcode/pagestore/btreekv"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/objectstore"
)

// MergeInput is the three-way merge context a Strategy receives (spec
// §4.6.2): the two divergent heads and their common ancestor.
type MergeInput struct {
	H1ID, H2ID, AncestorID objectstore.ObjectID
	H1, H2, Ancestor       commitgraph.Commit
}

// Strategy produces a merged tree root from a three-way merge context.
// Implementations must observe ctx cancellation at a cooperative point
// (spec §4.6.4): SetMergeStrategy mid-merge cancels the active strategy's
// context rather than killing it outright.
type Strategy interface {
	Merge(ctx context.Context, store objectstore.Store, input MergeInput) (objectstore.ObjectID, error)
}

// LastOneWins merges two heads key-by-key against their ancestor: a key
// changed on only one side takes that side; a key changed on both sides
// takes the value from whichever commit has the larger timestamp, ties
// broken lexicographically on commit id (spec §4.6.3).
type LastOneWins struct {
	MaxEntriesPerNode int
}

// NewLastOneWins returns a LastOneWins strategy that rebuilds merged trees
// with the given B-tree fan-out target.
func NewLastOneWins(maxEntriesPerNode int) *LastOneWins {
	if maxEntriesPerNode < 1 {
		maxEntriesPerNode = 64
	}
	return &LastOneWins{MaxEntriesPerNode: maxEntriesPerNode}
}

func (s *LastOneWins) Merge(ctx context.Context, store objectstore.Store, in MergeInput) (objectstore.ObjectID, error) {
	side1 := map[string]btreekv.EntryChange{}
	btreekv.ForEachDiff(ctx, store, in.Ancestor.RootID, in.H1.RootID, func(c btreekv.EntryChange) btreekv.Decision {
		side1[string(c.Entry.Key)] = c
		return btreekv.Continue
	}, nil)
	if err := ctx.Err(); err != nil {
		return objectstore.Nil, err
	}

	side2 := map[string]btreekv.EntryChange{}
	btreekv.ForEachDiff(ctx, store, in.Ancestor.RootID, in.H2.RootID, func(c btreekv.EntryChange) btreekv.Decision {
		side2[string(c.Entry.Key)] = c
		return btreekv.Continue
	}, nil)
	if err := ctx.Err(); err != nil {
		return objectstore.Nil, err
	}

	merged := map[string]btreekv.EntryChange{}
	for k, c := range side1 {
		merged[k] = c
	}
	for k, c2 := range side2 {
		c1, both := merged[k]
		if !both {
			merged[k] = c2
			continue
		}
		merged[k] = winner(c1, in.H1ID, in.H1.TimestampMs, c2, in.H2ID, in.H2.TimestampMs)
	}

	if err := ctx.Err(); err != nil {
		return objectstore.Nil, err
	}

	changes := make([]btreekv.EntryChange, 0, len(merged))
	for _, c := range merged {
		changes = append(changes, c)
	}
	// merged is a Go map, so iteration order above is randomized;
	// ApplyChanges requires a strictly increasing key order (the same
	// requirement journal.Journal.sortedChanges satisfies for a commit's
	// own mutations).
	sort.Slice(changes, func(i, j int) bool {
		return bytes.Compare(changes[i].Entry.Key, changes[j].Entry.Key) < 0
	})
	newRoot, _, err := btreekv.ApplyChanges(ctx, store, in.Ancestor.RootID, s.MaxEntriesPerNode, changes)
	if err != nil {
		return objectstore.Nil, err
	}
	return newRoot, nil
}

func winner(c1 btreekv.EntryChange, id1 objectstore.ObjectID, ts1 int64, c2 btreekv.EntryChange, id2 objectstore.ObjectID, ts2 int64) btreekv.EntryChange {
	if ts1 != ts2 {
		if ts1 > ts2 {
			return c1
		}
		return c2
	}
	if bytes.Compare(id1[:], id2[:]) >= 0 {
		return c1
	}
	return c2
}

// Custom delegates merging to an externally supplied function — the
// out-of-scope "external resolver" of spec §4.6.3, modeled as a callback
// rather than a full plugin boundary.
type Custom struct {
	Resolve func(ctx context.Context, store objectstore.Store, input MergeInput) (objectstore.ObjectID, error)
}

func (c *Custom) Merge(ctx context.Context, store objectstore.Store, in MergeInput) (objectstore.ObjectID, error) {
	return c.Resolve(ctx, store, in)
}
