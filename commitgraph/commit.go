// Package commitgraph implements the core's commit graph (spec §4.3):
// immutable commit records plus a mutable head set, with ancestry lookup
// and watcher notification on head-set change.
package commitgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/btreekv"
	"github.com/sharedcode/pagestore/encoding"
	"github.com/sharedcode/pagestore/objectstore"
)

// Commit is an immutable snapshot of a page's map plus ancestry (spec §3,
// §4.3): root tree-node id, ordered parent ids (0 for root, 1 for a
// regular commit, 2 for a merge), a millisecond timestamp, and a
// generation equal to 1 + max(parent generations).
type Commit struct {
	RootID     objectstore.ObjectID   `json:"root_id"`
	ParentIDs  []objectstore.ObjectID `json:"parent_ids"`
	TimestampMs int64                 `json:"timestamp_ms"`
	Generation int64                  `json:"generation"`
}

// Now is the monotonic time source new commits are stamped with. It is a
// package variable, overridable in tests, mirroring pagestore's jitter RNG
// and btreekv's LevelFunc seams.
var Now = func() time.Time { return time.Now() }

// RootCommitID is the fixed well-known id of the page's root commit (spec
// §3): generation 0, no parents, rooted at the empty tree. It is a virtual
// object: GetCommit recognizes it without a store lookup, the same way
// btreekv.EmptyRootID is recognized without deserializing a node.
var RootCommitID = mustComputeRootCommitID()

func rootCommit() Commit {
	return Commit{RootID: btreekv.EmptyRootID, ParentIDs: nil, TimestampMs: 0, Generation: 0}
}

func mustComputeRootCommitID() objectstore.ObjectID {
	payload, err := encoding.Marshal(rootCommit())
	if err != nil {
		panic(fmt.Errorf("serialize root commit: %w", err))
	}
	return objectstore.ComputeID(objectstore.KindCommit, payload)
}

// NewCommit computes generation, stamps the current time, serializes, and
// writes a new Commit atop parents (spec §4.3's new-commit). parents must
// already exist in store.
func NewCommit(ctx context.Context, store objectstore.Store, rootID objectstore.ObjectID, parentIDs []objectstore.ObjectID) (objectstore.ObjectID, Commit, error) {
	var maxGen int64 = -1
	for _, p := range parentIDs {
		parent, err := GetCommit(ctx, store, p)
		if err != nil {
			return objectstore.Nil, Commit{}, err
		}
		if parent.Generation > maxGen {
			maxGen = parent.Generation
		}
	}

	c := Commit{
		RootID:      rootID,
		ParentIDs:   append([]objectstore.ObjectID{}, parentIDs...),
		TimestampMs: Now().UnixMilli(),
		Generation:  maxGen + 1,
	}
	id, err := putCommit(ctx, store, c)
	if err != nil {
		return objectstore.Nil, Commit{}, err
	}
	return id, c, nil
}

func putCommit(ctx context.Context, store objectstore.Store, c Commit) (objectstore.ObjectID, error) {
	payload, err := encoding.Marshal(c)
	if err != nil {
		return objectstore.Nil, pagestore.NewError(pagestore.FormatErrorCode, err, nil)
	}
	return store.PutSync(ctx, objectstore.KindCommit, payload)
}

// GetCommit returns the Commit named by id, or objectstore.ErrNotFound.
func GetCommit(ctx context.Context, store objectstore.Store, id objectstore.ObjectID) (Commit, error) {
	if id == RootCommitID {
		return rootCommit(), nil
	}
	payload, kind, err := store.GetSync(ctx, id)
	if err != nil {
		return Commit{}, err
	}
	if kind != objectstore.KindCommit {
		return Commit{}, pagestore.NewError(pagestore.FormatErrorCode, fmt.Errorf("object %s is not a commit", id), nil)
	}
	var c Commit
	if err := encoding.Unmarshal(payload, &c); err != nil {
		return Commit{}, pagestore.NewError(pagestore.FormatErrorCode, err, nil)
	}
	return c, nil
}
