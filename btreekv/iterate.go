package btreekv

import (
	"bytes"
	"context"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/objectstore"
)

// Decision is returned by an on-next callback to control iteration.
type Decision int

const (
	Continue Decision = iota
	Stop
)

// walkInOrder visits every entry of the subtree rooted at id in ascending
// key order, skipping entries strictly less than minKey. It stops as soon
// as visit returns Stop.
func walkInOrder(ctx context.Context, store objectstore.Store, id objectstore.ObjectID, minKey []byte, visit func(Entry) Decision) (Decision, error) {
	if id.IsNil() || id == EmptyRootID {
		return Continue, nil
	}
	node, err := getNode(ctx, store, id)
	if err != nil {
		return Stop, err
	}
	for i, e := range node.Entries {
		if len(node.Children) > i {
			d, err := walkInOrder(ctx, store, node.Children[i], minKey, visit)
			if err != nil {
				return Stop, err
			}
			if d == Stop {
				return Stop, nil
			}
		}
		if minKey == nil || bytes.Compare(e.Key, minKey) >= 0 {
			if visit(e) == Stop {
				return Stop, nil
			}
		}
	}
	if last := len(node.Children) - 1; last >= 0 && last < len(node.Children) {
		d, err := walkInOrder(ctx, store, node.Children[last], minKey, visit)
		if err != nil {
			return Stop, err
		}
		if d == Stop {
			return Stop, nil
		}
	}
	return Continue, nil
}

// ForEachEntry streams entries whose key is >= minKey in ascending order
// (spec §4.2.1). onNext controls continuation; onDone receives the final
// error, if any (nil on a clean completion or a caller-requested stop).
func ForEachEntry(ctx context.Context, store objectstore.Store, rootID objectstore.ObjectID, minKey []byte, onNext func(Entry) Decision, onDone func(error)) {
	_, err := walkInOrder(ctx, store, rootID, minKey, onNext)
	if onDone != nil {
		onDone(err)
	}
}

// collectAllEntries materializes every entry of the subtree rooted at id,
// in ascending key order. Used internally by ApplyChanges to fold the
// change stream over the parent's current contents.
func collectAllEntries(ctx context.Context, store objectstore.Store, id objectstore.ObjectID) ([]Entry, error) {
	var out []Entry
	_, err := walkInOrder(ctx, store, id, nil, func(e Entry) Decision {
		out = append(out, e)
		return Continue
	})
	return out, err
}

// GetEntry returns the entry for key, or objectstore.ErrNotFound.
func GetEntry(ctx context.Context, store objectstore.Store, rootID objectstore.ObjectID, key []byte) (Entry, error) {
	node, err := getNode(ctx, store, rootID)
	if err != nil {
		return Entry{}, err
	}
	return getEntryFromNode(ctx, store, node, key)
}

func getEntryFromNode(ctx context.Context, store objectstore.Store, node *treeNode, key []byte) (Entry, error) {
	for i, e := range node.Entries {
		cmp := bytes.Compare(key, e.Key)
		if cmp == 0 {
			return e, nil
		}
		if cmp < 0 {
			child, err := getNode(ctx, store, node.Children[i])
			if err != nil {
				return Entry{}, err
			}
			return getEntryFromNode(ctx, store, child, key)
		}
	}
	last := node.Children[len(node.Children)-1]
	child, err := getNode(ctx, store, last)
	if err != nil {
		return Entry{}, err
	}
	if child.isLeaf() && len(child.Entries) == 0 {
		return Entry{}, objectstore.ErrNotFound
	}
	return getEntryFromNode(ctx, store, child, key)
}

// ReachableObjectIDs returns every tree-node id and every value-object id
// referenced by EAGER entries transitively reachable from rootID (spec
// §4.2.1). LAZY entries contribute their node id but not their value id.
// The empty-tree sentinel EmptyRootID is never stored, so it is not
// included.
func ReachableObjectIDs(ctx context.Context, store objectstore.Store, rootID objectstore.ObjectID) (map[objectstore.ObjectID]struct{}, error) {
	seen := map[objectstore.ObjectID]struct{}{}
	err := reach(ctx, store, rootID, seen)
	return seen, err
}

func reach(ctx context.Context, store objectstore.Store, id objectstore.ObjectID, seen map[objectstore.ObjectID]struct{}) error {
	if id.IsNil() || id == EmptyRootID {
		return nil
	}
	if _, ok := seen[id]; ok {
		return nil
	}
	seen[id] = struct{}{}
	node, err := getNode(ctx, store, id)
	if err != nil {
		return err
	}
	for _, e := range node.Entries {
		if e.Priority == pagestore.EAGER {
			seen[e.ValueID] = struct{}{}
		}
	}
	for _, c := range node.Children {
		if err := reach(ctx, store, c, seen); err != nil {
			return err
		}
	}
	return nil
}
