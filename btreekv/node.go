// Package btreekv implements the core's persistent, copy-on-write B-tree
// (spec §4.2): a search tree over byte-string keys whose shape is derived
// entirely from a hash of each key, so two trees holding the same key set
// always have the same shape regardless of insertion order.
package btreekv

import (
	"context"
	"fmt"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/encoding"
	"github.com/sharedcode/pagestore/objectstore"
)

// Entry is a single (key, value-object-id, priority) triple (spec §3).
type Entry struct {
	Key      []byte             `json:"key"`
	ValueID  objectstore.ObjectID `json:"value_id"`
	Priority pagestore.Priority `json:"priority"`
}

// EntryChange is one element of the sorted change stream apply-changes
// consumes (spec §4.2.1): either an upsert (Deleted=false, Entry populated)
// or a deletion (Deleted=true, only Entry.Key meaningful).
type EntryChange struct {
	Entry   Entry
	Deleted bool
}

// treeNode is the on-disk representation of a TreeNode (spec §3): an
// ordered list of entries and a list of child ids of length len(Entries)+1.
// Children[i] holds keys strictly between Entries[i-1] and Entries[i].
type treeNode struct {
	Level    int                    `json:"level"`
	Entries  []Entry                `json:"entries"`
	Children []objectstore.ObjectID `json:"children"`
}

func (n *treeNode) isLeaf() bool {
	for _, c := range n.Children {
		if !c.IsNil() {
			return false
		}
	}
	return true
}

// EmptyRootID is the sentinel empty-tree id (spec §4.2.2): a node with zero
// entries and one absent child, with a fixed well-known value.
var EmptyRootID = mustComputeEmptyRootID()

func emptyNode() *treeNode {
	return &treeNode{Level: 0, Entries: nil, Children: []objectstore.ObjectID{objectstore.Nil}}
}

func mustComputeEmptyRootID() objectstore.ObjectID {
	payload, err := encoding.Marshal(emptyNode())
	if err != nil {
		panic(fmt.Errorf("serialize empty tree node: %w", err))
	}
	return objectstore.ComputeID(objectstore.KindTreeNode, payload)
}

func putNode(ctx context.Context, store objectstore.Store, n *treeNode) (objectstore.ObjectID, error) {
	if len(n.Entries) == 0 && n.isLeaf() {
		return EmptyRootID, nil
	}
	payload, err := encoding.Marshal(n)
	if err != nil {
		return objectstore.Nil, pagestore.NewError(pagestore.FormatErrorCode, err, nil)
	}
	return store.PutSync(ctx, objectstore.KindTreeNode, payload)
}

func getNode(ctx context.Context, store objectstore.Store, id objectstore.ObjectID) (*treeNode, error) {
	if id.IsNil() || id == EmptyRootID {
		return emptyNode(), nil
	}
	payload, kind, err := store.GetSync(ctx, id)
	if err != nil {
		return nil, err
	}
	if kind != objectstore.KindTreeNode {
		return nil, pagestore.NewError(pagestore.FormatErrorCode, fmt.Errorf("object %s is not a tree node", id), nil)
	}
	var n treeNode
	if err := encoding.Unmarshal(payload, &n); err != nil {
		return nil, pagestore.NewError(pagestore.FormatErrorCode, err, nil)
	}
	return &n, nil
}
