package commitgraph

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/objectstore"
)

// frontierItem is one member of the generation-ordered frontier (spec
// §4.3.1): ordered by generation descending, id ascending as a tie-break.
type frontierItem struct {
	id         objectstore.ObjectID
	generation int64
}

type frontierHeap []frontierItem

func (h frontierHeap) Len() int { return len(h) }
func (h frontierHeap) Less(i, j int) bool {
	if h[i].generation != h[j].generation {
		return h[i].generation > h[j].generation // max-heap on generation
	}
	return bytes.Compare(h[i].id[:], h[j].id[:]) < 0
}
func (h frontierHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *frontierHeap) Push(x any)        { *h = append(*h, x.(frontierItem)) }
func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// FindCommonAncestor computes the lowest common ancestor of h1 and h2 via
// a generation-ordered frontier (spec §4.3.1): seed the frontier with
// {h1, h2}; while its size is more than one, pop the member with the
// largest generation and replace it with its parents (deduplicated within
// the frontier). Termination and correctness rely on generation(parent) <
// generation(child) (invariant 4).
func FindCommonAncestor(ctx context.Context, store objectstore.Store, h1, h2 objectstore.ObjectID) (objectstore.ObjectID, error) {
	h := &frontierHeap{}
	heap.Init(h)
	inFrontier := map[objectstore.ObjectID]bool{}

	push := func(id objectstore.ObjectID) error {
		if inFrontier[id] {
			return nil
		}
		c, err := GetCommit(ctx, store, id)
		if err != nil {
			return err
		}
		heap.Push(h, frontierItem{id: id, generation: c.Generation})
		inFrontier[id] = true
		return nil
	}

	if err := push(h1); err != nil {
		return objectstore.Nil, err
	}
	if err := push(h2); err != nil {
		return objectstore.Nil, err
	}

	for h.Len() > 1 {
		top := heap.Pop(h).(frontierItem)
		delete(inFrontier, top.id)

		c, err := GetCommit(ctx, store, top.id)
		if err != nil {
			return objectstore.Nil, err
		}
		if len(c.ParentIDs) == 0 {
			return objectstore.Nil, pagestore.NewError(pagestore.InternalErrorCode,
				fmt.Errorf("commit %s has no parents but is not the sole frontier member", top.id), nil)
		}
		for _, p := range c.ParentIDs {
			if err := push(p); err != nil {
				return objectstore.Nil, err
			}
		}
	}
	if h.Len() != 1 {
		return objectstore.Nil, pagestore.NewError(pagestore.InternalErrorCode, fmt.Errorf("common ancestor search ended with %d frontier members", h.Len()), nil)
	}
	return (*h)[0].id, nil
}
