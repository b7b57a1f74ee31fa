package mergeresolver

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/btreekv"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/objectstore"
)

// identityStrategy merges by keeping the ancestor's tree unchanged — not a
// realistic merge, but sufficient to exercise the resolver's state machine
// and head-set bookkeeping independent of merge content.
type identityStrategy struct{}

func (identityStrategy) Merge(ctx context.Context, store objectstore.Store, in MergeInput) (objectstore.ObjectID, error) {
	return in.Ancestor.RootID, nil
}

// recordingStrategy records the MergeInput it was called with.
type recordingStrategy struct {
	calls []MergeInput
}

func (s *recordingStrategy) Merge(ctx context.Context, store objectstore.Store, in MergeInput) (objectstore.ObjectID, error) {
	s.calls = append(s.calls, in)
	return in.Ancestor.RootID, nil
}

// cancelOnEntryStrategy simulates a concurrent SetMergeStrategy call
// arriving while this strategy's merge is running: it immediately
// triggers the swap itself (there is no real second goroutine in this
// single-threaded model) and then observes the cancellation.
type cancelOnEntryStrategy struct {
	resolver *Resolver
	next     Strategy
}

func (s *cancelOnEntryStrategy) Merge(ctx context.Context, store objectstore.Store, in MergeInput) (objectstore.ObjectID, error) {
	s.resolver.SetMergeStrategy(ctx, s.next)
	<-ctx.Done()
	return objectstore.Nil, ctx.Err()
}

func newCommitAt(t *testing.T, ctx context.Context, store objectstore.Store, ts time.Time, root objectstore.ObjectID, parents []objectstore.ObjectID) objectstore.ObjectID {
	orig := commitgraph.Now
	commitgraph.Now = func() time.Time { return ts }
	defer func() { commitgraph.Now = orig }()

	id, _, err := commitgraph.NewCommit(ctx, store, root, parents)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestResolver_SelectsNewestTwoHeads(t *testing.T) {
	// Regression for the spec's design-notes open question: the source
	// selects heads[0]/heads[1] after ascending sort, which is the
	// *oldest* two. This implementation must select the two most recent
	// instead.
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	graph := commitgraph.NewGraph(store)

	oldest := newCommitAt(t, ctx, store, time.UnixMilli(100), btreekv.EmptyRootID, []objectstore.ObjectID{commitgraph.RootCommitID})
	middle := newCommitAt(t, ctx, store, time.UnixMilli(200), btreekv.EmptyRootID, []objectstore.ObjectID{commitgraph.RootCommitID})
	newest := newCommitAt(t, ctx, store, time.UnixMilli(300), btreekv.EmptyRootID, []objectstore.ObjectID{commitgraph.RootCommitID})

	oldestC, _ := commitgraph.GetCommit(ctx, store, oldest)
	middleC, _ := commitgraph.GetCommit(ctx, store, middle)
	newestC, _ := commitgraph.GetCommit(ctx, store, newest)
	graph.Advance(ctx, oldest, oldestC, pagestore.Local)
	graph.Advance(ctx, middle, middleC, pagestore.Local)
	graph.Advance(ctx, newest, newestC, pagestore.Local)

	r := NewResolver(store, graph)
	rec := &recordingStrategy{}
	r.SetMergeStrategy(ctx, rec)

	if len(rec.calls) == 0 {
		t.Fatal("strategy was never invoked")
	}
	call := rec.calls[0]
	got := map[objectstore.ObjectID]bool{call.H1ID: true, call.H2ID: true}
	if !got[middle] || !got[newest] || got[oldest] {
		t.Fatalf("merged heads = %v, want {middle, newest}, not oldest", call)
	}
}

func TestResolver_ConvergesToOneHead(t *testing.T) {
	// Invariant 9: starting from k heads with a fixed strategy and no new
	// commits, after finitely many merges |heads| = 1.
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	graph := commitgraph.NewGraph(store)

	for i, ms := range []int64{100, 200, 300} {
		id := newCommitAt(t, ctx, store, time.UnixMilli(ms), btreekv.EmptyRootID, []objectstore.ObjectID{commitgraph.RootCommitID})
		c, _ := commitgraph.GetCommit(ctx, store, id)
		graph.Advance(ctx, id, c, pagestore.Local)
		_ = i
	}

	heads, _ := graph.HeadSet(ctx)
	if len(heads) != 3 {
		t.Fatalf("setup: heads = %d, want 3", len(heads))
	}

	r := NewResolver(store, graph)
	r.SetMergeStrategy(ctx, identityStrategy{})

	heads, err := graph.HeadSet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 1 {
		t.Fatalf("heads after convergence = %d, want 1", len(heads))
	}
	if r.State() != Idle {
		t.Fatalf("resolver state = %v, want Idle", r.State())
	}
}

func TestResolver_StrategyChangeMidMergeCancelsAndSwitches(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	graph := commitgraph.NewGraph(store)

	h1 := newCommitAt(t, ctx, store, time.UnixMilli(100), btreekv.EmptyRootID, []objectstore.ObjectID{commitgraph.RootCommitID})
	h2 := newCommitAt(t, ctx, store, time.UnixMilli(200), btreekv.EmptyRootID, []objectstore.ObjectID{commitgraph.RootCommitID})
	h1C, _ := commitgraph.GetCommit(ctx, store, h1)
	h2C, _ := commitgraph.GetCommit(ctx, store, h2)
	graph.Advance(ctx, h1, h1C, pagestore.Local)
	graph.Advance(ctx, h2, h2C, pagestore.Local)

	r := NewResolver(store, graph)
	cancelling := &cancelOnEntryStrategy{resolver: r, next: identityStrategy{}}
	r.SetMergeStrategy(ctx, cancelling)

	heads, _ := graph.HeadSet(ctx)
	if len(heads) != 1 {
		t.Fatalf("heads after strategy swap = %d, want 1 (identityStrategy should have finished the merge)", len(heads))
	}
	if r.State() != Idle {
		t.Fatalf("state = %v, want Idle", r.State())
	}
}
