package journal

import (
	"context"
	"testing"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/btreekv"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/objectstore"
)

func newEngine() (*Engine, objectstore.Store, *commitgraph.Graph) {
	store := objectstore.NewMemoryStore()
	graph := commitgraph.NewGraph(store)
	return NewEngine(store, graph, 4), store, graph
}

func TestJournal_ImplicitPutCommitRead(t *testing.T) {
	// Scenario S1: put("some_key", "a small value") then snapshot-get
	// returns the bytes with priority EAGER.
	ctx := context.Background()
	engine, store, graph := newEngine()

	valueID, err := store.PutSync(ctx, objectstore.KindValue, []byte("a small value"))
	if err != nil {
		t.Fatal(err)
	}

	j := engine.Open(commitgraph.RootCommitID, Implicit)
	if err := j.Put([]byte("some_key"), valueID, pagestore.EAGER); err != nil {
		t.Fatal(err)
	}
	newID, newCommit, err := j.Commit(ctx, pagestore.Local)
	if err != nil {
		t.Fatal(err)
	}
	if !graph.Contains(newID) {
		t.Fatalf("new commit %v is not a head", newID)
	}

	e, err := btreekv.GetEntry(ctx, store, newCommit.RootID, []byte("some_key"))
	if err != nil {
		t.Fatal(err)
	}
	if e.Priority != pagestore.EAGER {
		t.Fatalf("priority = %v, want EAGER", e.Priority)
	}
	got, _, err := store.GetSync(ctx, e.ValueID)
	if err != nil || string(got) != "a small value" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestJournal_ExplicitTransaction(t *testing.T) {
	// Scenario S2: start_transaction; put key1; put_reference key2 LAZY;
	// delete key2; commit -- key1 present, key2 absent.
	ctx := context.Background()
	engine, store, _ := newEngine()

	v1, _ := store.PutSync(ctx, objectstore.KindValue, []byte("a small value"))
	preUploaded, _ := store.PutSync(ctx, objectstore.KindValue, []byte("referenced"))

	j := engine.Open(commitgraph.RootCommitID, Explicit)
	if err := j.Put([]byte("some_key1"), v1, pagestore.EAGER); err != nil {
		t.Fatal(err)
	}
	if err := j.Put([]byte("some_key2"), preUploaded, pagestore.LAZY); err != nil {
		t.Fatal(err)
	}
	if err := j.Delete([]byte("some_key2")); err != nil {
		t.Fatal(err)
	}
	if j.PendingCount() != 2 {
		t.Fatalf("pending count = %d, want 2", j.PendingCount())
	}

	_, newCommit, err := j.Commit(ctx, pagestore.Local)
	if err != nil {
		t.Fatal(err)
	}

	var keys []string
	btreekv.ForEachEntry(ctx, store, newCommit.RootID, nil, func(e btreekv.Entry) btreekv.Decision {
		keys = append(keys, string(e.Key))
		return btreekv.Continue
	}, nil)
	if len(keys) != 1 || keys[0] != "some_key1" {
		t.Fatalf("keys = %v, want [some_key1]", keys)
	}
}

func TestJournal_Rollback(t *testing.T) {
	// Scenario S3: start_transaction; rollback -- no commit added, head
	// set unchanged; a second rollback fails.
	ctx := context.Background()
	engine, _, graph := newEngine()
	headsBefore, _ := graph.HeadSet(ctx)

	j := engine.Open(commitgraph.RootCommitID, Explicit)
	if err := j.Put([]byte("k"), objectstore.Nil, pagestore.EAGER); err != nil {
		t.Fatal(err)
	}
	if err := j.Rollback(); err != nil {
		t.Fatalf("first rollback: %v", err)
	}

	headsAfter, _ := graph.HeadSet(ctx)
	if len(headsAfter) != len(headsBefore) || headsAfter[0] != headsBefore[0] {
		t.Fatalf("heads changed after rollback: %v -> %v", headsBefore, headsAfter)
	}

	if err := j.Rollback(); err == nil {
		t.Fatal("second rollback should fail")
	} else if pagestore.StatusOf(err) != pagestore.NoTransactionInProgress {
		t.Fatalf("status = %v, want NO_TRANSACTION_IN_PROGRESS", pagestore.StatusOf(err))
	}
}

func TestJournal_CommitDiscardsJournalOnFailure(t *testing.T) {
	ctx := context.Background()
	engine, _, _ := newEngine()

	j := engine.Open(objectstore.Nil, Explicit) // parent doesn't exist
	if err := j.Put([]byte("k"), objectstore.Nil, pagestore.EAGER); err != nil {
		t.Fatal(err)
	}
	if _, _, err := j.Commit(ctx, pagestore.Local); err == nil {
		t.Fatal("expected commit to fail against a missing parent")
	}

	// The journal must not be reusable after a failed commit.
	if err := j.Put([]byte("k2"), objectstore.Nil, pagestore.EAGER); err == nil {
		t.Fatal("journal should be discarded after a failed commit")
	}
	if err := j.Rollback(); err == nil {
		t.Fatal("rollback after a failed commit should report no transaction in progress")
	}
}

func TestJournal_DivergentParentStillCommits(t *testing.T) {
	// spec §4.4: if the parent is no longer a head when a journal
	// commits, the new commit still becomes a (divergent) head.
	ctx := context.Background()
	engine, store, graph := newEngine()

	j1 := engine.Open(commitgraph.RootCommitID, Implicit)
	v1, _ := store.PutSync(ctx, objectstore.KindValue, []byte("v1"))
	j1.Put([]byte("k"), v1, pagestore.EAGER)
	id1, _, err := j1.Commit(ctx, pagestore.Local)
	if err != nil {
		t.Fatal(err)
	}

	// A second handle still references the root as its parent and
	// commits after id1 has already replaced it as head.
	j2 := engine.Open(commitgraph.RootCommitID, Implicit)
	v2, _ := store.PutSync(ctx, objectstore.KindValue, []byte("v2"))
	j2.Put([]byte("k2"), v2, pagestore.EAGER)
	id2, _, err := j2.Commit(ctx, pagestore.Local)
	if err != nil {
		t.Fatal(err)
	}

	heads, _ := graph.HeadSet(ctx)
	if len(heads) != 2 {
		t.Fatalf("heads = %v, want 2 divergent heads", heads)
	}
	foundBoth := graph.Contains(id1) && graph.Contains(id2)
	if !foundBoth {
		t.Fatalf("expected both %v and %v to be heads: %v", id1, id2, heads)
	}
}
