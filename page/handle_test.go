package page

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/branchtracker"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/mergeresolver"
	"github.com/sharedcode/pagestore/objectstore"
)

func newHandle(t *testing.T, id string) (*Handle, objectstore.Store, *commitgraph.Graph) {
	t.Helper()
	store := objectstore.NewMemoryStore()
	graph := commitgraph.NewGraph(store)
	p, err := Open(id, store, graph, mergeresolver.NewLastOneWins(4), 4)
	if err != nil {
		t.Fatal(err)
	}
	h, err := p.OpenHandle(4)
	if err != nil {
		t.Fatal(err)
	}
	return h, store, graph
}

func TestHandle_PutCommitRead(t *testing.T) {
	// Scenario S1.
	ctx := context.Background()
	h, _, _ := newHandle(t, "page1")

	if err := h.Put(ctx, []byte("some_key"), []byte("a small value")); err != nil {
		t.Fatal(err)
	}

	snap, err := h.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, priority, err := snap.Get(ctx, []byte("some_key"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a small value" || priority != pagestore.EAGER {
		t.Fatalf("got (%q, %v)", got, priority)
	}
}

func TestHandle_ExplicitTransaction(t *testing.T) {
	// Scenario S2.
	ctx := context.Background()
	h, store, _ := newHandle(t, "page1")

	preUploaded, err := store.PutSync(ctx, objectstore.KindValue, []byte("referenced"))
	if err != nil {
		t.Fatal(err)
	}

	if err := h.StartTransaction(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Put(ctx, []byte("some_key1"), []byte("a small value")); err != nil {
		t.Fatal(err)
	}
	if err := h.PutReference(ctx, []byte("some_key2"), preUploaded, pagestore.LAZY); err != nil {
		t.Fatal(err)
	}
	if err := h.Delete(ctx, []byte("some_key2")); err != nil {
		t.Fatal(err)
	}
	if err := h.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	snap, err := h.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	keys, next, err := snap.GetKeys(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if next != nil {
		t.Fatalf("unexpected next token: %v", next)
	}
	if len(keys) != 1 || string(keys[0]) != "some_key1" {
		t.Fatalf("keys = %v, want [some_key1]", keys)
	}
}

func TestHandle_Rollback(t *testing.T) {
	// Scenario S3.
	ctx := context.Background()
	h, _, graph := newHandle(t, "page1")
	headsBefore, _ := graph.HeadSet(ctx)

	if err := h.StartTransaction(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := h.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	headsAfter, _ := graph.HeadSet(ctx)
	if len(headsAfter) != len(headsBefore) || headsAfter[0] != headsBefore[0] {
		t.Fatalf("heads changed by rollback: %v -> %v", headsBefore, headsAfter)
	}

	if err := h.Rollback(ctx); err == nil || pagestore.StatusOf(err) != pagestore.NoTransactionInProgress {
		t.Fatalf("second rollback status = %v, want NO_TRANSACTION_IN_PROGRESS", pagestore.StatusOf(err))
	}
}

func TestHandle_NestedTransactionRejected(t *testing.T) {
	// Scenario S4.
	ctx := context.Background()
	h, _, _ := newHandle(t, "page1")

	if err := h.StartTransaction(ctx); err != nil {
		t.Fatal(err)
	}
	err := h.StartTransaction(ctx)
	if err == nil || pagestore.StatusOf(err) != pagestore.TransactionAlreadyInProgress {
		t.Fatalf("status = %v, want TRANSACTION_ALREADY_IN_PROGRESS", pagestore.StatusOf(err))
	}
}

func TestHandle_PutReferenceMissingFails(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHandle(t, "page1")

	err := h.PutReference(ctx, []byte("k"), objectstore.Nil, pagestore.LAZY)
	if err == nil || pagestore.StatusOf(err) != pagestore.ReferenceNotFound {
		t.Fatalf("status = %v, want REFERENCE_NOT_FOUND", pagestore.StatusOf(err))
	}
}

func TestHandle_GetMissingKeyFails(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHandle(t, "page1")

	snap, err := h.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = snap.Get(ctx, []byte("nope"))
	if err == nil || pagestore.StatusOf(err) != pagestore.KeyNotFound {
		t.Fatalf("status = %v, want KEY_NOT_FOUND", pagestore.StatusOf(err))
	}
}

func TestHandle_CreateReferenceThenPutReference(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHandle(t, "page1")

	data := []byte("streamed payload")
	ref, err := h.CreateReference(ctx, int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.PutReference(ctx, []byte("k"), ref, pagestore.EAGER); err != nil {
		t.Fatal(err)
	}

	snap, _ := h.GetSnapshot(ctx)
	got, _, err := snap.Get(ctx, []byte("k"))
	if err != nil || string(got) != string(data) {
		t.Fatalf("got %q, %v", got, err)
	}
}

type capturingWatcher struct {
	initial []*Snapshot
	changes []branchtracker.PageChange
}

func (w *capturingWatcher) OnInitialState(ctx context.Context, snapshot *Snapshot) {
	w.initial = append(w.initial, snapshot)
}

func (w *capturingWatcher) OnChange(ctx context.Context, change branchtracker.PageChange) {
	w.changes = append(w.changes, change)
}

func TestHandle_WatchDeliversInitialStateAndChange(t *testing.T) {
	ctx := context.Background()
	h, _, _ := newHandle(t, "page1")

	w := &capturingWatcher{}
	id := h.Watch(ctx, w)
	if len(w.initial) != 1 {
		t.Fatalf("initial deliveries = %d, want 1", len(w.initial))
	}
	h.Ack(ctx, id)

	if err := h.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	if len(w.changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(w.changes))
	}
	if len(w.changes[0].Changed) != 1 || string(w.changes[0].Changed[0].Key) != "k" {
		t.Fatalf("change = %+v", w.changes[0])
	}
}

func TestPage_ParallelDivergentCommitsThenMerge(t *testing.T) {
	// Scenario S5: two handles A, B on the same page both start from head
	// H0. A commits k=v1, B commits k=v2. The shared resolver reconciles
	// the two heads with last-one-wins (B is newer); after convergence,
	// get("k") == "v2".
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	graph := commitgraph.NewGraph(store)
	p, err := Open("page1", store, graph, mergeresolver.NewLastOneWins(4), 4)
	if err != nil {
		t.Fatal(err)
	}

	a, err := p.OpenHandle(4)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.OpenHandle(4)
	if err != nil {
		t.Fatal(err)
	}

	orig := commitgraph.Now
	defer func() { commitgraph.Now = orig }()

	// Both explicit transactions are opened against H0 before either
	// commits, so B's tracker is in the "ignore arrivals" state (spec
	// §4.5.1) when A's commit notification fires; B's journal parent
	// stays pinned at H0, producing a genuine divergent head rather than
	// B silently fast-forwarding onto A's commit.
	if err := a.StartTransaction(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.StartTransaction(ctx); err != nil {
		t.Fatal(err)
	}

	if err := a.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	commitgraph.Now = func() time.Time { return time.UnixMilli(100) }
	if err := a.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	commitgraph.Now = func() time.Time { return time.UnixMilli(200) }
	if err := b.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	heads, err := graph.HeadSet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(heads) != 1 {
		t.Fatalf("heads after merge = %v, want exactly 1 (converged)", heads)
	}

	snap, err := a.GetSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := snap.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Fatalf("merged value = %q, want v2 (the newer write)", got)
	}
}
