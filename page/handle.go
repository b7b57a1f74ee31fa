package page

import (
	"context"
	"io"
	"sync"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/branchtracker"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/journal"
	"github.com/sharedcode/pagestore/mergeresolver"
	"github.com/sharedcode/pagestore/objectstore"
)

// Watcher is the user-facing callback for Handle.Watch (spec §6.3). It
// wraps branchtracker's commit-id based protocol with materialized
// snapshots/changes.
type Watcher interface {
	OnInitialState(ctx context.Context, snapshot *Snapshot)
	OnChange(ctx context.Context, change branchtracker.PageChange)
}

// Page owns the per-page singletons: the commit graph and the merge
// resolver (spec §2, §4.6: "one merge resolver per page"). Every Handle
// opened on the same Page shares this resolver, so at most one merge is
// ever in flight for the page regardless of how many handles are open;
// each Handle gets its own branch tracker (spec §4.5: "one branch tracker
// per open page handle").
type Page struct {
	id    string
	store objectstore.Store
	graph *commitgraph.Graph

	resolver *mergeresolver.Resolver
}

// Open opens a page backed by store and starts its merge resolver with
// strategy (nil leaves the resolver without one, so divergent heads are
// left unreconciled until SetMergeStrategy is called).
func Open(id string, store objectstore.Store, graph *commitgraph.Graph, strategy mergeresolver.Strategy, maxEntriesPerNode int) (*Page, error) {
	resolver := mergeresolver.NewResolver(store, graph)
	if strategy != nil {
		resolver.SetMergeStrategy(context.Background(), strategy)
	}
	p := &Page{id: id, store: store, graph: graph, resolver: resolver}
	return p, nil
}

// GetID returns the page's id (spec §6.1 get_id).
func (p *Page) GetID() string { return p.id }

// Resolver returns the page's shared merge resolver, e.g. so a caller can
// change the merge strategy after Open (spec §4.6.1 SetMergeStrategy).
func (p *Page) Resolver() *mergeresolver.Resolver { return p.resolver }

// Handle is one open handle onto a Page: the client-facing facade that
// turns get/put/delete/transaction calls into journal mutations and
// commit-graph advances (spec §6.1), grounded on the source's
// PageImpl.RunInTransaction pattern — mutations outside an explicit
// transaction get an implicit, single-op journal of their own.
type Handle struct {
	page  *Page
	id    string
	store objectstore.Store

	engine  *journal.Engine
	tracker *branchtracker.Tracker
	graph   *commitgraph.Graph

	mu            sync.Mutex
	activeJournal *journal.Journal
	journalParent objectstore.ObjectID
}

// OpenHandle opens a new handle onto p, starting its branch tracker at the
// commit graph's current head. maxEntriesPerNode is the B-tree fan-out
// target for commits this handle produces.
func (p *Page) OpenHandle(maxEntriesPerNode int) (*Handle, error) {
	heads, err := p.graph.HeadSet(context.Background())
	if err != nil {
		return nil, err
	}
	head := heads[len(heads)-1]

	h := &Handle{
		page:    p,
		id:      p.id,
		store:   p.store,
		engine:  journal.NewEngine(p.store, p.graph, maxEntriesPerNode),
		tracker: branchtracker.NewTracker(p.store, head),
		graph:   p.graph,
	}
	p.graph.AddCommitWatcher(func(commits []commitgraph.CommitRecord, source pagestore.ChangeSource) {
		h.tracker.OnCommitsAdvanced(context.Background(), commits, source)
	})
	return h, nil
}

// GetID returns the page's id (spec §6.1 get_id).
func (h *Handle) GetID() string { return h.id }

func (h *Handle) currentParent() objectstore.ObjectID {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeJournal != nil {
		return h.journalParent
	}
	return h.tracker.CurrentHead()
}

// GetSnapshot binds a snapshot to the current head, or to the open
// transaction's parent commit if one is in progress (spec §6.1).
func (h *Handle) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	return newSnapshot(ctx, h.store, h.currentParent())
}

type watcherAdapter struct {
	w Watcher
	h *Handle
}

func (a *watcherAdapter) OnInitialState(ctx context.Context, baseCommit objectstore.ObjectID) {
	snap, err := newSnapshot(ctx, a.h.store, baseCommit)
	if err != nil {
		return
	}
	a.w.OnInitialState(ctx, snap)
}

func (a *watcherAdapter) OnChange(ctx context.Context, change branchtracker.PageChange) {
	a.w.OnChange(ctx, change)
}

// Watch registers w as a branch-tracker watcher and returns the token
// needed to Ack deliveries (spec §6.1, §6.3).
func (h *Handle) Watch(ctx context.Context, w Watcher) int {
	return h.tracker.RegisterWatcher(ctx, &watcherAdapter{w: w, h: h})
}

// Ack acknowledges the watcher's most recently delivered notification.
func (h *Handle) Ack(ctx context.Context, watcherID int) {
	h.tracker.Ack(ctx, watcherID)
}

// Unwatch removes a previously registered watcher.
func (h *Handle) Unwatch(watcherID int) {
	h.tracker.RemoveWatcher(watcherID)
}

// runInTransaction stages mutate against the active explicit journal if
// one is open, or against a fresh implicit journal that is committed
// immediately otherwise (spec §4.4, source PageImpl::RunInTransaction).
func (h *Handle) runInTransaction(ctx context.Context, mutate func(j *journal.Journal) error) error {
	h.mu.Lock()
	if h.activeJournal != nil {
		j := h.activeJournal
		h.mu.Unlock()
		return mutate(j)
	}
	parent := h.tracker.CurrentHead()
	h.mu.Unlock()

	j := h.engine.Open(parent, journal.Implicit)
	if err := mutate(j); err != nil {
		j.Rollback()
		return err
	}
	return h.commitJournal(ctx, j)
}

func (h *Handle) commitJournal(ctx context.Context, j *journal.Journal) error {
	newID, _, err := j.Commit(ctx, pagestore.Local)
	if err != nil {
		return err
	}
	h.tracker.AdvanceTo(ctx, newID)
	return nil
}

// Put stores key=value with EAGER priority (spec §6.1).
func (h *Handle) Put(ctx context.Context, key, value []byte) error {
	return h.PutWithPriority(ctx, key, value, pagestore.EAGER)
}

// PutWithPriority stores key=value, first uploading value to the object
// store.
func (h *Handle) PutWithPriority(ctx context.Context, key, value []byte, priority pagestore.Priority) error {
	valueID, err := h.store.PutSync(ctx, objectstore.KindValue, value)
	if err != nil {
		return err
	}
	return h.runInTransaction(ctx, func(j *journal.Journal) error {
		return j.Put(key, valueID, priority)
	})
}

// PutReference stores key pointing at an already-uploaded object,
// failing REFERENCE_NOT_FOUND if it is missing (spec §6.1).
func (h *Handle) PutReference(ctx context.Context, key []byte, reference objectstore.ObjectID, priority pagestore.Priority) error {
	ok, err := h.store.Has(ctx, reference)
	if err != nil {
		return err
	}
	if !ok {
		return pagestore.NewError(pagestore.ReferenceNotFoundCode, pagestore.ErrReferenceNotFound, reference)
	}
	return h.runInTransaction(ctx, func(j *journal.Journal) error {
		return j.Put(key, reference, priority)
	})
}

// Delete removes key (spec §6.1).
func (h *Handle) Delete(ctx context.Context, key []byte) error {
	return h.runInTransaction(ctx, func(j *journal.Journal) error {
		return j.Delete(key)
	})
}

// CreateReference streams size bytes from data into the object store and
// returns a reference usable with PutReference (spec §6.1).
func (h *Handle) CreateReference(ctx context.Context, size int64, data io.Reader) (objectstore.ObjectID, error) {
	return h.store.PutFromStream(ctx, objectstore.KindValue, size, data)
}

// StartTransaction opens an explicit transaction, failing
// TRANSACTION_ALREADY_IN_PROGRESS if one is already open (spec §6.1).
func (h *Handle) StartTransaction(ctx context.Context) error {
	h.mu.Lock()
	if h.activeJournal != nil {
		h.mu.Unlock()
		return pagestore.NewError(pagestore.TransactionAlreadyInProgressCode, pagestore.ErrTransactionAlreadyStarted, h.id)
	}
	parent := h.tracker.CurrentHead()
	h.activeJournal = h.engine.Open(parent, journal.Explicit)
	h.journalParent = parent
	h.mu.Unlock()

	h.tracker.SetTransactionInProgress(true)
	return nil
}

// Commit commits the open explicit transaction, failing
// NO_TRANSACTION_IN_PROGRESS if none is open (spec §6.1).
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	j := h.activeJournal
	if j == nil {
		h.mu.Unlock()
		return pagestore.NewError(pagestore.NoTransactionInProgressCode, pagestore.ErrNoTransactionInProgress, h.id)
	}
	h.activeJournal = nil
	h.mu.Unlock()
	h.tracker.SetTransactionInProgress(false)

	return h.commitJournal(ctx, j)
}

// Rollback discards the open explicit transaction's pending mutations.
func (h *Handle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	j := h.activeJournal
	if j == nil {
		h.mu.Unlock()
		return pagestore.NewError(pagestore.NoTransactionInProgressCode, pagestore.ErrNoTransactionInProgress, h.id)
	}
	h.activeJournal = nil
	h.mu.Unlock()
	h.tracker.SetTransactionInProgress(false)

	return j.Rollback()
}
