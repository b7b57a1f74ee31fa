// Package journal implements the core's journal / transaction engine
// (spec §4.4): builds a new commit atop a chosen parent from a set of
// pending put/delete mutations, either as an explicit multi-op
// transaction or as an implicit single-op auto-commit.
package journal

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/btreekv"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/objectstore"
)

// Type distinguishes an EXPLICIT transaction (opened and closed by the
// client) from an IMPLICIT one (opened internally to wrap a single
// mutation outside any explicit transaction, spec §4.4).
type Type int

const (
	Implicit Type = iota
	Explicit
)

// Engine applies journals against a commit graph. Each page handle holds
// its own Engine over the page's shared commit graph.
type Engine struct {
	Store             objectstore.Store
	Graph             *commitgraph.Graph
	MaxEntriesPerNode int
}

// NewEngine returns an Engine with the given backing store, commit graph,
// and B-tree fan-out target.
func NewEngine(store objectstore.Store, graph *commitgraph.Graph, maxEntriesPerNode int) *Engine {
	if maxEntriesPerNode < 1 {
		maxEntriesPerNode = 64
	}
	return &Engine{Store: store, Graph: graph, MaxEntriesPerNode: maxEntriesPerNode}
}

// Journal accumulates pending mutations relative to a parent commit until
// committed or rolled back (spec §3, §4.4). It is exclusively owned by the
// session that opened it.
type Journal struct {
	// ID identifies this journal instance for logging/tracing; it plays no
	// role in commit content (commit ids are content-derived, not journal
	// derived).
	ID       pagestore.UUID
	engine   *Engine
	parentID objectstore.ObjectID
	jtype    Type

	mu       sync.Mutex
	pending  map[string]btreekv.EntryChange
	resolved bool // true once Commit or Rollback has run
}

// Open starts a journal on parentID. Enforcing "at most one explicit
// journal per page handle" is the page handle's responsibility (spec
// §4.4); Engine.Open itself places no such limit, so it can also be used
// to build the implicit single-mutation wrapper.
func (e *Engine) Open(parentID objectstore.ObjectID, jtype Type) *Journal {
	return &Journal{
		ID:       pagestore.NewUUID(),
		engine:   e,
		parentID: parentID,
		jtype:    jtype,
		pending:  make(map[string]btreekv.EntryChange),
	}
}

// Put stages an upsert of key to valueID/priority.
func (j *Journal) Put(key []byte, valueID objectstore.ObjectID, priority pagestore.Priority) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return pagestore.NewError(pagestore.NoTransactionInProgressCode, pagestore.ErrNoTransactionInProgress, nil)
	}
	j.pending[string(key)] = btreekv.EntryChange{
		Entry: btreekv.Entry{Key: append([]byte{}, key...), ValueID: valueID, Priority: priority},
	}
	return nil
}

// Delete stages a deletion of key.
func (j *Journal) Delete(key []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return pagestore.NewError(pagestore.NoTransactionInProgressCode, pagestore.ErrNoTransactionInProgress, nil)
	}
	j.pending[string(key)] = btreekv.EntryChange{
		Entry:   btreekv.Entry{Key: append([]byte{}, key...)},
		Deleted: true,
	}
	return nil
}

// Type reports whether this journal is EXPLICIT or IMPLICIT.
func (j *Journal) Type() Type { return j.jtype }

// ParentID reports the commit this journal was opened against.
func (j *Journal) ParentID() objectstore.ObjectID { return j.parentID }

// sortedChanges snapshots pending mutations in key-sorted order (spec
// §4.4 commit step 1).
func (j *Journal) sortedChanges() []btreekv.EntryChange {
	out := make([]btreekv.EntryChange, 0, len(j.pending))
	for _, c := range j.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		return bytes.Compare(out[a].Entry.Key, out[b].Entry.Key) < 0
	})
	return out
}

// Commit runs the five-step commit procedure (spec §4.4): snapshot
// mutations, apply them to the parent's tree, form and write a new
// commit, and advance the head set. Any failure aborts the commit and
// discards the journal unconditionally — the client must not reuse it,
// resolving the open question in spec §9 in favor of always discarding
// rather than discarding "in some paths but not others".
func (j *Journal) Commit(ctx context.Context, source pagestore.ChangeSource) (objectstore.ObjectID, commitgraph.Commit, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return objectstore.Nil, commitgraph.Commit{}, pagestore.NewError(pagestore.NoTransactionInProgressCode, pagestore.ErrNoTransactionInProgress, nil)
	}
	// The journal is discarded regardless of outcome: any return path
	// below leaves it resolved.
	j.resolved = true

	parent, err := commitgraph.GetCommit(ctx, j.engine.Store, j.parentID)
	if err != nil {
		slog.Warn("journal: fetch parent commit failed", "journal", j.ID, "err", err)
		return objectstore.Nil, commitgraph.Commit{}, err
	}

	changes := j.sortedChanges()
	newRoot, _, err := btreekv.ApplyChanges(ctx, j.engine.Store, parent.RootID, j.engine.MaxEntriesPerNode, changes)
	if err != nil {
		slog.Warn("journal: apply changes failed", "journal", j.ID, "err", err)
		return objectstore.Nil, commitgraph.Commit{}, err
	}

	newID, newCommit, err := commitgraph.NewCommit(ctx, j.engine.Store, newRoot, []objectstore.ObjectID{j.parentID})
	if err != nil {
		slog.Warn("journal: write commit failed", "journal", j.ID, "err", err)
		return objectstore.Nil, commitgraph.Commit{}, err
	}

	j.engine.Graph.Advance(ctx, newID, newCommit, source)
	return newID, newCommit, nil
}

// Rollback discards the journal's pending mutations. It always succeeds if
// the journal was never committed (spec §4.4); calling it a second time,
// or after a commit, returns NO_TRANSACTION_IN_PROGRESS.
func (j *Journal) Rollback() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return pagestore.NewError(pagestore.NoTransactionInProgressCode, pagestore.ErrNoTransactionInProgress, nil)
	}
	j.resolved = true
	j.pending = nil
	return nil
}

// PendingCount reports how many distinct keys are currently staged. Used
// by tests exercising scenario S2.
func (j *Journal) PendingCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}
