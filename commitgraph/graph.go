package commitgraph

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/objectstore"
)

// CommitRecord pairs a commit with the id it is stored under, the shape
// delivered to commit watchers (spec §4.3: add-commit-watcher).
type CommitRecord struct {
	ID     objectstore.ObjectID
	Commit Commit
}

// Watcher is invoked with the commits that just entered the head set and
// where they came from (spec §4.3: add-commit-watcher).
type Watcher func(newCommits []CommitRecord, source pagestore.ChangeSource)

// Graph holds the mutable head set for one page and dispatches
// notifications when it changes. The head set is serialized by the
// caller's per-page task loop (spec §5); Graph itself only guards its own
// bookkeeping with a mutex so tests and callers that don't run a loop
// still get a correct, race-free head set.
type Graph struct {
	store objectstore.Store

	mu       sync.Mutex
	heads    map[objectstore.ObjectID]struct{}
	watchers map[int]Watcher
	nextID   int
}

// NewGraph opens a commit graph over store, starting from a single head at
// the well-known root commit.
func NewGraph(store objectstore.Store) *Graph {
	return &Graph{
		store:    store,
		heads:    map[objectstore.ObjectID]struct{}{RootCommitID: {}},
		watchers: map[int]Watcher{},
	}
}

// HeadSet returns the current head commit ids, ordered by timestamp
// ascending with a lexicographic tie-break on id (spec §4.3).
func (g *Graph) HeadSet(ctx context.Context) ([]objectstore.ObjectID, error) {
	g.mu.Lock()
	ids := make([]objectstore.ObjectID, 0, len(g.heads))
	for id := range g.heads {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	if len(ids) == 0 {
		// Invariant 3: the head set is never empty.
		return nil, pagestore.NewError(pagestore.InternalErrorCode, fmt.Errorf("head set is empty"), nil)
	}

	commits := make(map[objectstore.ObjectID]Commit, len(ids))
	for _, id := range ids {
		c, err := GetCommit(ctx, g.store, id)
		if err != nil {
			return nil, err
		}
		commits[id] = c
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := commits[ids[i]], commits[ids[j]]
		if ci.TimestampMs != cj.TimestampMs {
			return ci.TimestampMs < cj.TimestampMs
		}
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids, nil
}

// AddCommitWatcher registers w and returns a token for RemoveCommitWatcher.
func (g *Graph) AddCommitWatcher(w Watcher) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.watchers[id] = w
	return id
}

// RemoveCommitWatcher unregisters the watcher returned by AddCommitWatcher.
func (g *Graph) RemoveCommitWatcher(token int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.watchers, token)
}

// Advance applies a successful commit or merge (spec §3 head-set mutation
// rule (a)/(b), §4.4 commit procedure step 5): each of newCommit's parents
// that is currently a head is removed, newCommit is inserted, and watchers
// are notified. Parents that are not currently heads are left untouched —
// that is the divergent-branch case the merge resolver reconciles later.
func (g *Graph) Advance(ctx context.Context, newID objectstore.ObjectID, newCommit Commit, source pagestore.ChangeSource) {
	g.mu.Lock()
	for _, p := range newCommit.ParentIDs {
		delete(g.heads, p)
	}
	g.heads[newID] = struct{}{}
	watchers := make([]Watcher, 0, len(g.watchers))
	for _, w := range g.watchers {
		watchers = append(watchers, w)
	}
	g.mu.Unlock()

	for _, w := range watchers {
		w([]CommitRecord{{ID: newID, Commit: newCommit}}, source)
	}
}

// Ingest applies a remote commit (spec §3 head-set mutation rule (c)). The
// core does not implement remote sync; this is the seam an external
// collaborator calls into.
func (g *Graph) Ingest(ctx context.Context, newID objectstore.ObjectID, newCommit Commit) {
	g.Advance(ctx, newID, newCommit, pagestore.Sync)
}

// Contains reports whether id is currently in the head set.
func (g *Graph) Contains(id objectstore.ObjectID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.heads[id]
	return ok
}
