// Package mergeresolver implements the core's merge resolver (spec §4.6):
// watches a page's commit graph and, whenever more than one head exists,
// runs the current merge strategy against the two most recent heads and
// their common ancestor to collapse them into a single merge commit.
package mergeresolver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/objectstore"
)

// ancestorCacheTTL bounds how long a computed common-ancestor is trusted
// for a given head pair. CheckConflicts is reposted on every commit-graph
// event (spec §4.6.1), so a burst of unrelated events arriving while one
// pair of heads is still being resolved would otherwise re-walk the
// commit graph for the same answer each time.
const ancestorCacheTTL = 5 * time.Second

// State is the resolver's state machine (spec §4.6.1).
type State int

const (
	Idle State = iota
	MergeInFlight
	StrategyChangePending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case MergeInFlight:
		return "MergeInFlight"
	case StrategyChangePending:
		return "StrategyChangePending"
	default:
		return "Unknown"
	}
}

// Resolver is one merge resolver per page. It is not safe for concurrent
// use by multiple goroutines beyond what its own locking provides — per
// spec §5 it is meant to run on a single page's cooperative task loop;
// the internal mutex only protects state transitions from racing with
// OnCommitsAdvanced callbacks delivered off that loop.
type Resolver struct {
	store objectstore.Store
	graph *commitgraph.Graph

	mu           sync.Mutex
	state        State
	strategy     Strategy
	nextStrategy Strategy
	cancelActive context.CancelFunc
	onIdle       func()

	ancestors *gocache.Cache
}

// NewResolver opens a resolver with no strategy set; it stays Idle until
// SetMergeStrategy is called.
func NewResolver(store objectstore.Store, graph *commitgraph.Graph) *Resolver {
	r := &Resolver{
		store:     store,
		graph:     graph,
		ancestors: gocache.New(ancestorCacheTTL, 2*ancestorCacheTTL),
	}
	graph.AddCommitWatcher(r.onCommitsAdvanced)
	return r
}

// State reports the resolver's current state machine position.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsEmpty reports whether no merge is currently in progress (spec
// merge_resolver.h's is_empty).
func (r *Resolver) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Idle
}

// OnIdle registers cb to be invoked whenever the resolver settles back into
// Idle with the head set converged to a single commit (merge_resolver.h's
// set_on_empty/on_empty_callback_). Only one callback is kept; a later call
// replaces the earlier one.
func (r *Resolver) OnIdle(cb func()) {
	r.mu.Lock()
	r.onIdle = cb
	r.mu.Unlock()
}

func (r *Resolver) onCommitsAdvanced(newCommits []commitgraph.CommitRecord, source pagestore.ChangeSource) {
	r.CheckConflicts(context.Background())
}

// SetMergeStrategy installs s as the active strategy (spec §4.6.1). If a
// merge is already in flight under the old strategy, s is queued and the
// active merge's context is cancelled; the queued strategy takes over only
// once that merge completes.
func (r *Resolver) SetMergeStrategy(ctx context.Context, s Strategy) {
	r.mu.Lock()
	switch r.state {
	case MergeInFlight:
		r.nextStrategy = s
		r.state = StrategyChangePending
		cancel := r.cancelActive
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	case StrategyChangePending:
		r.nextStrategy = s
		r.mu.Unlock()
		return
	default:
		r.strategy = s
		r.mu.Unlock()
		r.CheckConflicts(ctx)
	}
}

// CheckConflicts reads the head set and, if it names more than one head,
// resolves the two most recent. Safe to call repeatedly; it is a no-op
// unless the resolver is Idle with a strategy installed (spec §4.6.1).
func (r *Resolver) CheckConflicts(ctx context.Context) {
	r.mu.Lock()
	if r.strategy == nil || r.state != Idle {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	heads, err := r.graph.HeadSet(ctx)
	if err != nil {
		slog.Error("mergeresolver: head set read failed", "err", err)
		return
	}
	if len(heads) <= 1 {
		return
	}
	r.resolveConflicts(ctx, heads)
}

// findCommonAncestorCached memoizes FindCommonAncestor by head pair for
// ancestorCacheTTL: commits are immutable, so the answer for a given pair
// never changes, only goes stale once one side is superseded by a later
// merge (at which point the pair itself no longer occurs).
func (r *Resolver) findCommonAncestorCached(ctx context.Context, h1ID, h2ID objectstore.ObjectID) (objectstore.ObjectID, error) {
	key := h1ID.String() + "|" + h2ID.String()
	if v, ok := r.ancestors.Get(key); ok {
		return v.(objectstore.ObjectID), nil
	}
	ancestorID, err := commitgraph.FindCommonAncestor(ctx, r.store, h1ID, h2ID)
	if err != nil {
		return objectstore.Nil, err
	}
	r.ancestors.Set(key, ancestorID, gocache.DefaultExpiration)
	return ancestorID, nil
}

// resolveConflicts selects the two most recent heads (spec §4.6.2: heads
// sorted ascending by (timestamp, id); the two most recent are the last
// two of that order — deliberately the opposite of the source's
// heads[0]/heads[1], which selects the oldest two; see the design notes'
// open question) and runs the active strategy against them.
func (r *Resolver) resolveConflicts(ctx context.Context, heads []objectstore.ObjectID) {
	n := len(heads)
	h1ID, h2ID := heads[n-2], heads[n-1]

	var h1, h2 commitgraph.Commit
	tr := pagestore.NewTaskRunner(ctx, 2)
	tr.Go(func() error {
		c, err := commitgraph.GetCommit(tr.GetContext(), r.store, h1ID)
		h1 = c
		return err
	})
	tr.Go(func() error {
		c, err := commitgraph.GetCommit(tr.GetContext(), r.store, h2ID)
		h2 = c
		return err
	})
	if err := tr.Wait(); err != nil {
		slog.Error("mergeresolver: fetch heads failed", "err", err)
		return
	}
	ancestorID, err := r.findCommonAncestorCached(ctx, h1ID, h2ID)
	if err != nil {
		slog.Error("mergeresolver: common ancestor search failed", "err", err)
		return
	}
	ancestor, err := commitgraph.GetCommit(ctx, r.store, ancestorID)
	if err != nil {
		slog.Error("mergeresolver: fetch ancestor failed", "err", err)
		return
	}

	r.mu.Lock()
	r.state = MergeInFlight
	mergeCtx, cancel := context.WithCancel(ctx)
	r.cancelActive = cancel
	strategy := r.strategy
	r.mu.Unlock()

	mergedRoot, mergeErr := strategy.Merge(mergeCtx, r.store, MergeInput{
		H1ID: h1ID, H2ID: h2ID, AncestorID: ancestorID,
		H1: h1, H2: h2, Ancestor: ancestor,
	})
	r.onMergeComplete(ctx, h1ID, h2ID, mergedRoot, mergeErr, mergeCtx)
}

// onMergeComplete writes and advances to the merge commit on success. A
// cancelled or failed merge leaves the head set untouched — any tree
// nodes the strategy wrote along the way are simply unreferenced garbage
// (spec §4.6.4's cancellation guarantee).
func (r *Resolver) onMergeComplete(ctx context.Context, h1ID, h2ID, mergedRoot objectstore.ObjectID, mergeErr error, mergeCtx context.Context) {
	r.mu.Lock()
	pendingChange := r.state == StrategyChangePending
	r.state = Idle
	r.cancelActive = nil
	if pendingChange {
		r.strategy = r.nextStrategy
		r.nextStrategy = nil
	}
	hasStrategy := r.strategy != nil
	r.mu.Unlock()

	if mergeErr == nil && mergeCtx.Err() == nil {
		newID, newCommit, err := commitgraph.NewCommit(ctx, r.store, mergedRoot, []objectstore.ObjectID{h1ID, h2ID})
		if err != nil {
			slog.Error("mergeresolver: writing merge commit failed", "err", err)
		} else {
			r.graph.Advance(ctx, newID, newCommit, pagestore.Local)
		}
	} else if mergeErr != nil {
		slog.Warn("mergeresolver: merge failed, heads left intact", "err", mergeErr)
	}

	if hasStrategy {
		r.CheckConflicts(ctx)
	}

	r.fireOnIdleIfConverged(ctx)
}

// fireOnIdleIfConverged invokes the OnIdle callback if the resolver is
// currently Idle (no strategy-change pending) and the head set has
// converged to a single commit (branch_tracker.cc:258-259's analogous
// "!interface_.is_bound() && watchers_.empty()" quiescence guard).
func (r *Resolver) fireOnIdleIfConverged(ctx context.Context) {
	r.mu.Lock()
	idle := r.state == Idle
	cb := r.onIdle
	r.mu.Unlock()
	if !idle || cb == nil {
		return
	}
	heads, err := r.graph.HeadSet(ctx)
	if err != nil || len(heads) != 1 {
		return
	}
	cb()
}
