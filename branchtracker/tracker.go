// Package branchtracker implements the core's branch tracker (spec §4.5):
// per-page-handle dispatch that keeps registered watchers in sync with the
// single head a handle reads and writes against.
package branchtracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/btreekv"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/objectstore"
)

// ChangedEntry is one added or updated entry in a PageChange notification.
// Value is populated for EAGER entries (pre-fetched) and left nil for LAZY
// entries, which carry only the key and priority (spec §4.5.2, §6.3).
type ChangedEntry struct {
	Key      []byte
	Priority pagestore.Priority
	Value    []byte
}

// PageChange is delivered to a watcher's OnChange for one committed
// advancement of current_head (spec §4.5.2).
type PageChange struct {
	TimestampMs int64
	Changed     []ChangedEntry
	Deleted     [][]byte
}

// Callback is the per-watcher interface a registrant implements (spec
// §6.3). OnInitialState fires once at registration; thereafter OnChange
// fires once per delivered advancement. Both calls are synchronous from
// the tracker's point of view: the registrant must call Tracker.Ack once
// it has processed the delivery, which is what permits the next one.
type Callback interface {
	OnInitialState(ctx context.Context, baseCommit objectstore.ObjectID)
	OnChange(ctx context.Context, change PageChange)
}

type watcherState struct {
	cb             Callback
	lastDelivered  objectstore.ObjectID
	changeInFlight bool
}

// Tracker is one branch tracker per open page handle (spec §4.5).
type Tracker struct {
	store objectstore.Store

	mu            sync.Mutex
	currentHead   objectstore.ObjectID
	txInProgress  bool
	watchers      map[int]*watcherState
	nextWatcherID int
}

// NewTracker opens a tracker whose view starts at initialHead.
func NewTracker(store objectstore.Store, initialHead objectstore.ObjectID) *Tracker {
	return &Tracker{
		store:       store,
		currentHead: initialHead,
		watchers:    map[int]*watcherState{},
	}
}

// CurrentHead returns the commit this handle currently reads/writes
// against.
func (t *Tracker) CurrentHead() objectstore.ObjectID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentHead
}

// SetTransactionInProgress records whether this handle has an open
// explicit transaction; while true, commit-graph notifications are
// ignored (spec §4.5.1).
func (t *Tracker) SetTransactionInProgress(inProgress bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txInProgress = inProgress
}

// AdvanceTo moves current_head directly to newHead, bypassing the
// commit-graph arrival logic. The page handle calls this right after a
// successful journal commit by this handle (the handle's own writes are not
// "arrivals" from the tracker's point of view) before notifying watchers.
func (t *Tracker) AdvanceTo(ctx context.Context, newHead objectstore.ObjectID) {
	t.mu.Lock()
	t.currentHead = newHead
	watchers := t.snapshotWatchersLocked()
	t.mu.Unlock()

	t.notifyAll(ctx, watchers)
}

// OnCommitsAdvanced reacts to a batch of new commit-graph heads (spec
// §4.5.1). If a transaction is in progress on this handle, the whole
// batch is ignored. Otherwise, repeatedly pick any commit whose parent
// set contains current_head and advance to it; commits that never match
// are dropped from this branch's view — the merge resolver reconciles
// them.
func (t *Tracker) OnCommitsAdvanced(ctx context.Context, newCommits []commitgraph.CommitRecord, source pagestore.ChangeSource) {
	t.mu.Lock()
	if t.txInProgress {
		t.mu.Unlock()
		return
	}

	remaining := append([]commitgraph.CommitRecord{}, newCommits...)
	advanced := false
	for {
		matchIdx := -1
		for i, c := range remaining {
			if containsParent(c.Commit.ParentIDs, t.currentHead) {
				matchIdx = i
				break
			}
		}
		if matchIdx == -1 {
			break
		}
		t.currentHead = remaining[matchIdx].ID
		advanced = true
		remaining = append(remaining[:matchIdx], remaining[matchIdx+1:]...)
	}
	if !advanced {
		t.mu.Unlock()
		return
	}
	watchers := t.snapshotWatchersLocked()
	t.mu.Unlock()

	t.notifyAll(ctx, watchers)
}

func containsParent(parents []objectstore.ObjectID, id objectstore.ObjectID) bool {
	for _, p := range parents {
		if p == id {
			return true
		}
	}
	return false
}

// RegisterWatcher adds cb and immediately delivers OnInitialState bound to
// the current head (spec §4.5.2). The returned token is used with Ack and
// RemoveWatcher.
func (t *Tracker) RegisterWatcher(ctx context.Context, cb Callback) int {
	t.mu.Lock()
	id := t.nextWatcherID
	t.nextWatcherID++
	base := t.currentHead
	t.watchers[id] = &watcherState{cb: cb, lastDelivered: base, changeInFlight: true}
	t.mu.Unlock()

	cb.OnInitialState(ctx, base)
	return id
}

// RemoveWatcher unregisters a watcher. In-flight notifications to it are
// implicitly cancelled: its completion callback will simply never run
// again (spec §5).
func (t *Tracker) RemoveWatcher(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.watchers, id)
}

// Ack acknowledges the watcher's most recent delivery (initial state or a
// change), per spec §4.5.2's coalescing rule: if current_head has moved on
// since the last delivery, the tracker computes one combined diff from the
// watcher's last delivered commit to the current head and sends it; it
// does not replay each intermediate advance.
func (t *Tracker) Ack(ctx context.Context, watcherID int) {
	t.mu.Lock()
	ws, ok := t.watchers[watcherID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ws.changeInFlight = false
	head := t.currentHead
	t.mu.Unlock()

	t.notifyOne(ctx, ws, head)
}

func (t *Tracker) snapshotWatchersLocked() []*watcherState {
	out := make([]*watcherState, 0, len(t.watchers))
	for _, ws := range t.watchers {
		out = append(out, ws)
	}
	return out
}

func (t *Tracker) notifyAll(ctx context.Context, watchers []*watcherState) {
	t.mu.Lock()
	head := t.currentHead
	t.mu.Unlock()
	for _, ws := range watchers {
		t.mu.Lock()
		inFlight := ws.changeInFlight
		t.mu.Unlock()
		if inFlight {
			// Coalescing rule: do not enqueue while a change is in
			// flight; Ack will recompute the diff against the then-
			// current head.
			continue
		}
		t.notifyOne(ctx, ws, head)
	}
}

// notifyOne builds and delivers the diff from ws.lastDelivered to head, if
// any. A value-fetch failure aborts the cycle without moving the cursor
// (spec §4.5.2); the next successful advance will cover it.
func (t *Tracker) notifyOne(ctx context.Context, ws *watcherState, head objectstore.ObjectID) {
	t.mu.Lock()
	from := ws.lastDelivered
	t.mu.Unlock()

	if from == head {
		return
	}

	fromCommit, err := commitgraph.GetCommit(ctx, t.store, from)
	if err != nil {
		slog.Warn("branchtracker: fetch base commit for notification failed", "commit", from, "err", err)
		return
	}
	headCommit, err := commitgraph.GetCommit(ctx, t.store, head)
	if err != nil {
		slog.Warn("branchtracker: fetch head commit for notification failed", "commit", head, "err", err)
		return
	}

	change := PageChange{TimestampMs: headCommit.TimestampMs}
	aborted := false
	btreekv.ForEachDiff(ctx, t.store, fromCommit.RootID, headCommit.RootID, func(c btreekv.EntryChange) btreekv.Decision {
		if c.Deleted {
			change.Deleted = append(change.Deleted, c.Entry.Key)
			return btreekv.Continue
		}
		ce := ChangedEntry{Key: c.Entry.Key, Priority: c.Entry.Priority}
		if c.Entry.Priority == pagestore.EAGER {
			value, _, err := t.store.GetSync(ctx, c.Entry.ValueID)
			if err != nil {
				slog.Warn("branchtracker: fetch value for notification failed", "key", string(c.Entry.Key), "err", err)
				aborted = true
				return btreekv.Stop
			}
			ce.Value = value
		}
		change.Changed = append(change.Changed, ce)
		return btreekv.Continue
	}, nil)
	if aborted {
		return // cursor unchanged; retried on the next advance
	}

	t.mu.Lock()
	ws.lastDelivered = head
	ws.changeInFlight = true
	t.mu.Unlock()

	ws.cb.OnChange(ctx, change)
}
