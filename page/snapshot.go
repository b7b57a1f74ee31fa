// Package page implements the external page interface (spec §6): the
// per-handle facade that turns get/put/delete/transaction calls into
// journal mutations and commit-graph advances, and the read-only snapshot
// bound to a single commit.
package page

import (
	"context"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/btreekv"
	"github.com/sharedcode/pagestore/commitgraph"
	"github.com/sharedcode/pagestore/objectstore"
)

// InlineThreshold is a value-size cutoff for inlining that Get does not
// consult: the spec (§6.2) leaves the exact cutoff open ("returns inlined
// bytes below a threshold, else a streaming handle"), so this core always
// returns the inlined bytes, whatever their size, and leaves the
// socket/streaming surface to a transport layer built on top of it.
const InlineThreshold = 64 * 1024

// EntriesPerPage bounds one get_entries/get_keys response (spec §6.2
// pagination). A caller that wants everything repeatedly passes back the
// returned token until it gets none.
const EntriesPerPage = 256

// Entry is one key/value/priority tuple returned by GetEntries.
type Entry struct {
	Key      []byte
	Value    []byte
	Priority pagestore.Priority
}

// Snapshot is a read-only, immutable view of a page bound to one commit
// (spec §6.2).
type Snapshot struct {
	store  objectstore.Store
	commit objectstore.ObjectID
	rootID objectstore.ObjectID
}

// newSnapshot binds a snapshot to commitID's tree root.
func newSnapshot(ctx context.Context, store objectstore.Store, commitID objectstore.ObjectID) (*Snapshot, error) {
	c, err := commitgraph.GetCommit(ctx, store, commitID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{store: store, commit: commitID, rootID: c.RootID}, nil
}

// CommitID reports the commit this snapshot is bound to.
func (s *Snapshot) CommitID() objectstore.ObjectID { return s.commit }

// Get returns key's value and priority, or a KEY_NOT_FOUND error.
func (s *Snapshot) Get(ctx context.Context, key []byte) ([]byte, pagestore.Priority, error) {
	e, err := btreekv.GetEntry(ctx, s.store, s.rootID, key)
	if err != nil {
		if err == objectstore.ErrNotFound {
			return nil, 0, pagestore.NewError(pagestore.KeyNotFoundCode, pagestore.ErrKeyNotFound, key)
		}
		return nil, 0, err
	}
	value, _, err := s.store.GetSync(ctx, e.ValueID)
	if err != nil {
		return nil, 0, err
	}
	return value, e.Priority, nil
}

// GetPartial returns up to maxSize bytes of key's value starting at
// offset, or KEY_NOT_FOUND.
func (s *Snapshot) GetPartial(ctx context.Context, key []byte, offset, maxSize int) ([]byte, error) {
	value, _, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset >= len(value) {
		return nil, nil
	}
	end := offset + maxSize
	if maxSize <= 0 || end > len(value) {
		end = len(value)
	}
	return value[offset:end], nil
}

// GetEntries returns up to EntriesPerPage entries at or after startKey,
// continuing from token if non-nil. The returned nextToken is non-nil iff
// more entries remain (spec §6.2).
func (s *Snapshot) GetEntries(ctx context.Context, startKey, token []byte) ([]Entry, []byte, error) {
	from := startKey
	if token != nil {
		from = token
	}

	var entries []Entry
	var nextToken []byte
	var fetchErr error
	btreekv.ForEachEntry(ctx, s.store, s.rootID, from, func(e btreekv.Entry) btreekv.Decision {
		if len(entries) == EntriesPerPage {
			nextToken = append([]byte{}, e.Key...)
			return btreekv.Stop
		}
		value, _, err := s.store.GetSync(ctx, e.ValueID)
		if err != nil {
			fetchErr = err
			return btreekv.Stop
		}
		entries = append(entries, Entry{Key: e.Key, Value: value, Priority: e.Priority})
		return btreekv.Continue
	}, nil)
	if fetchErr != nil {
		return nil, nil, fetchErr
	}
	return entries, nextToken, nil
}

// GetKeys returns up to EntriesPerPage keys at or after startKey,
// continuing from token if non-nil.
func (s *Snapshot) GetKeys(ctx context.Context, startKey, token []byte) ([][]byte, []byte, error) {
	from := startKey
	if token != nil {
		from = token
	}

	var keys [][]byte
	var nextToken []byte
	btreekv.ForEachEntry(ctx, s.store, s.rootID, from, func(e btreekv.Entry) btreekv.Decision {
		if len(keys) == EntriesPerPage {
			nextToken = append([]byte{}, e.Key...)
			return btreekv.Stop
		}
		keys = append(keys, e.Key)
		return btreekv.Continue
	}, nil)
	return keys, nextToken, nil
}
