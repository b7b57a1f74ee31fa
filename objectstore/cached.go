package objectstore

import (
	"context"
	"io"

	"github.com/sharedcode/pagestore"
	"github.com/sharedcode/pagestore/cache"
)

type cachedObject struct {
	kind    Kind
	payload []byte
	found   bool
}

// cachedStore wraps a Store with an in-process MRU cache of recently
// touched objects (tree nodes in particular are re-read on every B-tree
// traversal that walks through them; spec §5 notes object-store I/O as a
// suspension point worth avoiding when the content is already resident).
type cachedStore struct {
	inner Store
	c     cache.Cache[ObjectID, cachedObject]
}

// NewCachedStore wraps inner with an MRU cache that evicts its least
// recently used entries once it holds maxCapacity entries. minCapacity is
// passed to the cache but does not affect eviction.
func NewCachedStore(inner Store, minCapacity, maxCapacity int) Store {
	return &cachedStore{inner: inner, c: cache.NewCache[ObjectID, cachedObject](minCapacity, maxCapacity)}
}

func (s *cachedStore) PutFromStream(ctx context.Context, kind Kind, size int64, r io.Reader) (ObjectID, error) {
	// The payload has already been consumed by the time PutFromStream
	// returns, so there is nothing cheap to cache here; the next Get will
	// populate the cache.
	return s.inner.PutFromStream(ctx, kind, size, r)
}

func (s *cachedStore) PutSync(ctx context.Context, kind Kind, payload []byte) (ObjectID, error) {
	id, err := s.inner.PutSync(ctx, kind, payload)
	if err != nil {
		return Nil, err
	}
	s.c.Set([]pagestore.KeyValuePair[ObjectID, cachedObject]{
		{Key: id, Value: cachedObject{kind: kind, payload: payload, found: true}},
	})
	return id, nil
}

func (s *cachedStore) Get(ctx context.Context, id ObjectID) (io.ReadCloser, Kind, error) {
	payload, kind, err := s.GetSync(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return &byteReadCloser{data: payload}, kind, nil
}

func (s *cachedStore) GetSync(ctx context.Context, id ObjectID) ([]byte, Kind, error) {
	if entries := s.c.Get([]ObjectID{id}); len(entries) == 1 && entries[0].found {
		return entries[0].payload, entries[0].kind, nil
	}
	payload, kind, err := s.inner.GetSync(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	s.c.Set([]pagestore.KeyValuePair[ObjectID, cachedObject]{
		{Key: id, Value: cachedObject{kind: kind, payload: payload, found: true}},
	})
	return payload, kind, nil
}

func (s *cachedStore) Has(ctx context.Context, id ObjectID) (bool, error) {
	if entries := s.c.Get([]ObjectID{id}); len(entries) == 1 && entries[0].found {
		return true, nil
	}
	return s.inner.Has(ctx, id)
}
