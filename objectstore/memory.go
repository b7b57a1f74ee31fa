package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sharedcode/pagestore"
)

// memoryStore is an in-process object store backed by a map. It is used for
// tests and for pages that do not need on-disk durability.
type memoryStore struct {
	mu      sync.RWMutex
	objects map[ObjectID][]byte // framed bytes, keyed by id

	// puts collapses concurrent PutSync/PutFromStream calls for identical
	// content: object identity is content-derived, so two callers writing
	// the same bytes at once should do the work once.
	puts singleflight.Group
}

// NewMemoryStore returns a new empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		objects: make(map[ObjectID][]byte),
	}
}

func (s *memoryStore) PutFromStream(ctx context.Context, kind Kind, size int64, r io.Reader) (ObjectID, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return Nil, pagestore.NewError(pagestore.IOErrorCode, fmt.Errorf("read %d bytes (got %d): %w", size, n, err), nil)
	}
	return s.PutSync(ctx, kind, buf)
}

func (s *memoryStore) PutSync(ctx context.Context, kind Kind, payload []byte) (ObjectID, error) {
	framed := frame(kind, payload)
	id := computeID(framed)

	key := id.String()
	_, err, _ := s.puts.Do(key, func() (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.objects[id]; !exists {
			s.objects[id] = framed
		}
		return nil, nil
	})
	if err != nil {
		return Nil, err
	}
	return id, nil
}

func (s *memoryStore) Get(ctx context.Context, id ObjectID) (io.ReadCloser, Kind, error) {
	payload, kind, err := s.GetSync(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(payload)), kind, nil
}

func (s *memoryStore) GetSync(ctx context.Context, id ObjectID) ([]byte, Kind, error) {
	s.mu.RLock()
	framed, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	if computeID(framed) != id {
		return nil, 0, ErrIDMismatch
	}
	kind, payload, err := unframe(framed)
	if err != nil {
		return nil, 0, err
	}
	return payload, kind, nil
}

func (s *memoryStore) Has(ctx context.Context, id ObjectID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[id]
	return ok, nil
}
