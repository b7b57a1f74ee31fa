package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/sharedcode/pagestore"
)

// ErrNotFound is returned when an object id has no corresponding blob.
var ErrNotFound = pagestore.NewError(pagestore.KeyNotFoundCode, pagestore.ErrKeyNotFound, nil)

// ErrIDMismatch is returned when bytes read back from storage do not hash
// to the id they were requested under (spec §7, Structural errors).
var ErrIDMismatch = errors.New("object id mismatch")

// Store is the object-store contract the rest of the core depends on
// (spec §4.1). Implementations must be safe for concurrent use by multiple
// pages (spec §5: "Object store is thread-safe").
type Store interface {
	// PutFromStream reads exactly size bytes from r, frames them under kind,
	// and returns their content-derived id. It fails with an IO_ERROR-coded
	// pagestore.Error if fewer than size bytes are available.
	PutFromStream(ctx context.Context, kind Kind, size int64, r io.Reader) (ObjectID, error)

	// PutSync frames and stores payload synchronously, returning its id.
	// Put is idempotent: storing the same framed bytes twice yields the
	// same id and is not an error.
	PutSync(ctx context.Context, kind Kind, payload []byte) (ObjectID, error)

	// Get returns a streaming handle to the object named by id, along with
	// its kind, or ErrNotFound. The caller must Close the returned reader.
	Get(ctx context.Context, id ObjectID) (io.ReadCloser, Kind, error)

	// GetSync reads the full payload for id into memory, or ErrNotFound.
	GetSync(ctx context.Context, id ObjectID) ([]byte, Kind, error)

	// Has reports whether id is present, without fetching its payload.
	Has(ctx context.Context, id ObjectID) (bool, error)
}
