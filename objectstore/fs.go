package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sharedcode/pagestore"
	retry "github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

// permission mirrors the teacher's blob store directory/file permission.
const permission os.FileMode = os.ModeSticky | os.ModePerm

// FileIO abstracts the filesystem calls fsStore needs, the same seam the
// teacher's fs package uses to allow fake filesystems in tests.
type FileIO interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	Exists(path string) bool
	MkdirAll(path string, perm os.FileMode) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
}

type osFileIO struct{}

func (osFileIO) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }
func (osFileIO) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (osFileIO) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
func (osFileIO) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFileIO) Rename(oldpath, newpath string) error         { return os.Rename(oldpath, newpath) }
func (osFileIO) Remove(name string) error                     { return os.Remove(name) }

// NewDefaultFileIO returns the os-backed FileIO implementation.
func NewDefaultFileIO() FileIO { return osFileIO{} }

// fsStore is a local filesystem-backed object store. Objects are immutable
// once written, so a write is: stage to a temp file, then rename into place
// (atomic on the same filesystem) keyed by the object's own content-derived
// name — the same "write once, never overwrite" shape as the teacher's
// blob store, minus the blob-table indirection it needs for its multi-store
// layout.
type fsStore struct {
	dir    string
	fileIO FileIO
	puts   singleflight.Group
}

// NewFileStore creates a filesystem-backed Store rooted at dir, creating it
// if necessary.
func NewFileStore(dir string, fileIO FileIO) (Store, error) {
	if fileIO == nil {
		fileIO = NewDefaultFileIO()
	}
	if err := fileIO.MkdirAll(dir, permission); err != nil {
		return nil, pagestore.NewError(pagestore.IOErrorCode, err, dir)
	}
	return &fsStore{dir: dir, fileIO: fileIO}, nil
}

// toFilePath shards objects two levels deep by the first four characters of
// their id's string form (two characters per level), the same sharding shape DefaultToFilePath gives the
// teacher's blob store, to keep any one directory from growing unbounded.
func (s *fsStore) toFilePath(id ObjectID) string {
	name := id.String()
	if len(name) < 4 {
		return s.dir
	}
	return filepath.Join(s.dir, name[:2], name[2:4])
}

func (s *fsStore) pathFor(id ObjectID) string {
	return filepath.Join(s.toFilePath(id), id.String())
}

func (s *fsStore) PutFromStream(ctx context.Context, kind Kind, size int64, r io.Reader) (ObjectID, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return Nil, pagestore.NewError(pagestore.IOErrorCode, fmt.Errorf("read %d bytes (got %d): %w", size, n, err), nil)
	}
	return s.PutSync(ctx, kind, buf)
}

func (s *fsStore) PutSync(ctx context.Context, kind Kind, payload []byte) (ObjectID, error) {
	framed := frame(kind, payload)
	id := computeID(framed)

	key := id.String()
	_, err, _ := s.puts.Do(key, func() (any, error) {
		writeOnce := func(ctx context.Context) error {
			path := s.pathFor(id)
			if s.fileIO.Exists(path) {
				return nil
			}
			dir := s.toFilePath(id)
			if err := s.fileIO.MkdirAll(dir, permission); err != nil {
				return err
			}
			tmp := path + ".tmp"
			if err := s.fileIO.WriteFile(tmp, framed, permission); err != nil {
				return err
			}
			return s.fileIO.Rename(tmp, path)
		}
		// Transient filesystem contention (e.g. a sibling shard directory
		// being created concurrently) is retried with jittered backoff;
		// permanent failures (quota, read-only, permissions) abort immediately.
		return nil, pagestore.Retry(ctx, func(ctx context.Context) error {
			err := writeOnce(ctx)
			if pagestore.ShouldRetry(err) {
				pagestore.RandomSleep(ctx)
				return retry.RetryableError(err)
			}
			return err
		}, nil)
	})
	if err != nil {
		return Nil, pagestore.NewError(pagestore.IOErrorCode, err, id)
	}
	return id, nil
}

func (s *fsStore) Get(ctx context.Context, id ObjectID) (io.ReadCloser, Kind, error) {
	payload, kind, err := s.GetSync(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return &byteReadCloser{data: payload}, kind, nil
}

func (s *fsStore) GetSync(ctx context.Context, id ObjectID) ([]byte, Kind, error) {
	path := s.pathFor(id)
	framed, err := s.fileIO.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, pagestore.NewError(pagestore.IOErrorCode, err, id)
	}
	if computeID(framed) != id {
		return nil, 0, ErrIDMismatch
	}
	kind, payload, err := unframe(framed)
	if err != nil {
		return nil, 0, pagestore.NewError(pagestore.FormatErrorCode, err, id)
	}
	return payload, kind, nil
}

func (s *fsStore) Has(ctx context.Context, id ObjectID) (bool, error) {
	return s.fileIO.Exists(s.pathFor(id)), nil
}

type byteReadCloser struct {
	data []byte
	off  int
}

func (b *byteReadCloser) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

func (b *byteReadCloser) Close() error { return nil }
