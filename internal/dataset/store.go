package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by stores when a key does not exist.
var ErrNotFound = errors.New("dataset: key not found")

// Store abstracts key/value access to the objects of a Zarr store.
// Keys are slash-separated and relative to the store root.
type Store interface {
	// Get fetches the object stored under key. The caller closes the body.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// FileStore serves a Zarr store from a local directory.
type FileStore struct {
	Root string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Root: dir}
}

// Get opens the file backing key.
func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.Root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *FileStore) String() string { return s.Root }
