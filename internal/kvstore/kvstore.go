// Package kvstore provides the persistent key/value store used to carry
// session state across process restarts. Semantics are deliberately small:
// per-key last-write-wins, no ordering or atomicity across keys.
package kvstore

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Store is the asynchronous key/value contract consumed by the backend
// client. Get reports absence through its second return value rather than
// an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// FileStore persists each key as one file under a root directory. The
// filesystem is abstracted behind afero so tests run against an in-memory
// filesystem with no disk I/O.
type FileStore struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// NewFileStore creates a store rooted at dir on the given filesystem.
func NewFileStore(fsys afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fsys, root: dir}
}

// NewMemStore creates a store backed by an in-memory filesystem, for tests
// and ephemeral use.
func NewMemStore() *FileStore {
	return NewFileStore(afero.NewMemMapFs(), "kv")
}

// Get returns the value stored under key, or ok=false when the key has
// never been set (or has been deleted).
func (s *FileStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Set writes value under key, replacing any previous value.
func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.root, 0o700); err != nil {
		return err
	}
	return afero.WriteFile(s.fs, s.path(key), []byte(value), 0o600)
}

// Delete removes key. Deleting a key that does not exist is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// path maps a key to its file, escaping anything that could walk out of
// the root directory. PathEscape leaves dots alone, so bare "." and ".."
// keys need the explicit form.
func (s *FileStore) path(key string) string {
	name := url.PathEscape(key)
	if name == "." || name == ".." {
		name = strings.ReplaceAll(name, ".", "%2E")
	}
	return filepath.Join(s.root, name)
}
