// Package storage persists camera snapshots on the local filesystem or in
// Google Cloud Storage.
package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get for objects that do not exist
var ErrNotFound = errors.New("object not found")

// Store persists small binary objects under slash separated paths
type Store interface {
	// Put writes data to path, replacing any previous object
	Put(ctx context.Context, path string, data []byte) error

	// Get reads the object at path
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes the object; a missing object is not an error
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, path string) (bool, error)

	// List returns object names directly under dir
	List(ctx context.Context, dir string) ([]string, error)

	Close() error
}

// LocalStore implements Store on the local filesystem
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates the base directory and returns a store rooted there
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create base directory")
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// Put writes data through a temp file so readers never see a partial image
func (s *LocalStore) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath := s.FullPath(path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return errors.Wrap(err, "create directory")
	}

	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write file")
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "rename file")
	}
	return nil
}

// Get reads an object from disk
func (s *LocalStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.FullPath(path))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	return data, nil
}

// Delete deletes a file
func (s *LocalStore) Delete(ctx context.Context, path string) error {
	if err := os.Remove(s.FullPath(path)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete file")
	}
	return nil
}

// Exists checks if a file exists
func (s *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(s.FullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "stat file")
	}
	return true, nil
}

// List lists files in a directory
func (s *LocalStore) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(s.FullPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "list directory")
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Close is a no-op for the filesystem
func (s *LocalStore) Close() error {
	return nil
}

// FullPath returns the filesystem path for a relative object path
func (s *LocalStore) FullPath(path string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(path))
}
