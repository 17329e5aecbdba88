package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore keeps raw uploaded files on disk, addressed by content
// hash. Two-level fan-out keeps directories small.
type BlobStore struct {
	root string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dataDir string) (*BlobStore, error) {
	root := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &BlobStore{root: root}, nil
}

func (s *BlobStore) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Put writes content under its hash. Writing the same hash twice is a
// no-op, which is exactly what content addressing buys.
func (s *BlobStore) Put(hash string, r io.Reader) error {
	if len(hash) < 2 {
		return fmt.Errorf("blob hash too short: %q", hash)
	}
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Open returns a reader over a stored blob.
func (s *BlobStore) Open(hash string) (io.ReadCloser, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("blob hash too short: %q", hash)
	}
	f, err := os.Open(s.path(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes a blob. Missing blobs are not an error; deletion runs
// after the owning row is already gone.
func (s *BlobStore) Delete(hash string) error {
	if len(hash) < 2 {
		return nil
	}
	err := os.Remove(s.path(hash))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
