package securestore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend persists blobs as files under a directory, one file per key.
// This is the on-device backend: the directory is expected to live inside
// the application's private storage area.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir (0700) if needed and returns a FileBackend.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("securestore: directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

// path hashes the key into a fixed-width filename so keys never leak into
// directory listings and arbitrary key strings stay filesystem-safe.
func (b *FileBackend) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := base64.RawURLEncoding.EncodeToString(sum[:16]) + ".bin"
	return filepath.Join(b.dir, name)
}

func (b *FileBackend) Put(_ context.Context, key string, value []byte) error {
	target := b.path(key)
	tmp, err := os.CreateTemp(b.dir, ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, target)
}

func (b *FileBackend) Fetch(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileBackend) Remove(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
