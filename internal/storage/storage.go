package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Load when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

// Store is the persisted key-value surface used for the durable subset of
// driver state. Implementations must tolerate concurrent callers.
type Store interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
}

// FileStore keeps one file per key under a directory. Saves are atomic
// (write to temp file, then rename) so a crash never leaves a half-written
// value behind.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *FileStore) Save(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(key))
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}
