package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const lockName = ".lock"

// FileStore keeps one file per key under a directory. Writes are serialized
// across processes with a lock file.
type FileStore struct {
	dir  string
	lock *flock.Flock
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir, lock: flock.New(filepath.Join(dir, lockName))}, nil
}

// DefaultDir returns $RUNNER_TEMP/runwatch-state, falling back to the
// system temp directory.
func DefaultDir() string {
	base := os.Getenv("RUNNER_TEMP")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "runwatch-state")
}

// Dir returns the store's directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Save(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	current, err := s.read(key)
	if err != nil {
		return err
	}
	if skip, err := checkWriteOnce(key, current, value); skip {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, key), []byte(value))
}

func (s *FileStore) Load(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if err := s.lock.RLock(); err != nil {
		return "", fmt.Errorf("acquire state lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.read(key)
}

func (s *FileStore) read(key string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state %s: %w", key, err)
	}
	return string(data), nil
}

// Clear removes every stored key.
func (s *FileStore) Clear() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read state dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == lockName || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove state %s: %w", e.Name(), err)
		}
	}
	return nil
}

// writeAtomic writes data to a temp file then renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
