package state

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ActionsStore uses the GitHub Actions runner's state facility. Saved values
// are appended to the file named by GITHUB_STATE and come back to the post
// step as STATE_<key> environment variables.
type ActionsStore struct {
	path   string
	getenv func(string) string

	mu    sync.Mutex
	saved map[string]string
}

// NewActionsStore returns a store writing to path. getenv defaults to
// os.Getenv.
func NewActionsStore(path string, getenv func(string) string) *ActionsStore {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &ActionsStore{path: path, getenv: getenv, saved: make(map[string]string)}
}

// Save appends key=value to the state file using a heredoc delimiter so
// values may contain newlines.
func (s *ActionsStore) Save(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	current, err := s.Load(key)
	if err != nil {
		return err
	}
	if skip, err := checkWriteOnce(key, current, value); skip {
		return err
	}

	delim := "ghadelimiter_" + uuid.NewString()
	if strings.Contains(key, delim) || strings.Contains(value, delim) {
		return fmt.Errorf("state value for %s contains the delimiter", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s<<%s\n%s\n%s\n", key, delim, value, delim); err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	s.saved[key] = value
	return nil
}

// Load returns the value saved by an earlier step, or one saved by this
// process.
func (s *ActionsStore) Load(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	s.mu.Lock()
	v, ok := s.saved[key]
	s.mu.Unlock()
	if ok {
		return v, nil
	}
	return s.getenv("STATE_" + key), nil
}
