// Package state persists small facts between the pre and post phases of a
// job. The two phases run as separate processes, so every fact the post
// phase needs (agent identities, the phase flag) passes through a Store.
package state

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// KeyIsPost marks that the pre phase has run.
const KeyIsPost = "isPost"

// ErrKeyExists is returned when a key is saved twice with different values.
var ErrKeyExists = errors.New("state key already set")

// Store is a write-once key/value store that survives between phases.
// Load of an absent key returns "" and no error.
type Store interface {
	Save(key, value string) error
	Load(key string) (string, error)
}

// Clearer is implemented by stores that outlive a single job and must be
// emptied once the post phase is done.
type Clearer interface {
	Clear() error
}

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key %q contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed", key)
	}
	return nil
}

// checkWriteOnce applies the write-once rule given the current value.
func checkWriteOnce(key, current, value string) (skip bool, err error) {
	if current == "" {
		return false, nil
	}
	if current == value {
		return true, nil
	}
	return true, fmt.Errorf("%w: %s", ErrKeyExists, key)
}
