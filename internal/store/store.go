// Package store implements the durable key-value store shared by every
// relay-client process of the same user: the auth token, session flags,
// and the cross-process signaling channel. Each key is a small file in a
// shared directory; sibling processes observe changes through fsnotify,
// so a write in one process reaches the others without polling.
package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Well-known keys.
const (
	TokenKey         = "token"
	SessionActiveKey = "session_active"
	LastUserIDKey    = "last_user_id"
	LastValidatedKey = "last_validated_at"
	SignalKey        = "session_event"
)

const (
	// storeDirPerm is the permission mode for the shared store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for key files. The token lives
	// here, so group/world access is never acceptable.
	storeFilePerm = fs.FileMode(0o600)

	// tmpPrefix marks in-progress writes. Watchers skip these names.
	tmpPrefix = ".tmp-"
)

// Store is a file-per-key store rooted at a shared directory.
type Store struct {
	dir string
}

// Open creates the store directory if needed and returns a Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the value for a key, or empty string if the key is absent.
func (s *Store) Get(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading key %s: %w", key, err)
	}
	return string(data), nil
}

// Set writes a key atomically: the value lands in a temp file first and
// is renamed into place, so a sibling process never observes a partial
// write.
func (s *Store) Set(key, value string) error {
	tmp, err := os.CreateTemp(s.dir, tmpPrefix+key+"-")
	if err != nil {
		return fmt.Errorf("creating temp file for key %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing key %s: %w", key, err)
	}
	if err := tmp.Chmod(storeFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting permissions for key %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file for key %s: %w", key, err)
	}

	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}
	return nil
}

// Signal broadcasts an ephemeral event to sibling processes by writing
// the key and immediately deleting it. Observers react to the write
// notification; the value never needs to persist.
func (s *Store) Signal(key, value string) error {
	if err := s.Set(key, value); err != nil {
		return err
	}
	return s.Delete(key)
}

// GetTime returns the stored timestamp for a key, or the zero time if
// the key is absent. A present-but-unparseable value is an error rather
// than a guessed substitute: callers that rate-limit on this value must
// not be fed a fabricated "now".
func (s *Store) GetTime(key string) (time.Time, error) {
	raw, err := s.Get(key)
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp in key %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}

// SetTime stores a timestamp as unix milliseconds.
func (s *Store) SetTime(key string, t time.Time) error {
	return s.Set(key, strconv.FormatInt(t.UnixMilli(), 10))
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key)
}
