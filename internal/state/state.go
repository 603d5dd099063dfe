// Package state persists this client instance's durable cache: the last
// confirmed session identity and per-conversation read cursors. The
// cursors keep a restarted client from re-acknowledging history it has
// already reported as read.
package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the cache directory.
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt file lock.
	cacheOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	cursorsBucket = []byte("cursors")
	identityKey   = []byte("identity")
)

// Identity is the durable record of the last confirmed session identity.
// Only a hash of the token is stored; the raw token lives in the shared
// store and never reaches this database.
type Identity struct {
	TokenHash   string `json:"token_hash"`
	UserID      string `json:"user_id"`
	ValidatedAt int64  `json:"validated_at"`
}

// HashToken returns the SHA-256 hex digest of a token string, used to
// associate an identity with a credential without persisting the secret.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// Cache wraps a bbolt database for this instance's persistent cache.
type Cache struct {
	db *bolt.DB
}

// LoadAt opens a cache database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(cursorsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Identity returns the stored session identity, or nil if none exists.
func (c *Cache) Identity() (*Identity, error) {
	var id *Identity

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(identityKey)
		if v == nil {
			return nil
		}

		id = &Identity{}

		return json.Unmarshal(v, id)
	})

	return id, err
}

// SetIdentity persists the session identity.
func (c *Cache) SetIdentity(id Identity) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(id)
		if err != nil {
			return err
		}

		return tx.Bucket(sessionBucket).Put(identityKey, data)
	})
}

// ClearIdentity removes the stored session identity.
func (c *Cache) ClearIdentity() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(identityKey)
	})
}

// ReadCursor returns the sent-at watermark (unix milliseconds) below
// which every message in the conversation has been read, or 0 if no
// cursor is recorded.
func (c *Cache) ReadCursor(conversationID string) (int64, error) {
	var cursor int64

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(cursorsBucket).Get([]byte(conversationID))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt read cursor for conversation %s", conversationID)
		}

		cursor = int64(binary.BigEndian.Uint64(v))

		return nil
	})

	return cursor, err
}

// AdvanceReadCursor raises the conversation's watermark. A lower value
// than the stored one is ignored so the cursor, like message status,
// never regresses.
func (c *Cache) AdvanceReadCursor(conversationID string, sentAt int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorsBucket)

		key := []byte(conversationID)
		if v := b.Get(key); v != nil && len(v) == 8 {
			if current := int64(binary.BigEndian.Uint64(v)); current >= sentAt {
				return nil
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(sentAt))

		return b.Put(key, buf[:])
	})
}

// AllReadCursors returns every stored cursor keyed by conversation ID.
func (c *Cache) AllReadCursors() (map[string]int64, error) {
	result := make(map[string]int64)

	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorsBucket).ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("corrupt read cursor for conversation %s", string(k))
			}

			result[string(k)] = int64(binary.BigEndian.Uint64(v))

			return nil
		})
	})

	return result, err
}
