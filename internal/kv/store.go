// Package kv provides the durable client-side key-value medium backing the
// session store. Entries carry an optional expiry that the medium enforces on
// read; expired and malformed records are treated as absent.
package kv

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"fleetlink.org/internal/obs"
)

var bucketName = []byte("fleetlink")

// Store is a bbolt-backed key-value store with per-entry expiry.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

type record struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix nanoseconds; 0 means no expiry
}

// Option configures Store behavior.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Open opens (creating if necessary) the store file at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv: create bucket: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores value under key. A ttl of zero means the entry never expires.
// Overwrites are atomic per key.
func (s *Store) Put(key string, value []byte, ttl time.Duration) error {
	rec := record{Value: value}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl).UnixNano()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
}

// Get returns the value stored under key. Missing, expired and malformed
// entries all report absence; expired and malformed entries are removed.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			obs.Warn("kv", "malformed record dropped", map[string]any{"key": key})
			return b.Delete([]byte(key))
		}
		if rec.ExpiresAt != 0 && !s.now().Before(time.Unix(0, rec.ExpiresAt)) {
			return b.Delete([]byte(key))
		}
		value = append([]byte(nil), rec.Value...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return value, found, nil
}

// Delete removes the given keys in a single transaction. Missing keys are not
// an error, so repeated deletes are idempotent.
func (s *Store) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, key := range keys {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys returns every stored key with the given prefix, including expired
// entries that have not yet been read.
func (s *Store) Keys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if strings.HasPrefix(string(k), prefix) {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv: keys %q: %w", prefix, err)
	}
	return keys, nil
}

// putRaw writes pre-encoded bytes directly; used by tests to simulate
// corruption.
func (s *Store) putRaw(key string, raw []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), raw)
	})
}
