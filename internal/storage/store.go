// Package storage provides the bbolt-backed key-value store shared by the trust
// stores, the secure store and cached settings.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("storage: key not found")

// Store provides persistent key-value storage using BoltDB
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the database at path and ensures the named buckets exist
func NewStore(path string, buckets ...string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	for _, name := range buckets {
		if _, err := s.Bucket(name); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.db.Path()
}

// Bucket returns a handle to the named bucket, creating it if needed
func (s *Store) Bucket(name string) (*Bucket, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %q: %w", name, err)
	}
	return &Bucket{db: s.db, name: []byte(name)}, nil
}

// Bucket is one named keyspace inside a Store
type Bucket struct {
	db   *bolt.DB
	name []byte
}

// Name returns the bucket name
func (b *Bucket) Name() string {
	return string(b.name)
}

// Put stores a key-value pair
func (b *Bucket) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).Put([]byte(key), value)
	})
}

// Get retrieves a copy of the value stored under key
func (b *Bucket) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.name).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		// bbolt values are only valid inside the transaction
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

// Has checks if a key exists
func (b *Bucket) Has(key string) bool {
	var exists bool
	b.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(b.name).Get([]byte(key)) != nil
		return nil
	})
	return exists
}

// Delete removes a key. Deleting a missing key is not an error.
func (b *Bucket) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).Delete([]byte(key))
	})
}

// Clear removes all key-value pairs
func (b *Bucket) Clear() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(b.name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(b.name)
		return err
	})
}

// All returns a snapshot of every key-value pair
func (b *Bucket) All() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).ForEach(func(k, v []byte) error {
			out[string(k)] = bytes.Clone(v)
			return nil
		})
	})
	return out, err
}

// Keys returns all keys in the bucket
func (b *Bucket) Keys() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// IteratePrefix calls fn for every key starting with prefix, in key order
func (b *Bucket) IteratePrefix(prefix string, fn func(key string, value []byte) error) error {
	p := []byte(prefix)
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.name).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := fn(string(k), bytes.Clone(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetWithDefault retrieves a value or returns a default if not found
func (b *Bucket) GetWithDefault(key string, defaultValue []byte) []byte {
	value, err := b.Get(key)
	if err != nil {
		return defaultValue
	}
	return value
}
