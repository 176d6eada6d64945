package util

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a thread-safe, size-bounded LRU
type Cache[K comparable, V any] struct {
	lru *lru.Cache[K, V]
}

// NewCache creates a cache evicting the least recently used entry beyond size
func NewCache[K comparable, V any](size int) (*Cache[K, V], error) {
	c, err := lru.New[K, V](size)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{lru: c}, nil
}

// Get returns the value for key and marks it recently used
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}

// EchoFilter remembers content hashes this host has just applied so the resulting
// local change notification is not sent back out. Entries expire after ttl.
type EchoFilter struct {
	seen *expirable.LRU[string, struct{}]
}

// NewEchoFilter creates a filter holding at most size hashes for ttl each
func NewEchoFilter(size int, ttl time.Duration) *EchoFilter {
	return &EchoFilter{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// MarkApplied records hash as content that arrived from a peer
func (f *EchoFilter) MarkApplied(hash string) {
	f.seen.Add(hash, struct{}{})
}

// IsEcho reports whether hash was recently applied. A hit consumes the entry so
// a later genuine copy of the same content is still sent.
func (f *EchoFilter) IsEcho(hash string) bool {
	if _, ok := f.seen.Get(hash); ok {
		f.seen.Remove(hash)
		return true
	}
	return false
}
