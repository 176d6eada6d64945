// Package trust holds the name to certificate allow-lists consulted before any
// clipboard data is sent to or accepted from a peer.
package trust

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/imdevinc/clipbird/internal/storage"
)

const (
	// BucketTrustedClients holds clients a server has accepted
	BucketTrustedClients = "trusted-clients"
	// BucketTrustedServers holds servers a client has paired with
	BucketTrustedServers = "trusted-servers"
)

// ErrInvalidEntry is returned by Add for an empty name or certificate
var ErrInvalidEntry = errors.New("trust: name and certificate are required")

// Listener receives a copy of the full trust map after every mutation
type Listener func(entries map[string][]byte)

// Store is the trust store contract
type Store interface {
	Get() (map[string][]byte, error)
	Has(name string) bool
	IsTrusted(name string, cert []byte) bool
	Add(name string, cert []byte) error
	Remove(name string) error
	Subscribe(fn Listener) (unsubscribe func())
}

// listeners is shared by both store implementations
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]Listener
}

func (l *listeners) subscribe(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// notify must be called without holding any store lock
func (l *listeners) notify(entries map[string][]byte) {
	l.mu.Lock()
	fns := make([]Listener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(cloneEntries(entries))
	}
}

func cloneEntries(in map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(in))
	for k, v := range in {
		out[k] = bytes.Clone(v)
	}
	return out
}

// BoltStore persists trust entries in one bbolt bucket
type BoltStore struct {
	bucket *storage.Bucket
	logger *slog.Logger
	mu     sync.Mutex // serializes mutate-then-snapshot
	subs   listeners
}

// NewBoltStore opens the named bucket of store as a trust store
func NewBoltStore(store *storage.Store, bucket string) (*BoltStore, error) {
	b, err := store.Bucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust bucket: %w", err)
	}
	return &BoltStore{
		bucket: b,
		logger: slog.Default().With("component", "trust", "store", bucket),
	}, nil
}

// Get returns every trusted name with its certificate
func (s *BoltStore) Get() (map[string][]byte, error) {
	return s.bucket.All()
}

// Has reports whether name has an entry, whatever its certificate
func (s *BoltStore) Has(name string) bool {
	return s.bucket.Has(name)
}

// IsTrusted reports whether name is stored with exactly cert
func (s *BoltStore) IsTrusted(name string, cert []byte) bool {
	if name == "" || len(cert) == 0 {
		return false
	}
	stored, err := s.bucket.Get(name)
	if err != nil {
		return false
	}
	return bytes.Equal(stored, cert)
}

// Add stores or replaces the certificate for name
func (s *BoltStore) Add(name string, cert []byte) error {
	if name == "" || len(cert) == 0 {
		return ErrInvalidEntry
	}
	snapshot, err := s.mutate(func() error { return s.bucket.Put(name, cert) })
	if err != nil {
		return fmt.Errorf("failed to add %q: %w", name, err)
	}
	s.logger.Info("Trusted peer added", "name", name)
	s.subs.notify(snapshot)
	return nil
}

// Remove deletes name. Removing an unknown name still notifies.
func (s *BoltStore) Remove(name string) error {
	snapshot, err := s.mutate(func() error { return s.bucket.Delete(name) })
	if err != nil {
		return fmt.Errorf("failed to remove %q: %w", name, err)
	}
	s.logger.Info("Trusted peer removed", "name", name)
	s.subs.notify(snapshot)
	return nil
}

func (s *BoltStore) mutate(fn func() error) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return nil, err
	}
	return s.bucket.All()
}

// Subscribe registers fn for change notifications
func (s *BoltStore) Subscribe(fn Listener) func() {
	return s.subs.subscribe(fn)
}

// Memory is a non-persistent Store
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
	subs    listeners
}

// NewMemory creates an empty in-memory trust store
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Get() (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneEntries(m.entries), nil
}

func (m *Memory) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[name]
	return ok
}

func (m *Memory) IsTrusted(name string, cert []byte) bool {
	if name == "" || len(cert) == 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.entries[name]
	return ok && bytes.Equal(stored, cert)
}

func (m *Memory) Add(name string, cert []byte) error {
	if name == "" || len(cert) == 0 {
		return ErrInvalidEntry
	}
	m.mu.Lock()
	m.entries[name] = bytes.Clone(cert)
	snapshot := maps.Clone(m.entries)
	m.mu.Unlock()

	m.subs.notify(snapshot)
	return nil
}

func (m *Memory) Remove(name string) error {
	m.mu.Lock()
	delete(m.entries, name)
	snapshot := maps.Clone(m.entries)
	m.mu.Unlock()

	m.subs.notify(snapshot)
	return nil
}

func (m *Memory) Subscribe(fn Listener) func() {
	return m.subs.subscribe(fn)
}
