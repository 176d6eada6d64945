package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, buckets ...string) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"), buckets...)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustBucket(t *testing.T, s *Store, name string) *Bucket {
	t.Helper()
	b, err := s.Bucket(name)
	if err != nil {
		t.Fatalf("Failed to open bucket: %v", err)
	}
	return b
}

func TestNewStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewStore(dbPath, "a", "b")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if store.Path() != dbPath {
		t.Errorf("Path() = %s, want %s", store.Path(), dbPath)
	}
}

func TestBucketPutGet(t *testing.T) {
	b := mustBucket(t, newTestStore(t), "settings")

	if err := b.Put("key1", []byte("value1")); err != nil {
		t.Fatalf("Failed to put value: %v", err)
	}

	value, err := b.Get("key1")
	if err != nil {
		t.Fatalf("Failed to get value: %v", err)
	}
	if string(value) != "value1" {
		t.Errorf("Expected 'value1', got '%s'", value)
	}

	_, err = b.Get("nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBucketsAreIsolated(t *testing.T) {
	s := newTestStore(t)
	clients := mustBucket(t, s, "trusted-clients")
	servers := mustBucket(t, s, "trusted-servers")

	clients.Put("laptop", []byte("c"))

	if servers.Has("laptop") {
		t.Error("Key leaked across buckets")
	}
	if !clients.Has("laptop") {
		t.Error("Expected key in its own bucket")
	}
}

func TestBucketDelete(t *testing.T) {
	b := mustBucket(t, newTestStore(t), "settings")
	b.Put("key1", []byte("value1"))

	if err := b.Delete("key1"); err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}
	if b.Has("key1") {
		t.Error("Expected key1 to be deleted")
	}
	if err := b.Delete("key1"); err != nil {
		t.Errorf("Deleting a missing key should not fail: %v", err)
	}
}

func TestBucketClear(t *testing.T) {
	b := mustBucket(t, newTestStore(t), "settings")
	b.Put("key1", []byte("value1"))
	b.Put("key2", []byte("value2"))

	if err := b.Clear(); err != nil {
		t.Fatalf("Failed to clear bucket: %v", err)
	}
	if b.Has("key1") || b.Has("key2") {
		t.Error("Expected bucket to be empty after clear")
	}
	// Still usable after clear
	if err := b.Put("key3", []byte("v")); err != nil {
		t.Errorf("Put after Clear failed: %v", err)
	}
}

func TestBucketAllAndKeys(t *testing.T) {
	b := mustBucket(t, newTestStore(t), "settings")
	b.Put("key1", []byte("value1"))
	b.Put("key2", []byte("value2"))
	b.Put("key3", []byte("value3"))

	keys, err := b.Keys()
	if err != nil {
		t.Fatalf("Failed to get keys: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Expected 3 keys, got %d", len(keys))
	}

	all, err := b.All()
	if err != nil {
		t.Fatalf("Failed to get all: %v", err)
	}
	if len(all) != 3 || string(all["key2"]) != "value2" {
		t.Errorf("Unexpected snapshot: %v", all)
	}

	// Snapshot must not alias the database
	all["key2"][0] = 'X'
	v, _ := b.Get("key2")
	if string(v) != "value2" {
		t.Error("Mutating the snapshot changed the stored value")
	}
}

func TestBucketGetWithDefault(t *testing.T) {
	b := mustBucket(t, newTestStore(t), "settings")
	b.Put("key1", []byte("value1"))

	if v := b.GetWithDefault("key1", []byte("default")); string(v) != "value1" {
		t.Errorf("Expected 'value1', got '%s'", v)
	}
	if v := b.GetWithDefault("nonexistent", []byte("default")); string(v) != "default" {
		t.Errorf("Expected 'default', got '%s'", v)
	}
}

func TestStorePersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewStore(dbPath, "settings")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	b := mustBucket(t, store, "settings")
	b.Put("key1", []byte("value1"))
	store.Close()

	store, err = NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	value, err := mustBucket(t, store, "settings").Get("key1")
	if err != nil {
		t.Fatalf("Failed to get value after reopen: %v", err)
	}
	if string(value) != "value1" {
		t.Errorf("Expected 'value1', got '%s'", value)
	}
}

func TestBucketIteratePrefix(t *testing.T) {
	b := mustBucket(t, newTestStore(t), "settings")

	b.Put("hub.auth.token", []byte("t"))
	b.Put("hub.host.device", []byte("d"))
	b.Put("lan.port", []byte("8754"))

	collected := make(map[string]string)
	err := b.IteratePrefix("hub.", func(key string, value []byte) error {
		collected[key] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(collected) != 2 {
		t.Errorf("Expected 2 keys with prefix, got %d", len(collected))
	}
	if collected["hub.auth.token"] != "t" || collected["hub.host.device"] != "d" {
		t.Errorf("Unexpected values: %v", collected)
	}
	if _, exists := collected["lan.port"]; exists {
		t.Error("Should not include 'lan.port'")
	}
}

func TestBucketIteratePrefixStopsOnError(t *testing.T) {
	b := mustBucket(t, newTestStore(t), "settings")
	b.Put("a1", []byte("x"))
	b.Put("a2", []byte("y"))

	stop := errors.New("stop")
	calls := 0
	err := b.IteratePrefix("a", func(key string, value []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected iteration to stop after 1 call, got %d", calls)
	}
}
