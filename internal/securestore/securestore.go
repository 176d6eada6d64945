// Package securestore is an encrypted key-value store for secrets such as the hub
// host identity and the hub auth token. Values are sealed with AES-256-GCM under a
// key derived from a passphrase with PBKDF2.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/imdevinc/clipbird/internal/storage"
)

const (
	// PBKDF2 iterations for key derivation
	PBKDF2Iterations = 100000

	// AES-256 key size
	KeySize = 32

	saltSize = 16

	bucketValues = "secure-values"
	bucketMeta   = "secure-meta"
	metaSalt     = "salt"
	metaCheck    = "check"
	checkValue   = "clipbird-secure-store"
)

// Fixed keys used by the hub
const (
	KeyHubHostDevice = "hub.host.device"
	KeyHubAuthToken  = "hub.auth.token"
)

var (
	// ErrNotFound is returned by Get for a missing key
	ErrNotFound = errors.New("securestore: key not found")
	// ErrWrongPassphrase is returned when the passphrase does not open existing data
	ErrWrongPassphrase = errors.New("securestore: wrong passphrase")
)

// Store is the secure key-value contract
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Bolt keeps sealed values in a bbolt bucket
type Bolt struct {
	values *storage.Bucket
	aead   cipher.AEAD
}

// Open derives the store key from passphrase. The salt is generated on first use
// and kept next to the data.
func Open(db *storage.Store, passphrase string) (*Bolt, error) {
	if passphrase == "" {
		return nil, errors.New("securestore: passphrase is required")
	}
	meta, err := db.Bucket(bucketMeta)
	if err != nil {
		return nil, err
	}
	values, err := db.Bucket(bucketValues)
	if err != nil {
		return nil, err
	}

	salt, err := meta.Get(metaSalt)
	fresh := false
	if errors.Is(err, storage.ErrNotFound) {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		fresh = true
	} else if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	aead, err := newAEAD(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	s := &Bolt{values: values, aead: aead}

	if fresh {
		check, err := s.seal([]byte(checkValue))
		if err != nil {
			return nil, err
		}
		if err := meta.Put(metaSalt, salt); err != nil {
			return nil, fmt.Errorf("failed to store salt: %w", err)
		}
		if err := meta.Put(metaCheck, check); err != nil {
			return nil, fmt.Errorf("failed to store check value: %w", err)
		}
		return s, nil
	}

	check, err := meta.Get(metaCheck)
	if err != nil {
		return nil, fmt.Errorf("failed to read check value: %w", err)
	}
	if plain, err := s.open(check); err != nil || string(plain) != checkValue {
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

// deriveKey derives an encryption key from passphrase using PBKDF2
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Get returns the decrypted value stored under key
func (s *Bolt) Get(key string) ([]byte, error) {
	sealed, err := s.values.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	plain, err := s.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return plain, nil
}

// Set encrypts and stores value under key
func (s *Bolt) Set(key string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", key, err)
	}
	return s.values.Put(key, sealed)
}

// Remove deletes key
func (s *Bolt) Remove(key string) error {
	return s.values.Delete(key)
}

// seal encrypts data and prepends the nonce
func (s *Bolt) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Bolt) open(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

// Memory is an unencrypted Store for tests and ephemeral runs
type Memory struct {
	values map[string][]byte
}

// NewMemory creates an empty Memory store
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(key string) error {
	delete(m.values, key)
	return nil
}
