package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/imdevinc/clipbird/internal/config"
	"github.com/imdevinc/clipbird/internal/securestore"
	"github.com/imdevinc/clipbird/internal/storage"
	"github.com/imdevinc/clipbird/internal/trust"
)

// ErrNoPassphrase is returned when the secure store is needed but no passphrase
// is configured
var ErrNoPassphrase = errors.New("app: no secure store passphrase configured")

// OpenStore opens the bbolt database under the data directory with the trust
// buckets in place
func OpenStore(cfg *config.Config) (*storage.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := storage.NewStore(cfg.DBPath(), trust.BucketTrustedClients, trust.BucketTrustedServers)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.DBPath(), err)
	}
	return db, nil
}

// OpenTrust returns the trusted clients and trusted servers stores
func OpenTrust(db *storage.Store) (clients, servers *trust.BoltStore, err error) {
	clients, err = trust.NewBoltStore(db, trust.BucketTrustedClients)
	if err != nil {
		return nil, nil, err
	}
	servers, err = trust.NewBoltStore(db, trust.BucketTrustedServers)
	if err != nil {
		return nil, nil, err
	}
	return clients, servers, nil
}

// OpenSecure opens the encrypted store with the configured passphrase
func OpenSecure(cfg *config.Config, db *storage.Store) (*securestore.Bolt, error) {
	pass := cfg.Passphrase()
	if pass == "" {
		return nil, fmt.Errorf("%w: set secure.passphrase or $%s", ErrNoPassphrase, cfg.Secure.PassphraseEnv)
	}
	return securestore.Open(db, pass)
}

// LoadToken returns the stored hub token, or "" when signed out
func LoadToken(store securestore.Store) string {
	tok, err := store.Get(securestore.KeyHubAuthToken)
	if err != nil {
		return ""
	}
	return string(tok)
}

// SaveToken stores the hub token
func SaveToken(store securestore.Store, token string) error {
	if err := store.Set(securestore.KeyHubAuthToken, []byte(token)); err != nil {
		return fmt.Errorf("failed to store hub token: %w", err)
	}
	return nil
}
