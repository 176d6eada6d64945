package hub

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"github.com/imdevinc/clipbird/internal/securestore"
)

// HostDevice is this host's hub identity as persisted in the secure store
type HostDevice struct {
	ID         string `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	Type       string `cbor:"3,keyasint"`
	PrivateKey []byte `cbor:"4,keyasint"` // PKCS#8 DER

	key *rsa.PrivateKey
}

// Key returns the parsed private key
func (d *HostDevice) Key() *rsa.PrivateKey {
	return d.key
}

func (d *HostDevice) parseKey() error {
	k, err := x509.ParsePKCS8PrivateKey(d.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse host key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("host key is %T, want RSA", k)
	}
	d.key = rk
	return nil
}

// LoadHostDevice reads the stored identity. It returns securestore.ErrNotFound
// when there is none.
func LoadHostDevice(store securestore.Store) (*HostDevice, error) {
	raw, err := store.Get(securestore.KeyHubHostDevice)
	if err != nil {
		return nil, err
	}
	var d HostDevice
	if err := cbor.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode host device: %w", err)
	}
	if err := d.parseKey(); err != nil {
		return nil, err
	}
	return &d, nil
}

func saveHostDevice(store securestore.Store, d *HostDevice) error {
	raw, err := cbor.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode host device: %w", err)
	}
	if err := store.Set(securestore.KeyHubHostDevice, raw); err != nil {
		return fmt.Errorf("failed to store host device: %w", err)
	}
	return nil
}

// IdentityConfig names this host on the hub
type IdentityConfig struct {
	Name    string
	Type    string
	KeyBits int
	Logger  *slog.Logger
}

// EnsureHostDevice returns a registered identity. Without a stored identity a
// key pair is generated, registered with api and persisted; with one, the hub
// record is refreshed with the current name and public key. It blocks, so run
// it off the loop.
func EnsureHostDevice(ctx context.Context, store securestore.Store, api DeviceAPI, cfg IdentityConfig) (*HostDevice, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hub-identity")

	existing, err := LoadHostDevice(store)
	switch {
	case err == nil:
		return refreshHostDevice(ctx, store, api, existing, cfg, logger)
	case !errors.Is(err, securestore.ErrNotFound):
		return nil, err
	}

	key, err := GenerateKey(cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	pubPEM, err := MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateDevice(ctx, CreateDeviceRequest{PublicKey: pubPEM, Name: cfg.Name, Type: cfg.Type})
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, errors.New("hub: device registered without an id")
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal host key: %w", err)
	}
	d := &HostDevice{ID: resp.ID, Name: resp.Name, Type: resp.Type, PrivateKey: der, key: key}
	if d.Name == "" {
		d.Name = cfg.Name
	}
	if d.Type == "" {
		d.Type = cfg.Type
	}
	if err := saveHostDevice(store, d); err != nil {
		return nil, err
	}
	logger.Info("Registered host device", "id", d.ID, "name", d.Name)
	return d, nil
}

func refreshHostDevice(ctx context.Context, store securestore.Store, api DeviceAPI, d *HostDevice, cfg IdentityConfig, logger *slog.Logger) (*HostDevice, error) {
	pubPEM, err := MarshalPublicKeyPEM(&d.key.PublicKey)
	if err != nil {
		return nil, err
	}
	resp, err := api.UpdateDevice(ctx, d.ID, UpdateDeviceRequest{PublicKey: pubPEM, Name: cfg.Name})
	if err != nil {
		return nil, err
	}
	if resp.Name != "" && resp.Name != d.Name {
		d.Name = resp.Name
		if err := saveHostDevice(store, d); err != nil {
			return nil, err
		}
	}
	logger.Info("Updated host device", "id", d.ID, "name", d.Name)
	return d, nil
}

// ForgetHostDevice removes the stored identity and token
func ForgetHostDevice(store securestore.Store) error {
	return errors.Join(
		store.Remove(securestore.KeyHubHostDevice),
		store.Remove(securestore.KeyHubAuthToken),
	)
}
