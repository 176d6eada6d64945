package hub

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	aesKeySize = 32
	ivSize     = 12
	tagSize    = 16
	// DefaultKeyBits is the RSA key size for new host identities
	DefaultKeyBits = 2048
)

// ErrCrypto is returned for any encryption, decryption or signature failure.
// A payload that fails to decrypt is dropped, never retried.
var ErrCrypto = errors.New("hub: crypto failure")

func cryptoErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCrypto, fmt.Sprintf(format, args...))
}

// Encrypt seals data for the holder of pub with a fresh AES-256-GCM key. The
// result is encKey, iv, tag and ciphertext, each behind a 4-byte big-endian
// length.
func Encrypt(data []byte, pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, cryptoErr("no public key")
	}
	key := make([]byte, aesKeySize)
	iv := make([]byte, ivSize)
	if _, err := rand.Read(key); err != nil {
		return nil, cryptoErr("generate key: %v", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, cryptoErr("generate iv: %v", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, data, nil)
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, cryptoErr("wrap key: %v", err)
	}

	out := make([]byte, 0, 16+len(encKey)+ivSize+tagSize+len(ciphertext))
	for _, part := range [][]byte{encKey, iv, tag, ciphertext} {
		out = binary.BigEndian.AppendUint32(out, uint32(len(part)))
		out = append(out, part...)
	}
	return out, nil
}

// Decrypt reverses Encrypt. Any malformed field or failed tag is ErrCrypto.
func Decrypt(blob []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, cryptoErr("no private key")
	}
	var parts [4][]byte
	rest := blob
	for i := range parts {
		if len(rest) < 4 {
			return nil, cryptoErr("blob truncated at field %d", i)
		}
		n := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return nil, cryptoErr("field %d length %d overruns %d bytes", i, n, len(rest))
		}
		parts[i], rest = rest[:n], rest[n:]
	}
	if len(rest) != 0 {
		return nil, cryptoErr("%d trailing bytes", len(rest))
	}
	encKey, iv, tag, ciphertext := parts[0], parts[1], parts[2], parts[3]
	if len(iv) != ivSize || len(tag) != tagSize {
		return nil, cryptoErr("iv %d bytes, tag %d bytes", len(iv), len(tag))
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, encKey, nil)
	if err != nil {
		return nil, cryptoErr("unwrap key: %v", err)
	}
	if len(key) != aesKeySize {
		return nil, cryptoErr("key is %d bytes", len(key))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(append(sealed, ciphertext...), tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, cryptoErr("open: %v", err)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cryptoErr("cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cryptoErr("gcm: %v", err)
	}
	return gcm, nil
}

// GenerateKey creates an RSA key pair for a host identity
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" block
func MarshalPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM decodes a PKIX public key published by the hub
func ParsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, cryptoErr("public key is not PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, cryptoErr("parse public key: %v", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, cryptoErr("public key is %T, want RSA", key)
	}
	return pub, nil
}
