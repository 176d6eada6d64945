package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// CertificateValidity is the lifetime of a generated host certificate
const CertificateValidity = 10 * 365 * 24 * time.Hour

// ErrNoCertificate is returned when no host certificate is configured or found
var ErrNoCertificate = errors.New("transport: no host certificate configured")

// GenerateCertificate creates a self-signed ECDSA P-256 certificate whose subject
// CommonName is the device name. It returns PEM encoded certificate and key.
func GenerateCertificate(name string, now time.Time) (certPEM, keyPEM []byte, err error) {
	if name == "" {
		return nil, nil, errors.New("transport: certificate name is required")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name, Organization: []string{"clipbird"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(CertificateValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{name},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// WriteCertificate writes PEM material, creating parent directories. The key is
// written with 0600 permissions.
func WriteCertificate(certFile, keyFile string, certPEM, keyPEM []byte) error {
	for _, dir := range []string{filepath.Dir(certFile), filepath.Dir(keyFile)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// LoadOrCreateCertificate loads the host key pair. When the files do not exist and
// generate is set, a certificate for name is created first. Missing material
// without generate is ErrNoCertificate.
func LoadOrCreateCertificate(certFile, keyFile, name string, generate bool) (tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		return tls.Certificate{}, ErrNoCertificate
	}

	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	missing := errors.Is(certErr, fs.ErrNotExist) || errors.Is(keyErr, fs.ErrNotExist)
	if missing {
		if !generate {
			return tls.Certificate{}, fmt.Errorf("%w: %s not found", ErrNoCertificate, certFile)
		}
		certPEM, keyPEM, err := GenerateCertificate(name, time.Now())
		if err != nil {
			return tls.Certificate{}, err
		}
		if err := WriteCertificate(certFile, keyFile, certPEM, keyPEM); err != nil {
			return tls.Certificate{}, err
		}
		slog.Info("Generated host certificate", "name", name, "path", certFile)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load host certificate: %w", err)
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, ErrNoCertificate
	}
	return cert, nil
}

// CertificateName returns the subject CommonName of a DER certificate, the peer
// name used for trust decisions
func CertificateName(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("transport: malformed certificate: %w", err)
	}
	if cert.Subject.CommonName == "" {
		return "", errors.New("transport: certificate has no common name")
	}
	return cert.Subject.CommonName, nil
}

// LeafDER returns the DER leaf of a loaded key pair
func LeafDER(cert tls.Certificate) []byte {
	if len(cert.Certificate) == 0 {
		return nil
	}
	return cert.Certificate[0]
}
