// Package transport provides the connections sessions run over: TLS on the LAN
// with certificate trust decided above the transport, and RFCOMM over Bluetooth.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// HandshakeTimeout bounds a TLS handshake on accept or dial
const HandshakeTimeout = 15 * time.Second

// ErrNoPeerCertificate means the peer completed a handshake without presenting a certificate
var ErrNoPeerCertificate = errors.New("transport: peer presented no certificate")

// VerifyRelaxed checks the chain the peer presented without any trusted roots.
// Self-signed certificates, certificates from an unknown authority and hostname
// mismatches are accepted: trust is decided per name and certificate by the trust
// store. Any other verification failure (expired, not yet valid, bad key usage,
// unparsable or missing certificate) is returned and aborts the handshake.
func VerifyRelaxed(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrNoPeerCertificate
	}

	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("transport: malformed peer certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         x509.NewCertPool(),
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return tolerate(err)
}

// tolerate drops the verification failures clipbird accepts by policy
func tolerate(err error) error {
	if err == nil {
		return nil
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return nil
	}
	var hostname x509.HostnameError
	if errors.As(err, &hostname) {
		return nil
	}
	return fmt.Errorf("transport: peer certificate rejected: %w", err)
}

// ServerTLSConfig requires a client certificate and verifies it with VerifyRelaxed
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS12,
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: VerifyRelaxed,
	}
}

// ClientTLSConfig presents cert and verifies the server with VerifyRelaxed
func ClientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// Chain and hostname checks are replaced by VerifyRelaxed
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: VerifyRelaxed,
	}
}

// Handshake completes the TLS handshake on conn if it is a TLS connection
func Handshake(ctx context.Context, conn net.Conn) error {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake with %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

// PeerCertificate returns the DER leaf certificate of a completed TLS connection.
// It reports false for connections without transport security.
func PeerCertificate(conn net.Conn) ([]byte, bool, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil, false, nil
	}
	state := tc.ConnectionState()
	if !state.HandshakeComplete {
		return nil, true, errors.New("transport: handshake not complete")
	}
	if len(state.PeerCertificates) == 0 {
		return nil, true, ErrNoPeerCertificate
	}
	return state.PeerCertificates[0].Raw, true, nil
}

// ListenLAN listens for TLS connections. Handshakes run on first use or Handshake.
func ListenLAN(addr string, cert tls.Certificate) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, ServerTLSConfig(cert))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}
