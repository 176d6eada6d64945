package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/imdevinc/clipbird/internal/device"
)

// DialTimeout bounds a connect attempt
const DialTimeout = 10 * time.Second

// Dialer opens a connection to a discovered device. Connections returned by LAN
// dialers have completed their TLS handshake.
type Dialer interface {
	Dial(ctx context.Context, dev device.Device) (net.Conn, error)
}

// LANDialer dials TLS over TCP
type LANDialer struct {
	Certificate tls.Certificate
}

func (d *LANDialer) Dial(ctx context.Context, dev device.Device) (net.Conn, error) {
	if !dev.Addr.IsValid() {
		return nil, fmt.Errorf("device %s has no network address", dev.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: 30 * time.Second},
		Config:    ClientTLSConfig(d.Certificate),
	}
	// tls.Dialer completes the handshake before returning
	conn, err := dialer.DialContext(ctx, "tcp", dev.Addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dev, err)
	}
	return conn, nil
}

// BluetoothDialer dials RFCOMM. The connection carries no transport security;
// the session exchanges certificates first.
type BluetoothDialer struct{}

func (BluetoothDialer) Dial(ctx context.Context, dev device.Device) (net.Conn, error) {
	if dev.BluetoothAddr == "" {
		return nil, fmt.Errorf("device %s has no bluetooth address", dev.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()
	return DialRFCOMM(ctx, dev.BluetoothAddr, dev.Channel)
}

// MultiDialer picks LAN or Bluetooth by device kind
type MultiDialer struct {
	LAN       Dialer
	Bluetooth Dialer
}

func (m *MultiDialer) Dial(ctx context.Context, dev device.Device) (net.Conn, error) {
	var d Dialer
	switch dev.Kind {
	case device.KindLAN:
		d = m.LAN
	case device.KindBluetooth:
		d = m.Bluetooth
	}
	if d == nil {
		return nil, fmt.Errorf("no dialer for %s transport", dev.Kind)
	}
	return d.Dial(ctx, dev)
}
