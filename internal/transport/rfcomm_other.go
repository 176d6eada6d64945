//go:build !linux

package transport

import (
	"context"
	"net"
)

// DialRFCOMM is not available on this platform
func DialRFCOMM(ctx context.Context, addr string, channel uint8) (net.Conn, error) {
	return nil, ErrBluetoothUnsupported
}

// ListenRFCOMM is not available on this platform
func ListenRFCOMM(channel uint8) (net.Listener, error) {
	return nil, ErrBluetoothUnsupported
}

// NewRFCOMMConn is not available on this platform
func NewRFCOMMConn(fd int, remote RFCOMMAddr) (net.Conn, error) {
	return nil, ErrBluetoothUnsupported
}
