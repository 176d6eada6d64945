//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const rfcommBacklog = 4

// DialRFCOMM connects to channel on the Bluetooth device addr
func DialRFCOMM(ctx context.Context, addr string, channel uint8) (net.Conn, error) {
	bd, err := parseBDAddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_BLUETOOTH): %w", err)
	}

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: bd, Channel: channel})
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("connect(rfcomm %s/%d): %w", addr, channel, err)
	}

	remote := RFCOMMAddr{BDAddr: addr, Channel: channel}
	f := os.NewFile(uintptr(fd), "rfcomm:"+remote.String())
	if err := waitConnected(ctx, f); err != nil {
		f.Close()
		return nil, fmt.Errorf("connect(rfcomm %s): %w", remote, err)
	}
	return newRFCOMMConn(f, fd, remote), nil
}

// waitConnected waits for a non-blocking connect to finish
func waitConnected(ctx context.Context, f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		f.SetWriteDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { f.SetWriteDeadline(time.Unix(1, 0)) })
	defer stop()

	var connectErr error
	first := true
	err = rc.Write(func(fd uintptr) bool {
		if first {
			first = false
			return false
		}
		n, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			connectErr = err
		} else if n != 0 {
			connectErr = unix.Errno(n)
		}
		return true
	})
	f.SetWriteDeadline(time.Time{})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return connectErr
}

// ListenRFCOMM listens on channel on every local adapter
func ListenRFCOMM(channel uint8) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_BLUETOOTH): %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: channel}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind(rfcomm channel %d): %w", channel, err)
	}
	if err := unix.Listen(fd, rfcommBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen(rfcomm channel %d): %w", channel, err)
	}
	local := RFCOMMAddr{BDAddr: "00:00:00:00:00:00", Channel: channel}
	return &rfcommListener{f: os.NewFile(uintptr(fd), "rfcomm-listener"), addr: local}, nil
}

// NewRFCOMMConn adopts a connected RFCOMM socket, such as one handed over by
// BlueZ. The descriptor is owned by the returned connection.
func NewRFCOMMConn(fd int, remote RFCOMMAddr) (net.Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}
	f := os.NewFile(uintptr(fd), "rfcomm:"+remote.String())
	return newRFCOMMConn(f, fd, remote), nil
}

type rfcommListener struct {
	f    *os.File
	addr RFCOMMAddr
}

func (l *rfcommListener) Accept() (net.Conn, error) {
	rc, err := l.f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		nfd       int
		sa        unix.Sockaddr
		acceptErr error
	)
	err = rc.Read(func(fd uintptr) bool {
		nfd, sa, acceptErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return !errors.Is(acceptErr, unix.EAGAIN)
	})
	if err != nil {
		return nil, err
	}
	if acceptErr != nil {
		return nil, fmt.Errorf("accept(rfcomm): %w", acceptErr)
	}

	remote := RFCOMMAddr{}
	if rsa, ok := sa.(*unix.SockaddrRFCOMM); ok {
		remote = RFCOMMAddr{BDAddr: formatBDAddr(rsa.Addr), Channel: rsa.Channel}
	}
	f := os.NewFile(uintptr(nfd), "rfcomm:"+remote.String())
	return newRFCOMMConn(f, nfd, remote), nil
}

func (l *rfcommListener) Close() error {
	return l.f.Close()
}

func (l *rfcommListener) Addr() net.Addr {
	return l.addr
}

// rfcommConn is a net.Conn over a stream socket the net package cannot wrap
type rfcommConn struct {
	f      *os.File
	local  RFCOMMAddr
	remote RFCOMMAddr
}

func newRFCOMMConn(f *os.File, fd int, remote RFCOMMAddr) *rfcommConn {
	local := RFCOMMAddr{}
	if sa, err := unix.Getsockname(fd); err == nil {
		if lsa, ok := sa.(*unix.SockaddrRFCOMM); ok {
			local = RFCOMMAddr{BDAddr: formatBDAddr(lsa.Addr), Channel: lsa.Channel}
		}
	}
	return &rfcommConn{f: f, local: local, remote: remote}
}

func (c *rfcommConn) Read(b []byte) (int, error)         { return c.f.Read(b) }
func (c *rfcommConn) Write(b []byte) (int, error)        { return c.f.Write(b) }
func (c *rfcommConn) Close() error                       { return c.f.Close() }
func (c *rfcommConn) LocalAddr() net.Addr                { return c.local }
func (c *rfcommConn) RemoteAddr() net.Addr               { return c.remote }
func (c *rfcommConn) SetDeadline(t time.Time) error      { return c.f.SetDeadline(t) }
func (c *rfcommConn) SetReadDeadline(t time.Time) error  { return c.f.SetReadDeadline(t) }
func (c *rfcommConn) SetWriteDeadline(t time.Time) error { return c.f.SetWriteDeadline(t) }
