// Package clientserver pairs a discovered server with the means to open a
// session to it.
package clientserver

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/imdevinc/clipbird/internal/device"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/session"
	"github.com/imdevinc/clipbird/internal/transport"
)

// ClientServer is a discovered server this host has not connected to yet
type ClientServer struct {
	Device device.Device
	Dialer transport.Dialer
}

// New creates a ClientServer for dev
func New(dev device.Device, dialer transport.Dialer) *ClientServer {
	return &ClientServer{Device: dev, Dialer: dialer}
}

func (c *ClientServer) Name() string {
	return c.Device.Name
}

// Connect dials on the worker pool and calls done on the loop with a started
// client session. When ctx is cancelled first, done is never called and a
// connection that completes late is closed.
func (c *ClientServer) Connect(ctx context.Context, loop *eventloop.Loop, cfg session.Config, sink session.Sink, done func(*session.Session, error)) {
	if c.Dialer == nil {
		loop.Post(func() { done(nil, fmt.Errorf("no dialer for %s", c.Device)) })
		return
	}
	cfg.Role = session.RoleClient

	var claimed atomic.Bool
	eventloop.Submit(loop, ctx, func(wctx context.Context) (net.Conn, error) {
		conn, err := c.Dialer.Dial(wctx, c.Device)
		if err != nil {
			return nil, err
		}
		context.AfterFunc(ctx, func() {
			if claimed.CompareAndSwap(false, true) {
				conn.Close()
			}
		})
		return conn, nil
	}, func(conn net.Conn, err error) {
		if err != nil {
			done(nil, err)
			return
		}
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		s := session.New(loop, conn, cfg, sink)
		if err := s.Start(); err != nil {
			conn.Close()
			done(nil, fmt.Errorf("failed to start session with %s: %w", c.Device.Name, err))
			return
		}
		done(s, nil)
	})
}

func (c *ClientServer) String() string {
	return c.Device.String()
}
