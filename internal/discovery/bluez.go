package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/imdevinc/clipbird/internal/transport"
)

const (
	bluezService       = "org.bluez"
	bluezDevice        = "org.bluez.Device1"
	bluezProfile       = "org.bluez.Profile1"
	bluezProfileMgr    = "org.bluez.ProfileManager1"
	objectManagerIface = "org.freedesktop.DBus.ObjectManager"

	profilePath = dbus.ObjectPath("/org/clipbird/profile")
)

// ErrNoBluez means no BlueZ client is configured
var ErrNoBluez = errors.New("discovery: bluez is not available")

// DBusBluez reads devices from BlueZ over the system bus
type DBusBluez struct {
	conn *dbus.Conn
	// Adapter restricts results to one adapter, e.g. "hci0". Empty means all.
	Adapter string
}

// NewDBusBluez connects to the system bus
func NewDBusBluez(adapter string) (*DBusBluez, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &DBusBluez{conn: conn, Adapter: adapter}, nil
}

// Conn returns the underlying bus connection
func (b *DBusBluez) Conn() *dbus.Conn {
	return b.conn
}

func (b *DBusBluez) Close() error {
	return b.conn.Close()
}

// Devices implements BluezClient
func (b *DBusBluez) Devices(ctx context.Context) ([]BluezDevice, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := b.conn.Object(bluezService, "/").CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0)
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to list bluez objects: %w", err)
	}

	prefix := ""
	if b.Adapter != "" {
		prefix = "/org/bluez/" + b.Adapter + "/"
	}

	var out []BluezDevice
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice]
		if !ok {
			continue
		}
		if prefix != "" && !strings.HasPrefix(string(path), prefix) {
			continue
		}
		out = append(out, deviceFromProps(string(path), props))
	}
	return out, nil
}

func deviceFromProps(path string, props map[string]dbus.Variant) BluezDevice {
	d := BluezDevice{Path: path}
	d.Name, _ = variantValue[string](props, "Alias")
	if d.Name == "" {
		d.Name, _ = variantValue[string](props, "Name")
	}
	d.Address, _ = variantValue[string](props, "Address")
	d.Paired, _ = variantValue[bool](props, "Paired")
	d.Trusted, _ = variantValue[bool](props, "Trusted")
	d.Connected, _ = variantValue[bool](props, "Connected")
	d.UUIDs, _ = variantValue[[]string](props, "UUIDs")
	return d
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// addressFromPath extracts AA:BB:CC:DD:EE:FF from /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

// ProfileListener registers the clipbird RFCOMM profile with BlueZ and accepts
// the connections BlueZ hands over. Registering the profile also publishes the
// service UUID in this host's SDP records.
type ProfileListener struct {
	conn    *dbus.Conn
	channel uint8
	log     *slog.Logger

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// profileHandler is the object exported on the bus as org.bluez.Profile1
type profileHandler struct {
	l *ProfileListener
}

// ListenProfile exports the profile handler and registers it for channel
func ListenProfile(conn *dbus.Conn, name string, channel uint8, logger *slog.Logger) (*ProfileListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ProfileListener{
		conn:    conn,
		channel: channel,
		log:     logger.With("component", "bluetooth-profile"),
		conns:   make(chan net.Conn, 4),
		done:    make(chan struct{}),
	}

	if err := conn.Export(&profileHandler{l: l}, profilePath, bluezProfile); err != nil {
		return nil, fmt.Errorf("failed to export bluetooth profile: %w", err)
	}

	opts := map[string]dbus.Variant{
		"Name":                  dbus.MakeVariant(name),
		"Role":                  dbus.MakeVariant("server"),
		"Channel":               dbus.MakeVariant(uint16(channel)),
		"RequireAuthentication": dbus.MakeVariant(true),
		"RequireAuthorization":  dbus.MakeVariant(true),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	call := conn.Object(bluezService, "/org/bluez").Call(bluezProfileMgr+".RegisterProfile", 0, profilePath, BluetoothServiceUUID, opts)
	if call.Err != nil {
		conn.Export(nil, profilePath, bluezProfile)
		return nil, fmt.Errorf("failed to register bluetooth profile: %w", call.Err)
	}
	l.log.Info("Registered bluetooth profile", "uuid", BluetoothServiceUUID, "channel", channel)
	return l, nil
}

func (h *profileHandler) Release() *dbus.Error {
	h.l.log.Info("BlueZ released the bluetooth profile")
	return nil
}

func (h *profileHandler) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	remote := transport.RFCOMMAddr{BDAddr: addressFromPath(dev), Channel: h.l.channel}
	conn, err := transport.NewRFCOMMConn(int(fd), remote)
	if err != nil {
		h.l.log.Warn("Failed to adopt bluetooth connection", "device", dev, "error", err)
		return dbus.MakeFailedError(err)
	}
	select {
	case h.l.conns <- conn:
		return nil
	case <-h.l.done:
		conn.Close()
		return dbus.MakeFailedError(net.ErrClosed)
	}
}

func (h *profileHandler) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	h.l.log.Debug("BlueZ requested disconnection", "device", dev)
	return nil
}

// Accept implements net.Listener
func (l *ProfileListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close unregisters the profile
func (l *ProfileListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		call := l.conn.Object(bluezService, "/org/bluez").Call(bluezProfileMgr+".UnregisterProfile", 0, profilePath)
		err = call.Err
		l.conn.Export(nil, profilePath, bluezProfile)
	})
	return err
}

// Addr implements net.Listener
func (l *ProfileListener) Addr() net.Addr {
	return transport.RFCOMMAddr{BDAddr: "00:00:00:00:00:00", Channel: l.channel}
}
