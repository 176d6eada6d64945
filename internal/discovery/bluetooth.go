package discovery

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/imdevinc/clipbird/internal/device"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
)

// DefaultScanInterval is the Bluetooth re-scan period
const DefaultScanInterval = 10 * time.Second

// BluezDevice is the subset of org.bluez.Device1 discovery looks at
type BluezDevice struct {
	Path      string
	Name      string
	Address   string
	Paired    bool
	Trusted   bool
	Connected bool
	UUIDs     []string
}

// advertises reports whether the device's SDP records include uuid
func (d BluezDevice) advertises(uuid string) bool {
	return slices.ContainsFunc(d.UUIDs, func(u string) bool {
		return strings.EqualFold(u, uuid)
	})
}

// BluezClient lists the devices BlueZ knows about. Devices may block and runs on
// the worker pool.
type BluezClient interface {
	Devices(ctx context.Context) ([]BluezDevice, error)
}

// BluetoothMode selects which devices a BluetoothBrowser surfaces
type BluetoothMode int

const (
	// ModeSDP surfaces paired, trusted devices advertising the service
	ModeSDP BluetoothMode = iota
	// ModeConnection additionally requires the device to be connected
	ModeConnection
)

func (m BluetoothMode) String() string {
	if m == ModeConnection {
		return "connection"
	}
	return "sdp"
}

// BluetoothConfig configures a BluetoothBrowser
type BluetoothConfig struct {
	Mode         BluetoothMode
	ScanInterval time.Duration
	// Channel is the RFCOMM channel clipbird servers listen on
	Channel uint8
	UUID    string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// BluetoothBrowser periodically scans BlueZ for clipbird servers. A device is
// only surfaced once the OS reports it paired and authorized, whatever it
// advertises. Devices are keyed by name, so re-announcements are suppressed.
type BluetoothBrowser struct {
	loop   *eventloop.Loop
	client BluezClient
	cfg    BluetoothConfig
	sink   Sink
	log    *slog.Logger

	running  bool
	scanning bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *eventloop.Timer
	devices  map[string]device.Device
}

// NewBluetoothScanner creates an SDP-variant browser
func NewBluetoothScanner(loop *eventloop.Loop, client BluezClient, cfg BluetoothConfig, sink Sink) *BluetoothBrowser {
	cfg.Mode = ModeSDP
	return newBluetoothBrowser(loop, client, cfg, sink)
}

// NewConnectionBrowser creates a browser that only surfaces connected devices
func NewConnectionBrowser(loop *eventloop.Loop, client BluezClient, cfg BluetoothConfig, sink Sink) *BluetoothBrowser {
	cfg.Mode = ModeConnection
	return newBluetoothBrowser(loop, client, cfg, sink)
}

func newBluetoothBrowser(loop *eventloop.Loop, client BluezClient, cfg BluetoothConfig, sink Sink) *BluetoothBrowser {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.UUID == "" {
		cfg.UUID = BluetoothServiceUUID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BluetoothBrowser{
		loop:    loop,
		client:  client,
		cfg:     cfg,
		sink:    sink,
		log:     cfg.Logger.With("component", "bluetooth-browser", "mode", cfg.Mode.String()),
		devices: make(map[string]device.Device),
	}
}

// Start runs a scan immediately and then every ScanInterval
func (b *BluetoothBrowser) Start() error {
	if b.running {
		return nil
	}
	if b.client == nil {
		err := ErrNoBluez
		b.sink(BrowsingStartFailed{Kind: device.KindBluetooth, Err: err})
		return err
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(b.loop.Context())
	b.timer = b.loop.Every(b.cfg.ScanInterval, b.scan)
	b.log.Info("Browsing for bluetooth servers", "interval", b.cfg.ScanInterval)
	b.sink(BrowsingStarted{Kind: device.KindBluetooth})
	b.scan()
	return nil
}

// Stop cancels any running scan and forgets all devices
func (b *BluetoothBrowser) Stop() error {
	if !b.running {
		return nil
	}
	b.running = false
	b.scanning = false
	b.timer.Stop()
	b.cancel()
	clear(b.devices)
	b.cfg.Metrics.Discovered(device.KindBluetooth.String(), 0)
	b.log.Info("Stopped bluetooth browsing")
	b.sink(BrowsingStopped{Kind: device.KindBluetooth})
	return nil
}

func (b *BluetoothBrowser) scan() {
	if !b.running || b.scanning {
		return
	}
	b.scanning = true
	eventloop.Submit(b.loop, b.ctx, b.client.Devices, b.onScan)
}

func (b *BluetoothBrowser) onScan(found []BluezDevice, err error) {
	b.scanning = false
	if !b.running {
		return
	}
	if err != nil {
		b.log.Warn("Bluetooth scan failed", "error", err)
		return
	}

	seen := make(map[string]device.Device)
	for _, d := range found {
		if !b.eligible(d) {
			continue
		}
		if _, dup := seen[d.Name]; dup {
			continue
		}
		seen[d.Name] = device.Device{
			Name:          d.Name,
			BluetoothAddr: d.Address,
			Channel:       b.cfg.Channel,
			Kind:          device.KindBluetooth,
		}
	}

	for name, dev := range b.devices {
		if _, ok := seen[name]; !ok {
			delete(b.devices, name)
			b.log.Info("Bluetooth server gone", "name", name)
			b.sink(ServiceGone{Device: dev})
		}
	}
	for name, dev := range seen {
		if _, ok := b.devices[name]; ok {
			continue
		}
		b.devices[name] = dev
		b.log.Info("Found bluetooth server", "name", name, "address", dev.BluetoothAddr)
		b.sink(ServiceFound{Device: dev})
	}
	b.cfg.Metrics.Discovered(device.KindBluetooth.String(), len(b.devices))
}

func (b *BluetoothBrowser) eligible(d BluezDevice) bool {
	if d.Name == "" || d.Address == "" {
		return false
	}
	if !d.Paired || !d.Trusted {
		return false
	}
	if b.cfg.Mode == ModeConnection && !d.Connected {
		return false
	}
	return d.advertises(b.cfg.UUID)
}

// Devices returns the currently surfaced devices
func (b *BluetoothBrowser) Devices() []device.Device {
	out := make([]device.Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out
}
