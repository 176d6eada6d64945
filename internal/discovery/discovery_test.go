package discovery

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/grandcat/zeroconf"

	"github.com/imdevinc/clipbird/internal/device"
	"github.com/imdevinc/clipbird/internal/eventloop"
)

const waitTimeout = 5 * time.Second

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(eventloop.Options{Workers: 2})
	l.Start()
	t.Cleanup(func() {
		l.Stop()
		l.Wait()
	})
	return l
}

func onLoop(t *testing.T, l *eventloop.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := l.Do(ctx, fn); err != nil {
		t.Fatalf("Do() error: %v", err)
	}
}

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 256)}
}

func (r *recorder) sink(ev Event) {
	r.events <- ev
}

func waitFor[T Event](t *testing.T, r *recorder) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.events:
			if e, ok := ev.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("Timed out waiting for %T", zero)
			return zero
		}
	}
}

// expectQuiet drains the loop and fails on any ServiceFound or ServiceGone
func expectQuiet(t *testing.T, l *eventloop.Loop, r *recorder) {
	t.Helper()
	onLoop(t, l, func() {})
	for len(r.events) > 0 {
		switch ev := (<-r.events).(type) {
		case ServiceFound:
			t.Errorf("Unexpected ServiceFound(%s)", ev.Device.Name)
		case ServiceGone:
			t.Errorf("Unexpected ServiceGone(%s)", ev.Device.Name)
		}
	}
}

func TestUnescapeInstance(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"desktop", "desktop"},
		{`Living\032Room`, "Living Room"},
		{`a\.b`, "a.b"},
		{`back\\slash`, `back\slash`},
		{`caf\195\169`, "café"},
		{`trailing\`, `trailing\`},
		{`\999x`, "999x"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := UnescapeInstance(tt.raw); got != tt.want {
				t.Errorf("UnescapeInstance(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

// fakeMDNS hands every browse round's entry channel to the test
type fakeMDNS struct {
	rounds  chan chan<- *zeroconf.ServiceEntry
	fail    error
	lookups atomic.Int32
	block   bool
}

func newFakeMDNS() *fakeMDNS {
	return &fakeMDNS{rounds: make(chan chan<- *zeroconf.ServiceEntry, 8)}
}

func (f *fakeMDNS) browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	if f.fail != nil {
		return f.fail
	}
	f.rounds <- entries
	return nil
}

func (f *fakeMDNS) lookup(ctx context.Context, host string) (netip.Addr, error) {
	f.lookups.Add(1)
	if f.block {
		<-ctx.Done()
		return netip.Addr{}, ctx.Err()
	}
	if host == "unknown.local." {
		return netip.Addr{}, errors.New("no such host")
	}
	return netip.MustParseAddr("192.168.1.50"), nil
}

func (f *fakeMDNS) round(t *testing.T) chan<- *zeroconf.ServiceEntry {
	t.Helper()
	select {
	case ch := <-f.rounds:
		return ch
	case <-time.After(waitTimeout):
		t.Fatal("No browse round started")
		return nil
	}
}

func entry(instance string, port int, ip string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, ServiceType, Domain)
	e.Port = port
	e.TTL = 120
	e.HostName = instance + ".local."
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

func newTestBrowser(t *testing.T, f *fakeMDNS) (*eventloop.Loop, *MDNSBrowser, *recorder) {
	t.Helper()
	loop := startLoop(t)
	rec := newRecorder()
	b, err := NewMDNSBrowser(loop, MDNSConfig{
		LocalName:       "me",
		RefreshInterval: time.Hour,
		Browse:          f.browse,
		Lookup:          f.lookup,
	}, rec.sink)
	if err != nil {
		t.Fatalf("NewMDNSBrowser() error: %v", err)
	}
	var startErr error
	onLoop(t, loop, func() { startErr = b.Start() })
	if startErr != nil {
		t.Fatalf("Start() error: %v", startErr)
	}
	waitFor[BrowsingStarted](t, rec)
	return loop, b, rec
}

func TestMDNSBrowserFindsServices(t *testing.T) {
	f := newFakeMDNS()
	loop, b, rec := newTestBrowser(t, f)
	entries := f.round(t)

	entries <- entry("me", 4000, "192.168.1.2")
	entries <- entry(`Living\032Room`, 4001, "192.168.1.3")

	found := waitFor[ServiceFound](t, rec)
	if found.Device.Name != "Living Room" {
		t.Errorf("Found %q, want the unescaped name", found.Device.Name)
	}
	want := netip.MustParseAddrPort("192.168.1.3:4001")
	if found.Device.Addr != want || found.Device.Kind != device.KindLAN {
		t.Errorf("Found device %v, want %v on LAN", found.Device.Addr, want)
	}

	// Re-announcement of the same instance is not a new service
	entries <- entry(`Living\032Room`, 4001, "192.168.1.3")
	expectQuiet(t, loop, rec)

	var services []device.Device
	onLoop(t, loop, func() { services = b.Services() })
	if len(services) != 1 {
		t.Errorf("Services() = %v, want only the remote host", services)
	}
}

func TestMDNSBrowserGoodbyeAndRemove(t *testing.T) {
	f := newFakeMDNS()
	loop, b, rec := newTestBrowser(t, f)
	entries := f.round(t)

	entries <- entry("desktop", 4000, "10.0.0.2")
	waitFor[ServiceFound](t, rec)

	bye := entry("desktop", 4000, "10.0.0.2")
	bye.TTL = 0
	entries <- bye
	if gone := waitFor[ServiceGone](t, rec); gone.Device.Name != "desktop" {
		t.Errorf("ServiceGone(%s), want desktop", gone.Device.Name)
	}

	onLoop(t, loop, func() { b.RemoveService("desktop") })
	onLoop(t, loop, func() { b.RemoveService("never-seen") })
	expectQuiet(t, loop, rec)
}

func TestMDNSBrowserResolvesHostNames(t *testing.T) {
	f := newFakeMDNS()
	_, _, rec := newTestBrowser(t, f)
	entries := f.round(t)

	first := entry("laptop", 4000, "")
	first.HostName = "shared.local."
	entries <- first
	found := waitFor[ServiceFound](t, rec)
	if found.Device.Addr != netip.MustParseAddrPort("192.168.1.50:4000") {
		t.Errorf("Resolved address = %v", found.Device.Addr)
	}

	second := entry("tablet", 4002, "")
	second.HostName = "shared.local."
	entries <- second
	waitFor[ServiceFound](t, rec)

	if n := f.lookups.Load(); n != 1 {
		t.Errorf("Lookup called %d times, want 1 (host name cached)", n)
	}
}

func TestMDNSBrowserResolveFailureIsSkipped(t *testing.T) {
	f := newFakeMDNS()
	loop, _, rec := newTestBrowser(t, f)
	entries := f.round(t)

	e := entry("ghost", 4000, "")
	e.HostName = "unknown.local."
	entries <- e

	deadline := time.Now().Add(waitTimeout)
	for f.lookups.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	expectQuiet(t, loop, rec)
}

func TestMDNSBrowserStopCancelsResolution(t *testing.T) {
	f := newFakeMDNS()
	f.block = true
	loop, b, rec := newTestBrowser(t, f)
	entries := f.round(t)

	e := entry("slow", 4000, "")
	entries <- e

	deadline := time.Now().Add(waitTimeout)
	for f.lookups.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	onLoop(t, loop, func() { b.Stop() })
	waitFor[BrowsingStopped](t, rec)

	// Entries from the old round are ignored too
	select {
	case entries <- entry("late", 4000, "10.0.0.9"):
	default:
	}
	expectQuiet(t, loop, rec)
}

func TestMDNSBrowserSweepExpires(t *testing.T) {
	f := newFakeMDNS()
	loop, b, rec := newTestBrowser(t, f)
	entries := f.round(t)

	entries <- entry("desktop", 4000, "10.0.0.2")
	waitFor[ServiceFound](t, rec)

	onLoop(t, loop, func() {
		b.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
		b.sweep()
	})
	waitFor[ServiceGone](t, rec)
}

// newClockedBrowser starts a browser with a 10 minute refresh whose clock the
// test sets by hand on the loop
func newClockedBrowser(t *testing.T) (*eventloop.Loop, *MDNSBrowser, *recorder, *time.Time) {
	t.Helper()
	f := newFakeMDNS()
	loop := startLoop(t)
	rec := newRecorder()
	b, err := NewMDNSBrowser(loop, MDNSConfig{
		RefreshInterval: 10 * time.Minute,
		Browse:          f.browse,
		Lookup:          f.lookup,
	}, rec.sink)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	onLoop(t, loop, func() {
		b.now = func() time.Time { return now }
		if err := b.Start(); err != nil {
			t.Errorf("Start() error: %v", err)
		}
	})
	f.round(t)
	waitFor[BrowsingStarted](t, rec)
	return loop, b, rec, &now
}

// zeroconf.Register advertises a 3200s TTL
func longTTLEntry() *zeroconf.ServiceEntry {
	e := entry("desktop", 4000, "10.0.0.2")
	e.TTL = 3200
	return e
}

func TestMDNSBrowserExpiresLongTTLAfterMissedRounds(t *testing.T) {
	loop, b, rec, now := newClockedBrowser(t)
	base := *now
	onLoop(t, loop, func() { b.onEntry(longTTLEntry()) })
	waitFor[ServiceFound](t, rec)

	tests := []struct {
		name    string
		elapsed time.Duration
		gone    bool
	}{
		{"one round unanswered", 11 * time.Minute, false},
		{"just under three rounds", 29 * time.Minute, false},
		{"three rounds unanswered", 31 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			onLoop(t, loop, func() {
				*now = base.Add(tt.elapsed)
				b.sweep()
			})
			if tt.gone {
				waitFor[ServiceGone](t, rec)
				return
			}
			expectQuiet(t, loop, rec)
		})
	}
}

func TestMDNSBrowserAnswerExtendsExpiry(t *testing.T) {
	loop, b, rec, now := newClockedBrowser(t)
	base := *now
	onLoop(t, loop, func() { b.onEntry(longTTLEntry()) })
	waitFor[ServiceFound](t, rec)

	onLoop(t, loop, func() {
		*now = base.Add(20 * time.Minute)
		b.onEntry(longTTLEntry())
		*now = base.Add(45 * time.Minute)
		b.sweep()
	})
	expectQuiet(t, loop, rec)

	onLoop(t, loop, func() {
		*now = base.Add(51 * time.Minute)
		b.sweep()
	})
	waitFor[ServiceGone](t, rec)
}

func TestMDNSBrowserStartFailure(t *testing.T) {
	f := newFakeMDNS()
	f.fail = errors.New("no multicast")
	loop := startLoop(t)
	rec := newRecorder()
	b, err := NewMDNSBrowser(loop, MDNSConfig{Browse: f.browse, Lookup: f.lookup}, rec.sink)
	if err != nil {
		t.Fatal(err)
	}

	var startErr error
	onLoop(t, loop, func() { startErr = b.Start() })
	if !errors.Is(startErr, f.fail) {
		t.Errorf("Start() = %v, want %v", startErr, f.fail)
	}
	failed := waitFor[BrowsingStartFailed](t, rec)
	if failed.Kind != device.KindLAN {
		t.Errorf("BrowsingStartFailed kind = %s", failed.Kind)
	}
}

func TestMDNSAdvertiser(t *testing.T) {
	var (
		registered []string
		shutdowns  int
	)
	a := &MDNSAdvertiser{
		Name: "desktop",
		Port: 4000,
		Register: func(instance, service, domain string, port int, text []string) (func(), error) {
			registered = append(registered, instance)
			if service != ServiceType || port != 4000 || len(text) != 1 || text[0] != "version=1" {
				t.Errorf("Register(%s, %s, %d, %v)", instance, service, port, text)
			}
			return func() { shutdowns++ }, nil
		},
	}

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if len(registered) != 1 {
		t.Errorf("Registered %d times, want 1", len(registered))
	}
	a.Stop()
	a.Stop()
	if shutdowns != 1 {
		t.Errorf("Shutdown called %d times, want 1", shutdowns)
	}

	if err := (&MDNSAdvertiser{Name: "x"}).Start(); !errors.Is(err, ErrNoPort) {
		t.Errorf("Start() without port = %v, want ErrNoPort", err)
	}
}

// fakeBluez serves a device list the test can change between scans
type fakeBluez struct {
	mu      sync.Mutex
	devices []BluezDevice
	err     error
	scans   atomic.Int32
}

func (f *fakeBluez) set(devices ...BluezDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeBluez) Devices(ctx context.Context) ([]BluezDevice, error) {
	f.scans.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BluezDevice(nil), f.devices...), f.err
}

func btDevice(name, addr string, paired, trusted, connected bool) BluezDevice {
	return BluezDevice{
		Name: name, Address: addr,
		Paired: paired, Trusted: trusted, Connected: connected,
		UUIDs: []string{"0000110a-0000-1000-8000-00805f9b34fb", "5A1B7E2C-6C3F-4B8E-9D4A-C11B0B1D5EED"},
	}
}

func TestBluetoothBrowserEligibility(t *testing.T) {
	tests := []struct {
		name string
		mode BluetoothMode
		dev  BluezDevice
		want bool
	}{
		{"sdp paired trusted", ModeSDP, btDevice("phone", "AA:BB:CC:DD:EE:01", true, true, false), true},
		{"sdp not paired", ModeSDP, btDevice("phone", "AA:BB:CC:DD:EE:01", false, true, false), false},
		{"sdp not authorized", ModeSDP, btDevice("phone", "AA:BB:CC:DD:EE:01", true, false, true), false},
		{"sdp without service", ModeSDP, BluezDevice{Name: "mouse", Address: "AA:BB:CC:DD:EE:02", Paired: true, Trusted: true}, false},
		{"connection requires connected", ModeConnection, btDevice("phone", "AA:BB:CC:DD:EE:01", true, true, false), false},
		{"connection connected", ModeConnection, btDevice("phone", "AA:BB:CC:DD:EE:01", true, true, true), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBluetoothBrowser(nil, nil, BluetoothConfig{Mode: tt.mode}, nil)
			if got := b.eligible(tt.dev); got != tt.want {
				t.Errorf("eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBluetoothBrowserScans(t *testing.T) {
	loop := startLoop(t)
	rec := newRecorder()
	bluez := &fakeBluez{}
	bluez.set(
		btDevice("phone", "AA:BB:CC:DD:EE:01", true, true, false),
		btDevice("phone", "AA:BB:CC:DD:EE:09", true, true, false),
		btDevice("stranger", "AA:BB:CC:DD:EE:02", false, false, false),
	)

	b := NewBluetoothScanner(loop, bluez, BluetoothConfig{ScanInterval: 20 * time.Millisecond, Channel: 22}, rec.sink)
	onLoop(t, loop, func() {
		if err := b.Start(); err != nil {
			t.Errorf("Start() error: %v", err)
		}
	})

	found := waitFor[ServiceFound](t, rec)
	if found.Device.Name != "phone" || found.Device.Kind != device.KindBluetooth || found.Device.Channel != 22 {
		t.Errorf("Found %+v", found.Device)
	}

	// Let a few re-scans run; the duplicate name must never surface
	deadline := time.Now().Add(waitTimeout)
	for bluez.scans.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	expectQuiet(t, loop, rec)

	bluez.set()
	if gone := waitFor[ServiceGone](t, rec); gone.Device.Name != "phone" {
		t.Errorf("ServiceGone(%s)", gone.Device.Name)
	}

	onLoop(t, loop, func() { b.Stop() })
	waitFor[BrowsingStopped](t, rec)
	scans := bluez.scans.Load()
	time.Sleep(80 * time.Millisecond)
	if bluez.scans.Load() > scans+1 {
		t.Error("Scans continued after Stop")
	}
}

func TestBluetoothBrowserWithoutBluez(t *testing.T) {
	loop := startLoop(t)
	rec := newRecorder()
	b := NewConnectionBrowser(loop, nil, BluetoothConfig{}, rec.sink)

	var err error
	onLoop(t, loop, func() { err = b.Start() })
	if !errors.Is(err, ErrNoBluez) {
		t.Errorf("Start() = %v, want ErrNoBluez", err)
	}
	waitFor[BrowsingStartFailed](t, rec)
}

func TestDeviceFromProps(t *testing.T) {
	props := map[string]dbus.Variant{
		"Alias":   dbus.MakeVariant("Pixel"),
		"Name":    dbus.MakeVariant("Pixel 8"),
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Paired":  dbus.MakeVariant(true),
		"Trusted": dbus.MakeVariant(true),
		"UUIDs":   dbus.MakeVariant([]string{BluetoothServiceUUID}),
	}
	d := deviceFromProps("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", props)
	if d.Name != "Pixel" || d.Address != "AA:BB:CC:DD:EE:FF" || !d.Paired || !d.Trusted || d.Connected {
		t.Errorf("deviceFromProps() = %+v", d)
	}
	if !d.advertises(BluetoothServiceUUID) {
		t.Error("advertises() = false")
	}

	if got := addressFromPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"); got != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("addressFromPath() = %q", got)
	}
	if got := addressFromPath("/org/bluez/hci0"); got != "" {
		t.Errorf("addressFromPath(adapter) = %q", got)
	}
}
