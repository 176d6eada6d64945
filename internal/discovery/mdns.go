package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/imdevinc/clipbird/internal/device"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/util"
)

const (
	// DefaultRefreshInterval is how often the browser re-queries the network
	DefaultRefreshInterval = 30 * time.Second

	// missedRefreshes is how many query rounds a service may go unanswered
	// before it expires, whatever TTL it advertised
	missedRefreshes = 3

	hostCacheSize = 128
)

// BrowseFunc starts an mDNS browse that feeds entries until ctx is done. It must
// not block.
type BrowseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// LookupFunc resolves a host name. It may block and runs on the worker pool.
// zeroconf fills in addresses from the A/AAAA records of the same response, so
// it is only consulted for entries that arrive with a host name alone.
type LookupFunc func(ctx context.Context, host string) (netip.Addr, error)

// MDNSConfig configures an MDNSBrowser
type MDNSConfig struct {
	// LocalName is this host's device name; services advertising it are ignored
	LocalName       string
	Service         string
	Domain          string
	RefreshInterval time.Duration

	Browse BrowseFunc
	Lookup LookupFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type trackedService struct {
	dev       device.Device
	expiresAt time.Time
}

// MDNSBrowser tracks clipbird servers on the LAN. zeroconf only delivers an
// instance once per query and never reports removal, so the browser re-queries
// every RefreshInterval and expires services that stop answering.
type MDNSBrowser struct {
	loop *eventloop.Loop
	cfg  MDNSConfig
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	hosts *util.Cache[string, netip.Addr]

	running  bool
	gen      uint64
	ctx      context.Context
	cancel   context.CancelFunc
	refresh  *eventloop.Timer
	services map[string]*trackedService
	pending  map[string]context.CancelFunc
}

// NewMDNSBrowser creates a browser. Methods must be called on the loop.
func NewMDNSBrowser(loop *eventloop.Loop, cfg MDNSConfig, sink Sink) (*MDNSBrowser, error) {
	if cfg.Service == "" {
		cfg.Service = ServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = Domain
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Browse == nil {
		cfg.Browse = zeroconfBrowse
	}
	if cfg.Lookup == nil {
		cfg.Lookup = lookupHost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hosts, err := util.NewCache[string, netip.Addr](hostCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create host cache: %w", err)
	}

	return &MDNSBrowser{
		loop:     loop,
		cfg:      cfg,
		sink:     sink,
		log:      cfg.Logger.With("component", "mdns-browser"),
		now:      time.Now,
		hosts:    hosts,
		services: make(map[string]*trackedService),
		pending:  make(map[string]context.CancelFunc),
	}, nil
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("failed to create mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

func lookupHost(ctx context.Context, host string) (netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if a.Is4() {
			return a, nil
		}
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0].Unmap(), nil
}

// Start begins browsing
func (b *MDNSBrowser) Start() error {
	if b.running {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(b.loop.Context())
	b.gen++
	if err := b.query(); err != nil {
		b.cancel()
		b.log.Error("Failed to start mDNS browsing", "error", err)
		b.sink(BrowsingStartFailed{Kind: device.KindLAN, Err: err})
		return err
	}
	b.running = true
	b.refresh = b.loop.Every(b.cfg.RefreshInterval, b.onRefresh)
	b.log.Info("Browsing for servers", "service", b.cfg.Service)
	b.sink(BrowsingStarted{Kind: device.KindLAN})
	return nil
}

// Stop ends browsing, cancels pending resolutions and forgets all services.
// No events are delivered after Stop returns.
func (b *MDNSBrowser) Stop() error {
	if !b.running {
		return nil
	}
	b.running = false
	b.gen++
	b.refresh.Stop()
	b.cancel()
	clear(b.pending)
	clear(b.services)
	b.cfg.Metrics.Discovered(device.KindLAN.String(), 0)
	b.log.Info("Stopped browsing")
	b.sink(BrowsingStopped{Kind: device.KindLAN})
	return nil
}

// query runs one browse round lasting a refresh interval
func (b *MDNSBrowser) query() error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.RefreshInterval)
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := b.cfg.Browse(ctx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		return err
	}

	gen := b.gen
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-entries:
				if !ok {
					return
				}
				b.loop.Post(func() {
					if b.gen == gen {
						b.onEntry(e)
					}
				})
			}
		}
	}()
	return nil
}

func (b *MDNSBrowser) onRefresh() {
	b.sweep()
	if err := b.query(); err != nil {
		b.log.Warn("mDNS query failed", "error", err)
	}
}

// sweep removes services whose records expired
func (b *MDNSBrowser) sweep() {
	now := b.now()
	for name, ts := range b.services {
		if now.After(ts.expiresAt) {
			b.log.Debug("Service expired", "name", name)
			b.RemoveService(name)
		}
	}
}

// expiry is min(TTL, missedRefreshes rounds) from now, and never less than two
// rounds. zeroconf advertises a 3200s TTL and drops goodbye packets, so the TTL
// alone would keep a departed server listed for most of an hour.
func (b *MDNSBrowser) expiry(ttl uint32) time.Time {
	d := time.Duration(ttl) * time.Second
	if limit := missedRefreshes * b.cfg.RefreshInterval; d > limit {
		d = limit
	}
	if floor := 2 * b.cfg.RefreshInterval; d < floor {
		d = floor
	}
	return b.now().Add(d)
}

func (b *MDNSBrowser) onEntry(e *zeroconf.ServiceEntry) {
	if !b.running || e == nil {
		return
	}
	name := UnescapeInstance(e.Instance)
	if name == "" {
		return
	}
	if name == b.cfg.LocalName {
		b.log.Debug("Ignoring our own advertisement", "name", name)
		return
	}
	// Goodbye, from Browse implementations that pass TTL 0 records through
	if e.TTL == 0 {
		b.RemoveService(name)
		return
	}
	if ts, ok := b.services[name]; ok {
		ts.expiresAt = b.expiry(e.TTL)
		return
	}
	if e.Port <= 0 || e.Port > 65535 {
		b.log.Warn("Ignoring service with invalid port", "name", name, "port", e.Port)
		return
	}
	port := uint16(e.Port)

	if addr, ok := entryAddr(e); ok {
		b.add(name, netip.AddrPortFrom(addr, port), e.TTL)
		return
	}
	if addr, ok := b.hosts.Get(e.HostName); ok {
		b.add(name, netip.AddrPortFrom(addr, port), e.TTL)
		return
	}
	b.resolve(name, e.HostName, port, e.TTL)
}

// resolve looks host up on the worker pool. A second record for a name that is
// already resolving is dropped.
func (b *MDNSBrowser) resolve(name, host string, port uint16, ttl uint32) {
	if host == "" {
		b.log.Warn("Service has neither address nor host name", "name", name)
		return
	}
	if _, busy := b.pending[name]; busy {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	b.pending[name] = cancel

	eventloop.Submit(b.loop, ctx, func(ctx context.Context) (netip.Addr, error) {
		return b.cfg.Lookup(ctx, host)
	}, func(addr netip.Addr, err error) {
		cancel()
		if _, ok := b.pending[name]; !ok {
			return
		}
		delete(b.pending, name)
		if err != nil {
			b.log.Warn("Failed to resolve service host", "name", name, "host", host, "error", err)
			return
		}
		b.hosts.Set(host, addr)
		b.add(name, netip.AddrPortFrom(addr, port), ttl)
	})
}

func (b *MDNSBrowser) add(name string, addr netip.AddrPort, ttl uint32) {
	dev := device.Device{Name: name, Addr: addr, Kind: device.KindLAN}
	b.services[name] = &trackedService{dev: dev, expiresAt: b.expiry(ttl)}
	b.cfg.Metrics.Discovered(device.KindLAN.String(), len(b.services))
	b.log.Info("Found server", "name", name, "address", addr)
	b.sink(ServiceFound{Device: dev})
}

// RemoveService forgets name. Removing a service that is not tracked is a no-op.
func (b *MDNSBrowser) RemoveService(name string) {
	if cancel, ok := b.pending[name]; ok {
		cancel()
		delete(b.pending, name)
	}
	ts, ok := b.services[name]
	if !ok {
		return
	}
	delete(b.services, name)
	b.cfg.Metrics.Discovered(device.KindLAN.String(), len(b.services))
	b.log.Info("Server gone", "name", name)
	b.sink(ServiceGone{Device: ts.dev})
}

// Services returns the currently tracked devices
func (b *MDNSBrowser) Services() []device.Device {
	out := make([]device.Device, 0, len(b.services))
	for _, ts := range b.services {
		out = append(out, ts.dev)
	}
	return out
}

func entryAddr(e *zeroconf.ServiceEntry) (netip.Addr, bool) {
	for _, ip := range e.AddrIPv4 {
		if a, ok := netip.AddrFromSlice(ip); ok {
			return a.Unmap(), true
		}
	}
	for _, ip := range e.AddrIPv6 {
		if a, ok := netip.AddrFromSlice(ip); ok {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// ErrNoPort is returned when advertising without a listening port
var ErrNoPort = errors.New("discovery: advertiser needs a port")

// RegisterFunc publishes a service. It returns a function that withdraws it.
type RegisterFunc func(instance, service, domain string, port int, text []string) (shutdown func(), err error)

// MDNSAdvertiser publishes this host as a clipbird server
type MDNSAdvertiser struct {
	Name     string
	Port     int
	Register RegisterFunc
	Logger   *slog.Logger

	shutdown func()
}

func zeroconfRegister(instance, service, domain string, port int, text []string) (func(), error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return server.Shutdown, nil
}

func (a *MDNSAdvertiser) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// Start registers the service. Calling Start while advertising is a no-op.
func (a *MDNSAdvertiser) Start() error {
	if a.shutdown != nil {
		return nil
	}
	if a.Port <= 0 {
		return ErrNoPort
	}
	register := a.Register
	if register == nil {
		register = zeroconfRegister
	}
	shutdown, err := register(a.Name, ServiceType, Domain, a.Port, []string{"version=" + ProtocolVersion})
	if err != nil {
		return fmt.Errorf("failed to advertise %s: %w", a.Name, err)
	}
	a.shutdown = shutdown
	a.logger().Info("Advertising server", "name", a.Name, "port", a.Port)
	return nil
}

// Stop withdraws the service
func (a *MDNSAdvertiser) Stop() error {
	if a.shutdown == nil {
		return nil
	}
	a.shutdown()
	a.shutdown = nil
	a.logger().Info("Stopped advertising", "name", a.Name)
	return nil
}
