package role

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/imdevinc/clipbird/internal/clientserver"
	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/device"
	"github.com/imdevinc/clipbird/internal/discovery"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/packet"
	"github.com/imdevinc/clipbird/internal/session"
	"github.com/imdevinc/clipbird/internal/transport"
	"github.com/imdevinc/clipbird/internal/trust"
	"github.com/imdevinc/clipbird/internal/util"
)

// BrowserFunc builds a discovery browser delivering to sink
type BrowserFunc func(sink discovery.Sink) (discovery.Service, error)

// ClientConfig configures a ClientManager
type ClientConfig struct {
	Browsers []BrowserFunc
	Dialer   transport.Dialer
	Session  session.Config
	// TrustedServers records servers this host has paired with
	TrustedServers trust.Store
	// Reconnect paces re-dials of a server that dropped us. Zero means
	// util.ReconnectConfig.
	Reconnect util.RetryConfig

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ClientManager keeps at most one session to a server. All methods run on the loop.
type ClientManager struct {
	base
	cfg  ClientConfig
	sink Sink

	browsers  []discovery.Service
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	available map[string]*clientserver.ClientServer

	// connecting is the name being dialed, with its cancel func
	connecting       string
	cancelConnecting context.CancelFunc

	server         *session.Session
	serverDev      device.Device
	authenticated  bool
	userDisconnect bool

	// redialName is the trusted server being re-dialed after an unrequested drop
	redialName     string
	redial         *eventloop.Timer
	redialAttempts int
}

// NewClientManager creates a stopped client manager and its browsers
func NewClientManager(loop *eventloop.Loop, cfg ClientConfig, sink Sink) (*ClientManager, error) {
	if sink == nil {
		sink = func(Event) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Reconnect.InitialBackoff <= 0 {
		cfg.Reconnect = util.ReconnectConfig()
	}
	m := &ClientManager{
		base:      newBase("client", loop, cfg.TrustedServers, cfg.Session, logger.With("component", "client-manager"), cfg.Metrics),
		cfg:       cfg,
		sink:      sink,
		available: make(map[string]*clientserver.ClientServer),
	}
	for _, newBrowser := range cfg.Browsers {
		b, err := newBrowser(m.onDiscovery)
		if err != nil {
			return nil, fmt.Errorf("failed to create browser: %w", err)
		}
		m.browsers = append(m.browsers, b)
	}
	return m, nil
}

// Start begins browsing. It fails when there is no certificate material or when
// every browser failed to start.
func (m *ClientManager) Start() error {
	if m.running {
		return nil
	}
	if len(m.session.LocalCertificate) == 0 {
		return transport.ErrNoCertificate
	}
	if m.trust == nil {
		return errors.New("role: client manager needs a trusted servers store")
	}

	m.running = true
	m.ctx, m.cancel = context.WithCancel(m.loop.Context())

	var errs []error
	for _, b := range m.browsers {
		if err := b.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m.browsers) > 0 && len(errs) == len(m.browsers) {
		m.Stop()
		return fmt.Errorf("failed to start discovery: %w", errors.Join(errs...))
	}
	m.LogInfo("Client started", "browsers", len(m.browsers))
	return nil
}

func (m *ClientManager) onDiscovery(ev discovery.Event) {
	if !m.running {
		return
	}
	switch ev := ev.(type) {
	case discovery.ServiceFound:
		m.onServerFound(ev.Device)
	case discovery.ServiceGone:
		cs, ok := m.available[ev.Device.Name]
		if !ok || cs.Device.Kind != ev.Device.Kind {
			return
		}
		delete(m.available, ev.Device.Name)
		if m.redialName == ev.Device.Name {
			m.cancelRedial()
		}
		m.LogInfo("Server gone", "server", ev.Device.Name)
		m.sink(ServerGone{Device: ev.Device})
	case discovery.BrowsingStartFailed:
		m.sink(ClientError{Err: fmt.Errorf("%s discovery failed to start: %w", ev.Kind, ev.Err)})
	case discovery.BrowsingStopFailed:
		m.sink(ClientError{Err: fmt.Errorf("%s discovery failed to stop: %w", ev.Kind, ev.Err)})
	}
}

func (m *ClientManager) onServerFound(dev device.Device) {
	if existing, ok := m.available[dev.Name]; ok {
		// LAN is preferred over Bluetooth for the same server
		if existing.Device.Kind == device.KindLAN || dev.Kind != device.KindLAN {
			return
		}
	}
	m.available[dev.Name] = clientserver.New(dev, m.cfg.Dialer)
	m.LogInfo("Server found", "server", dev.Name, "address", dev.Address())
	m.sink(ServerFound{Device: dev})

	if m.server == nil && m.connecting == "" && m.trust.Has(dev.Name) {
		m.LogInfo("Connecting to trusted server", "server", dev.Name)
		m.connect(m.available[dev.Name])
	}
}

// ConnectToServer connects to a discovered server, replacing any current session
func (m *ClientManager) ConnectToServer(name string) error {
	if !m.running {
		return ErrNotRunning
	}
	cs, ok := m.available[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if m.server != nil && m.serverDev.Name == name {
		return nil
	}
	if m.connecting == name {
		return nil
	}
	// A pending redial survives so a failed connect here still falls back to it
	m.dropServer()
	m.connect(cs)
	return nil
}

func (m *ClientManager) connect(cs *clientserver.ClientServer) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.connecting = cs.Name()
	m.cancelConnecting = cancel

	cs.Connect(ctx, m.loop, m.session, m.onSessionEvent, func(s *session.Session, err error) {
		cancel()
		m.connecting = ""
		m.cancelConnecting = nil
		if err == nil && s.Closed() {
			err = fmt.Errorf("session with %s closed during handshake", cs.Name())
		}
		if err != nil {
			m.LogWarn("Failed to connect to server", "server", cs.Name(), "error", err)
			m.sink(ClientError{Err: err})
			if m.redialName != "" && m.redial == nil {
				m.scheduleRedial()
			}
			return
		}
		m.server = s
		m.serverDev = cs.Device
		m.authenticated = false
		m.userDisconnect = false
		m.LogInfo("Connected to server", "server", cs.Name())
		m.sink(ServerConnected{Device: cs.Device})
	})
}

func (m *ClientManager) onSessionEvent(ev session.Event) {
	s := ev.Source()
	if !m.running || s != m.server {
		return
	}

	switch ev := ev.(type) {
	case *session.AuthenticationReceived:
		if ev.Status != packet.AuthOkay {
			m.LogWarn("Server rejected us", "server", m.serverDev.Name)
			m.cancelRedial()
			m.sink(ServerAuthFailed{Device: m.serverDev, Reason: "rejected by server"})
			return
		}
		m.trustOnFirstUse(s)
	case *session.SyncReceived:
		m.LogReceive("Sync received", "server", m.serverDev.Name, "items", len(ev.Items))
		m.sink(ServerSyncReceived{Device: m.serverDev, Items: ev.Items})
	case *session.TrustChanged:
		if !ev.Trusted && m.authenticated {
			m.LogWarn("Server is no longer trusted", "server", m.serverDev.Name)
		}
	case *session.InvalidRequestReceived:
		m.LogWarn("Server rejected a packet", "code", ev.Code, "message", ev.Message)
	case *session.Errored:
		m.sink(ClientError{Err: ev.Err})
	case *session.Disconnected:
		dev := m.serverDev
		requested := m.userDisconnect
		wasAuthenticated := m.authenticated
		m.server = nil
		m.serverDev = device.Device{}
		m.authenticated = false
		m.userDisconnect = false
		m.LogInfo("Disconnected from server", "server", dev.Name, "requested", requested)
		if !requested && (wasAuthenticated || m.redialName == dev.Name) {
			m.redialName = dev.Name
			if m.redial == nil {
				m.scheduleRedial()
			}
		}
		m.sink(ServerDisconnected{Device: dev, Err: ev.Err, Requested: requested})
	}
}

// trustOnFirstUse records an unknown server and refuses a known name presenting
// a different certificate
func (m *ClientManager) trustOnFirstUse(s *session.Session) {
	name := s.PeerName()
	cert := s.PeerCertificate()

	if name != m.serverDev.Name {
		m.refuse(s, fmt.Sprintf("server identifies as %q", name))
		return
	}
	if m.trust.Has(name) {
		entries, err := m.trust.Get()
		if err != nil || !bytes.Equal(entries[name], cert) {
			m.refuse(s, "certificate mismatch")
			return
		}
	} else if err := m.trust.Add(name, cert); err != nil {
		m.refuse(s, fmt.Sprintf("failed to trust server: %v", err))
		return
	} else {
		m.LogInfo("Trusted new server", "server", name)
	}

	m.authenticated = true
	m.cancelRedial()
	m.sink(ServerAuthenticated{Device: m.serverDev})
}

// scheduleRedial dials redialName again after the next backoff delay, as long
// as it is still advertised and trusted and nothing else is connected
func (m *ClientManager) scheduleRedial() {
	delay := util.CalculateBackoff(m.redialAttempts, m.cfg.Reconnect)
	m.redialAttempts++
	name := m.redialName
	m.LogInfo("Reconnecting to server", "server", name, "delay", delay, "attempt", m.redialAttempts)
	m.redial = m.loop.AfterFunc(delay, func() {
		m.redial = nil
		if !m.running || m.redialName != name || m.server != nil || m.connecting != "" {
			return
		}
		cs, ok := m.available[name]
		if !ok || !m.trust.Has(name) {
			m.cancelRedial()
			return
		}
		m.connect(cs)
	})
}

func (m *ClientManager) cancelRedial() {
	if m.redial != nil {
		m.redial.Stop()
		m.redial = nil
	}
	m.redialName = ""
	m.redialAttempts = 0
}

func (m *ClientManager) refuse(s *session.Session, reason string) {
	m.LogWarn("Refusing server", "server", m.serverDev.Name, "reason", reason)
	m.sink(ServerAuthFailed{Device: m.serverDev, Reason: reason})
	m.cancelRedial()
	m.userDisconnect = true
	s.Disconnect()
}

// DisconnectFromServer closes the current session and cancels a pending connect
func (m *ClientManager) DisconnectFromServer() {
	m.cancelRedial()
	m.dropServer()
}

func (m *ClientManager) dropServer() {
	if m.cancelConnecting != nil {
		m.cancelConnecting()
		m.cancelConnecting = nil
		m.connecting = ""
	}
	if m.server != nil {
		m.userDisconnect = true
		m.server.Disconnect()
	}
}

// Synchronize sends items to the server. It is a no-op without an authenticated,
// trusted session.
func (m *ClientManager) Synchronize(items []content.Item) bool {
	if m.server == nil || !m.authenticated || len(items) == 0 {
		return false
	}
	if err := m.server.SendSync(items); err != nil {
		m.LogDebug("Not synchronizing", "server", m.serverDev.Name, "error", err)
		return false
	}
	m.LogSend("Synchronized clipboard", "server", m.serverDev.Name, "items", len(items))
	return true
}

// AvailableServers returns discovered servers sorted by name
func (m *ClientManager) AvailableServers() []device.Device {
	out := make([]device.Device, 0, len(m.available))
	for _, cs := range m.available {
		out = append(out, cs.Device)
	}
	slices.SortFunc(out, func(a, b device.Device) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

// TrustedAvailableServers is AvailableServers filtered by the trust store
func (m *ClientManager) TrustedAvailableServers() []device.Device {
	var out []device.Device
	for _, d := range m.AvailableServers() {
		if m.trust.Has(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// ConnectedServer returns the server of the authenticated session
func (m *ClientManager) ConnectedServer() (device.Device, bool) {
	if m.server == nil || !m.authenticated {
		return device.Device{}, false
	}
	return m.serverDev, true
}

// Connecting returns the name being dialed, if any
func (m *ClientManager) Connecting() string {
	return m.connecting
}

// HasSession reports whether any server session exists, authenticated or not
func (m *ClientManager) HasSession() bool {
	return m.server != nil
}

// Stop stops browsing, cancels a pending connect and disconnects. No events are
// delivered once Stop returns.
func (m *ClientManager) Stop() error {
	if !m.running {
		return nil
	}
	m.running = false
	m.cancelRedial()

	var errs []error
	for _, b := range m.browsers {
		if err := b.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.cancelConnecting != nil {
		m.cancelConnecting()
		m.cancelConnecting = nil
	}
	m.connecting = ""
	m.cancel()
	if m.server != nil {
		s := m.server
		m.server = nil
		s.Disconnect()
	}
	m.authenticated = false
	clear(m.available)

	m.LogInfo("Client stopped")
	return errors.Join(errs...)
}

// Running reports whether Start has been called without a matching Stop
func (m *ClientManager) Running() bool {
	return m.running
}
