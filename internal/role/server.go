package role

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/discovery"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/packet"
	"github.com/imdevinc/clipbird/internal/session"
	"github.com/imdevinc/clipbird/internal/transport"
	"github.com/imdevinc/clipbird/internal/trust"
)

// ServerConfig configures a ServerManager
type ServerConfig struct {
	Listeners   []ListenFunc
	Advertisers []discovery.Service
	// Session carries the local certificate and keep-alive settings
	Session session.Config
	// TrustedClients is consulted for every incoming client
	TrustedClients trust.Store

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ServerManager accepts client sessions. All methods run on the loop.
type ServerManager struct {
	base
	cfg  ServerConfig
	sink Sink

	running   bool
	gen       uint64
	listeners []net.Listener
	sessions  map[*session.Session]bool // value: ClientConnected was emitted
	pending   map[string]*session.Session
}

// NewServerManager creates a stopped server manager
func NewServerManager(loop *eventloop.Loop, cfg ServerConfig, sink Sink) *ServerManager {
	if sink == nil {
		sink = func(Event) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerManager{
		base:     newBase("server", loop, cfg.TrustedClients, cfg.Session, logger.With("component", "server-manager"), cfg.Metrics),
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[*session.Session]bool),
		pending:  make(map[string]*session.Session),
	}
}

// Start opens the listeners and starts advertising. It fails fast when there is
// no certificate material.
func (m *ServerManager) Start() error {
	if m.running {
		return nil
	}
	if len(m.session.LocalCertificate) == 0 {
		return transport.ErrNoCertificate
	}
	if m.trust == nil {
		return errors.New("role: server manager needs a trusted clients store")
	}

	var listeners []net.Listener
	for _, listen := range m.cfg.Listeners {
		ln, err := listen()
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("failed to start server: %w", err)
		}
		listeners = append(listeners, ln)
	}

	m.running = true
	m.gen++
	m.listeners = listeners
	for _, ln := range listeners {
		m.LogInfo("Listening", "address", ln.Addr().String())
		go m.acceptLoop(ln, m.gen)
	}

	for _, adv := range m.cfg.Advertisers {
		if err := adv.Start(); err != nil {
			m.LogWarn("Advertiser failed to start", "error", err)
			m.sink(ServerError{Err: err})
		}
	}
	m.LogInfo("Server started")
	return nil
}

func (m *ServerManager) acceptLoop(ln net.Listener, gen uint64) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.loop.Post(func() {
					if m.running && m.gen == gen {
						m.LogWarn("Accept failed", "error", err)
						m.sink(ServerError{Err: err})
					}
				})
			}
			return
		}
		go m.handshake(conn, gen)
	}
}

// handshake completes TLS off the loop and hands the connection over
func (m *ServerManager) handshake(conn net.Conn, gen uint64) {
	if err := transport.Handshake(m.loop.Context(), conn); err != nil {
		m.LogDebug("Rejected connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	if !m.loop.Post(func() { m.onConn(conn, gen) }) {
		conn.Close()
	}
}

func (m *ServerManager) onConn(conn net.Conn, gen uint64) {
	if !m.running || m.gen != gen {
		conn.Close()
		return
	}
	cfg := m.session
	cfg.Role = session.RoleServer
	s := session.New(m.loop, conn, cfg, m.onSessionEvent)
	m.sessions[s] = false
	if err := s.Start(); err != nil {
		delete(m.sessions, s)
		conn.Close()
		m.LogError("Failed to start client session", "error", err)
		m.sink(ServerError{Err: err})
	}
}

func (m *ServerManager) onSessionEvent(ev session.Event) {
	if !m.running {
		return
	}
	s := ev.Source()
	if _, ok := m.sessions[s]; !ok {
		return
	}

	switch ev := ev.(type) {
	case *session.StateChanged:
		switch ev.State {
		case session.StateAuthenticating:
			m.authenticate(s)
		case session.StateActive:
			m.sessions[s] = true
			m.LogInfo("Client connected", "client", s.PeerName())
			m.sink(ClientConnected{Name: s.PeerName()})
		}
	case *session.TrustChanged:
		m.sink(ClientTrustChanged{Name: s.PeerName(), Trusted: ev.Trusted})
		if ev.Trusted && m.pending[s.PeerName()] == s {
			// Trusted from elsewhere, e.g. the trust command
			delete(m.pending, s.PeerName())
			m.accept(s)
		}
	case *session.SyncReceived:
		m.LogReceive("Sync received", "client", s.PeerName(), "items", len(ev.Items))
		m.sink(ClientSyncReceived{Name: s.PeerName(), Items: ev.Items})
	case *session.InvalidRequestReceived:
		m.LogWarn("Client rejected a packet", "client", s.PeerName(), "code", ev.Code, "message", ev.Message)
	case *session.Errored:
		m.sink(ServerError{Name: s.PeerName(), Err: ev.Err})
	case *session.Disconnected:
		wasConnected := m.sessions[s]
		delete(m.sessions, s)
		if m.pending[s.PeerName()] == s {
			delete(m.pending, s.PeerName())
		}
		if wasConnected {
			m.LogInfo("Client disconnected", "client", s.PeerName())
			m.sink(ClientDisconnected{Name: s.PeerName()})
		}
	}
}

// authenticate admits a trusted client or asks the user about an untrusted one
func (m *ServerManager) authenticate(s *session.Session) {
	name := s.PeerName()
	if s.IsTrusted() {
		m.accept(s)
		return
	}
	if prev, ok := m.pending[name]; ok && prev != s {
		// A newer connection under the same name replaces the old request
		prev.Disconnect()
	}
	m.pending[name] = s
	m.LogInfo("Untrusted client is waiting for approval", "client", name)
	m.sink(AuthRequested{Name: name, Certificate: s.PeerCertificate()})
}

func (m *ServerManager) accept(s *session.Session) {
	if err := s.Authenticate(packet.AuthOkay); err != nil {
		m.LogWarn("Failed to authenticate client", "client", s.PeerName(), "error", err)
	}
}

// ResolveAuth answers an AuthRequested. Accepting adds the client to the trust
// store before it is authenticated; rejecting sends Fail and disconnects.
func (m *ServerManager) ResolveAuth(name string, accept bool) error {
	s, ok := m.pending[name]
	if !ok {
		return ErrNoPendingAuth
	}
	delete(m.pending, name)

	if !accept {
		m.LogInfo("Rejected client", "client", name)
		return s.Authenticate(packet.AuthFail)
	}
	if err := m.trust.Add(name, s.PeerCertificate()); err != nil {
		s.Authenticate(packet.AuthFail)
		return fmt.Errorf("failed to trust %s: %w", name, err)
	}
	m.LogInfo("Accepted client", "client", name)
	m.accept(s)
	return nil
}

// Synchronize sends items to every active, trusted client. Untrusted sessions
// are skipped silently.
func (m *ServerManager) Synchronize(items []content.Item) int {
	return m.SynchronizeExcept(items, "")
}

// SynchronizeExcept is Synchronize without the client named except
func (m *ServerManager) SynchronizeExcept(items []content.Item, except string) int {
	if !m.running || len(items) == 0 {
		return 0
	}
	sent := 0
	for s := range m.sessions {
		if except != "" && s.PeerName() == except {
			continue
		}
		if s.State() != session.StateActive || !s.IsTrusted() {
			continue
		}
		if err := s.SendSync(items); err != nil {
			m.LogDebug("Skipped client", "client", s.PeerName(), "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		m.LogSend("Synchronized clipboard", "clients", sent, "items", len(items))
	}
	return sent
}

// ConnectedClients returns the names of active clients, sorted
func (m *ServerManager) ConnectedClients() []string {
	var names []string
	for s := range m.sessions {
		if s.State() == session.StateActive {
			names = append(names, s.PeerName())
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// PendingAuth returns the names waiting for ResolveAuth
func (m *ServerManager) PendingAuth() []string {
	names := make([]string, 0, len(m.pending))
	for name := range m.pending {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DisconnectClient closes every session with name
func (m *ServerManager) DisconnectClient(name string) bool {
	found := false
	for s := range m.sessions {
		if s.PeerName() == name {
			s.Disconnect()
			found = true
		}
	}
	return found
}

// SessionCount returns the number of open sessions in any state
func (m *ServerManager) SessionCount() int {
	return len(m.sessions)
}

// Stop closes the listeners, withdraws advertisements and disconnects every
// client. No events are delivered once Stop returns.
func (m *ServerManager) Stop() error {
	if !m.running {
		return nil
	}
	m.running = false
	m.gen++

	var errs []error
	for _, ln := range m.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	m.listeners = nil
	for _, adv := range m.cfg.Advertisers {
		if err := adv.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	for s := range m.sessions {
		s.Disconnect()
	}
	clear(m.sessions)
	clear(m.pending)

	m.LogInfo("Server stopped")
	return errors.Join(errs...)
}

// Running reports whether Start has been called without a matching Stop
func (m *ServerManager) Running() bool {
	return m.running
}
