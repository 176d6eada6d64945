// Package syncing owns the host role. At most one role manager runs at a time;
// clipboard changes are fanned out to it and to the configured relays, and
// content arriving from any of them is written back to the clipboard.
package syncing

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/imdevinc/clipbird/internal/clipboard"
	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/device"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/history"
	"github.com/imdevinc/clipbird/internal/role"
	"github.com/imdevinc/clipbird/internal/util"
)

const (
	echoSize = 64
	echoTTL  = 10 * time.Second
)

// ErrWrongRole is returned by operations the current role does not support
var ErrWrongRole = errors.New("syncing: operation not available in the current role")

// Role is the active host role
type Role int

const (
	RoleNone Role = iota
	RoleClient
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole maps a configured role name to a Role
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "none":
		return RoleNone, nil
	case "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// SourceKind says where inbound content came from
type SourceKind int

const (
	SourceLocal SourceKind = iota
	SourceLAN
	SourceHub
)

// Source identifies the origin of a snapshot. Name is the peer for SourceLAN.
type Source struct {
	Kind SourceKind
	Name string
}

func (s Source) String() string {
	switch s.Kind {
	case SourceLAN:
		return "lan:" + s.Name
	case SourceHub:
		return "hub"
	default:
		return "local"
	}
}

// Relay forwards clipboard content beyond the LAN, e.g. the hub client
type Relay interface {
	SendClipboard(items []content.Item) error
}

// Config configures a Manager. Server and Client are used to build a fresh role
// manager on every transition.
type Config struct {
	Server    role.ServerConfig
	Client    role.ClientConfig
	Clipboard clipboard.Clipboard
	History   history.History
	Relays    []Relay
	// Failover connects to another trusted server when the current one drops
	Failover bool
	Logger   *slog.Logger
}

// current is the role union. Exactly the field matching kind is set.
type current struct {
	kind   Role
	server *role.ServerManager
	client *role.ClientManager
}

// Manager is the syncing manager. All methods run on the loop.
type Manager struct {
	loop   *eventloop.Loop
	cfg    Config
	sink   Sink
	logger *slog.Logger
	echo   *util.EchoFilter

	role        current
	unsubscribe func()
	stopped     bool
}

// New creates a manager in RoleNone. It starts watching the clipboard at once.
func New(loop *eventloop.Loop, cfg Config, sink Sink) *Manager {
	if sink == nil {
		sink = func(Event) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		loop:   loop,
		cfg:    cfg,
		sink:   sink,
		logger: cfg.Logger.With("component", "syncing"),
		echo:   util.NewEchoFilter(echoSize, echoTTL),
	}
	if cfg.Clipboard != nil {
		m.unsubscribe = cfg.Clipboard.Subscribe(func(items []content.Item) {
			loop.Post(func() { m.onLocalChange(items) })
		})
	}
	return m
}

// Role returns the active role
func (m *Manager) Role() Role {
	return m.role.kind
}

// SetHostAsServer stops the client role, if any, then starts a server
func (m *Manager) SetHostAsServer() error {
	if m.stopped {
		return role.ErrNotRunning
	}
	if m.role.kind == RoleServer {
		return nil
	}
	from := m.clear()

	sm := role.NewServerManager(m.loop, m.cfg.Server, m.onRoleEvent)
	if err := sm.Start(); err != nil {
		sm.Stop()
		m.changed(from)
		return fmt.Errorf("failed to start server: %w", err)
	}
	m.role = current{kind: RoleServer, server: sm}
	m.changed(from)
	return nil
}

// SetHostAsClient stops the server role, if any, then starts a client
func (m *Manager) SetHostAsClient() error {
	if m.stopped {
		return role.ErrNotRunning
	}
	if m.role.kind == RoleClient {
		return nil
	}
	from := m.clear()

	cm, err := role.NewClientManager(m.loop, m.cfg.Client, m.onRoleEvent)
	if err == nil {
		err = cm.Start()
	}
	if err != nil {
		if cm != nil {
			cm.Stop()
		}
		m.changed(from)
		return fmt.Errorf("failed to start client: %w", err)
	}
	m.role = current{kind: RoleClient, client: cm}
	m.changed(from)
	return nil
}

// SetHostAsNone stops whichever role is active
func (m *Manager) SetHostAsNone() {
	from := m.clear()
	m.changed(from)
}

// clear fully stops the active role and returns what it was
func (m *Manager) clear() Role {
	prev := m.role
	m.role = current{}
	switch prev.kind {
	case RoleServer:
		if err := prev.server.Stop(); err != nil {
			m.logger.Warn("Error stopping server", "error", err)
		}
	case RoleClient:
		if err := prev.client.Stop(); err != nil {
			m.logger.Warn("Error stopping client", "error", err)
		}
	}
	return prev.kind
}

func (m *Manager) changed(from Role) {
	if from == m.role.kind {
		return
	}
	m.logger.Info("Role changed", "from", from, "to", m.role.kind)
	m.sink(RoleChanged{From: from, To: m.role.kind})
}

func (m *Manager) onRoleEvent(ev role.Event) {
	if m.stopped {
		return
	}
	m.sink(RoleEvent{Event: ev})

	switch ev := ev.(type) {
	case role.ClientSyncReceived:
		m.Apply(ev.Items, Source{Kind: SourceLAN, Name: ev.Name})
	case role.ServerSyncReceived:
		m.Apply(ev.Items, Source{Kind: SourceLAN, Name: ev.Device.Name})
	case role.ServerDisconnected:
		if !ev.Requested {
			m.failover(ev.Device)
		}
	}
}

// failover connects to the first other trusted server currently available
func (m *Manager) failover(lost device.Device) {
	if !m.cfg.Failover || m.role.kind != RoleClient {
		return
	}
	cm := m.role.client
	if cm.HasSession() || cm.Connecting() != "" {
		return
	}
	for _, dev := range cm.TrustedAvailableServers() {
		if dev.Name == lost.Name {
			continue
		}
		if err := cm.ConnectToServer(dev.Name); err != nil {
			m.logger.Warn("Failover connect failed", "server", dev.Name, "error", err)
			continue
		}
		m.logger.Info("Failing over", "from", lost.Name, "to", dev.Name)
		m.sink(Failover{From: lost.Name, To: dev.Name})
		return
	}
	m.logger.Debug("No other trusted server to fail over to", "lost", lost.Name)
}

// onLocalChange sends a clipboard change out unless it is the echo of content
// this host just applied
func (m *Manager) onLocalChange(items []content.Item) {
	if m.stopped || len(items) == 0 {
		return
	}
	if m.echo.IsEcho(content.Hash(items)) {
		m.logger.Debug("Suppressed clipboard echo", "items", content.Summary(items))
		return
	}
	m.forward(items, Source{Kind: SourceLocal})
}

// Synchronize sends items to the active role and every relay. It returns the
// number of LAN peers reached.
func (m *Manager) Synchronize(items []content.Item) int {
	if m.stopped {
		return 0
	}
	return m.forward(items, Source{Kind: SourceLocal})
}

// forward sends items everywhere except back to src
func (m *Manager) forward(items []content.Item, src Source) int {
	if len(items) == 0 {
		return 0
	}
	reached := 0
	switch m.role.kind {
	case RoleServer:
		except := ""
		if src.Kind == SourceLAN {
			except = src.Name
		}
		reached = m.role.server.SynchronizeExcept(items, except)
	case RoleClient:
		if src.Kind != SourceLAN && m.role.client.Synchronize(items) {
			reached = 1
		}
	}
	if src.Kind != SourceHub {
		for _, r := range m.cfg.Relays {
			if err := r.SendClipboard(items); err != nil {
				m.logger.Warn("Relay failed", "error", err)
			}
		}
	}
	m.logger.Debug("Forwarded clipboard", "source", src, "peers", reached, "items", content.Summary(items))
	return reached
}

// Apply writes inbound content to the clipboard and history, then forwards it to
// everyone but its source
func (m *Manager) Apply(items []content.Item, src Source) {
	if m.stopped || len(items) == 0 {
		return
	}
	if m.cfg.Clipboard != nil {
		m.echo.MarkApplied(content.Hash(items))
		if err := m.cfg.Clipboard.Set(items); err != nil {
			m.logger.Error("Failed to set clipboard", "source", src, "error", err)
			return
		}
	}
	if m.cfg.History != nil {
		m.cfg.History.AddHistory(items)
	}
	m.logger.Info("Clipboard applied", "source", src, "items", content.Summary(items))
	m.sink(ClipboardApplied{Source: src, Items: items})
	m.forward(items, src)
}

// AvailableServers lists discovered servers in the client role
func (m *Manager) AvailableServers() []device.Device {
	if m.role.kind != RoleClient {
		return nil
	}
	return m.role.client.AvailableServers()
}

// ConnectedClients lists active clients in the server role
func (m *Manager) ConnectedClients() []string {
	if m.role.kind != RoleServer {
		return nil
	}
	return m.role.server.ConnectedClients()
}

// PendingAuth lists clients waiting for ResolveAuth
func (m *Manager) PendingAuth() []string {
	if m.role.kind != RoleServer {
		return nil
	}
	return m.role.server.PendingAuth()
}

// ConnectedServer returns the authenticated server in the client role
func (m *Manager) ConnectedServer() (device.Device, bool) {
	if m.role.kind != RoleClient {
		return device.Device{}, false
	}
	return m.role.client.ConnectedServer()
}

func (m *Manager) ResolveAuth(name string, accept bool) error {
	if m.role.kind != RoleServer {
		return ErrWrongRole
	}
	return m.role.server.ResolveAuth(name, accept)
}

func (m *Manager) DisconnectClient(name string) error {
	if m.role.kind != RoleServer {
		return ErrWrongRole
	}
	if !m.role.server.DisconnectClient(name) {
		return fmt.Errorf("no client named %s", name)
	}
	return nil
}

func (m *Manager) ConnectToServer(name string) error {
	if m.role.kind != RoleClient {
		return ErrWrongRole
	}
	return m.role.client.ConnectToServer(name)
}

func (m *Manager) DisconnectFromServer() error {
	if m.role.kind != RoleClient {
		return ErrWrongRole
	}
	m.role.client.DisconnectFromServer()
	return nil
}

// Stop stops the active role and the clipboard subscription. It is idempotent
// and no events fire after it returns.
func (m *Manager) Stop() {
	if m.stopped {
		return
	}
	m.clear()
	m.stopped = true
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.logger.Info("Syncing manager stopped")
}
