// Package role implements the two host roles. A ServerManager advertises this
// host and authenticates incoming clients; a ClientManager browses for servers
// and keeps at most one outbound session.
package role

import (
	"errors"
	"log/slog"
	"net"

	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/session"
	"github.com/imdevinc/clipbird/internal/trust"
)

var (
	// ErrNoPendingAuth is returned by ResolveAuth for a name nobody is waiting on
	ErrNoPendingAuth = errors.New("role: no pending authentication for that client")
	// ErrUnknownServer is returned by ConnectToServer for an undiscovered name
	ErrUnknownServer = errors.New("role: server not available")
	// ErrNotRunning is returned by operations that need a started manager
	ErrNotRunning = errors.New("role: manager not running")
)

// ListenFunc opens one listener. Listeners are opened on Start and closed on Stop.
type ListenFunc func() (net.Listener, error)

// base carries what both managers share: the loop, the trust store for their
// side and the logging helpers
type base struct {
	role    string
	loop    *eventloop.Loop
	trust   trust.Store
	session session.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newBase(role string, loop *eventloop.Loop, store trust.Store, cfg session.Config, logger *slog.Logger, m *metrics.Metrics) base {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Trust = store
	cfg.Logger = logger
	cfg.Metrics = m
	return base{
		role:    role,
		loop:    loop,
		trust:   store,
		session: cfg,
		logger:  logger,
		metrics: m,
	}
}

// Trust returns the trust store this manager consults
func (b *base) Trust() trust.Store {
	return b.trust
}

// Logging helpers

// LogInfo logs an informational message
func (b *base) LogInfo(msg string, args ...any) {
	allArgs := append([]any{"role", b.role}, args...)
	b.logger.Info(msg, allArgs...)
}

// LogDebug logs a debug message
func (b *base) LogDebug(msg string, args ...any) {
	allArgs := append([]any{"role", b.role}, args...)
	b.logger.Debug(msg, allArgs...)
}

// LogWarn logs a warning message
func (b *base) LogWarn(msg string, args ...any) {
	allArgs := append([]any{"role", b.role}, args...)
	b.logger.Warn(msg, allArgs...)
}

// LogError logs an error message
func (b *base) LogError(msg string, args ...any) {
	allArgs := append([]any{"role", b.role}, args...)
	b.logger.Error(msg, allArgs...)
}

// LogReceive logs an inbound sync
func (b *base) LogReceive(msg string, args ...any) {
	allArgs := append([]any{"role", b.role, "direction", "<--"}, args...)
	b.logger.Info(msg, allArgs...)
}

// LogSend logs an outbound sync
func (b *base) LogSend(msg string, args ...any) {
	allArgs := append([]any{"role", b.role, "direction", "-->"}, args...)
	b.logger.Info(msg, allArgs...)
}
