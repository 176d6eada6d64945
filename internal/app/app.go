// Package app wires the configured components into a running clipbird host.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/imdevinc/clipbird/internal/clipboard"
	"github.com/imdevinc/clipbird/internal/config"
	"github.com/imdevinc/clipbird/internal/discovery"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/history"
	"github.com/imdevinc/clipbird/internal/hub"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/role"
	"github.com/imdevinc/clipbird/internal/securestore"
	"github.com/imdevinc/clipbird/internal/session"
	"github.com/imdevinc/clipbird/internal/storage"
	"github.com/imdevinc/clipbird/internal/syncing"
	"github.com/imdevinc/clipbird/internal/transport"
	"github.com/imdevinc/clipbird/internal/trust"
	"github.com/imdevinc/clipbird/pkg/couchdb"
)

const shutdownTimeout = 5 * time.Second

// App is one clipbird host
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	loop           *eventloop.Loop
	db             *storage.Store
	trustedClients *trust.BoltStore
	trustedServers *trust.BoltStore
	cert           tls.Certificate
	registry       *prometheus.Registry
	metrics        *metrics.Metrics

	clip    clipboard.Clipboard
	file    *clipboard.File
	ring    *history.Ring
	couch   *history.Couch
	couchDB *couchdb.Client
	bluez   *discovery.DBusBluez

	secure  securestore.Store
	rest    *hub.RESTClient
	hub     *hub.Client
	manager *syncing.Manager
}

// New opens storage and builds every component. Nothing touches the network
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	if a.db, err = OpenStore(cfg); err != nil {
		return err
	}
	if a.trustedClients, a.trustedServers, err = OpenTrust(a.db); err != nil {
		return err
	}
	a.cert, err = transport.LoadOrCreateCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Name, cfg.TLS.Generate)
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	a.loop = eventloop.New(eventloop.Options{Workers: cfg.Workers, Logger: a.logger})

	if err := a.initClipboard(); err != nil {
		return err
	}
	a.initHistory(ctx)

	if cfg.Bluetooth.Enabled {
		if a.bluez, err = discovery.NewDBusBluez(cfg.Bluetooth.Adapter); err != nil {
			a.logger.Warn("Bluetooth unavailable", "error", err)
			a.bluez = nil
		}
	}

	var relays []syncing.Relay
	if cfg.Hub.Enabled {
		if err := a.initHub(); err != nil {
			return err
		}
		relays = append(relays, hubRelay{a.hub})
	}

	a.manager = syncing.New(a.loop, syncing.Config{
		Server:    a.serverConfig(),
		Client:    a.clientConfig(),
		Clipboard: a.clip,
		History:   a.historySink(),
		Relays:    relays,
		Failover:  true,
		Logger:    a.logger,
	}, a.onSyncEvent)
	return nil
}

func (a *App) initClipboard() error {
	switch a.cfg.Clipboard.Backend {
	case config.ClipboardFile:
		f, err := clipboard.NewFile(a.cfg.Clipboard.Path, a.cfg.Clipboard.Debounce.Duration, a.logger)
		if err != nil {
			return err
		}
		if err := f.Start(); err != nil {
			f.Close()
			return err
		}
		a.file = f
		a.clip = f
	default:
		a.clip = clipboard.NewMemory()
	}
	return nil
}

// initHistory keeps a ring always and replicates to CouchDB when configured. An
// unreachable CouchDB disables the replica instead of failing start-up.
func (a *App) initHistory(ctx context.Context) {
	a.ring = history.NewRing(a.cfg.History.MaxSize)
	db := a.cfg.History.CouchDB
	if db == nil {
		return
	}
	client, err := couchdb.NewClient(ctx, couchdb.Config{
		URL:      db.URL,
		Username: db.Username,
		Password: db.Password,
		Database: db.Database,
		Timeout:  db.Timeout.Duration,
		CreateDB: true,
	})
	if err != nil {
		a.logger.Warn("History replication disabled", "error", err)
		return
	}
	a.couchDB = client
	a.couch = history.NewCouch(client, history.CouchConfig{
		Host:    a.cfg.Name,
		MaxSize: a.cfg.History.MaxSize,
		Timeout: db.Timeout.Duration,
		Logger:  a.logger,
	})
	a.logger.Info("Replicating history", "url", db.URL, "database", db.Database)
}

func (a *App) historySink() history.History {
	if a.couch == nil {
		return a.ring
	}
	return history.Multi{a.ring, a.couch}
}

func (a *App) sessionConfig() session.Config {
	return session.Config{
		LocalCertificate: transport.LeafDER(a.cert),
		MaxReadIdle:      a.cfg.KeepAlive.MaxReadIdle.Duration,
		MaxWriteIdle:     a.cfg.KeepAlive.MaxWriteIdle.Duration,
	}
}

func (a *App) serverConfig() role.ServerConfig {
	sc := role.ServerConfig{
		Session:        a.sessionConfig(),
		TrustedClients: a.trustedClients,
		Logger:         a.logger,
		Metrics:        a.metrics,
	}
	if a.cfg.LAN.IsEnabled() {
		adv := &discovery.MDNSAdvertiser{Name: a.cfg.Name, Logger: a.logger}
		sc.Listeners = append(sc.Listeners, lanListener(lanAddr(a.cfg.LAN), a.cert, adv))
		sc.Advertisers = append(sc.Advertisers, adv)
	}
	if a.cfg.Bluetooth.Enabled {
		sc.Listeners = append(sc.Listeners, bluetoothListener(a.bluez, a.cfg.Name, a.cfg.Bluetooth.Channel, a.logger))
	}
	return sc
}

func (a *App) clientConfig() role.ClientConfig {
	return role.ClientConfig{
		Browsers: browsers(a.loop, a.cfg, a.bluez, a.logger, a.metrics),
		Dialer: &transport.MultiDialer{
			LAN:       &transport.LANDialer{Certificate: a.cert},
			Bluetooth: transport.BluetoothDialer{},
		},
		Session:        a.sessionConfig(),
		TrustedServers: a.trustedServers,
		Logger:         a.logger,
		Metrics:        a.metrics,
	}
}

// Run starts the loop and the configured role, then blocks until ctx is done
func (a *App) Run(ctx context.Context) error {
	r, err := syncing.ParseRole(a.cfg.Role)
	if err != nil {
		return err
	}

	a.loop.Start()
	defer func() {
		a.loop.Stop()
		a.loop.Wait()
	}()

	if addr := a.cfg.Metrics.Listen; addr != "" {
		go func() {
			if err := metrics.Serve(ctx, addr, a.registry); err != nil {
				a.logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	var startErr error
	if err := a.loop.Do(ctx, func() { startErr = a.setRole(r) }); err != nil {
		return err
	}
	if startErr != nil {
		a.stop()
		return startErr
	}
	if a.hub != nil {
		go a.startHub(ctx)
	}

	a.logger.Info("Clipbird started", "name", a.cfg.Name, "role", r)
	<-ctx.Done()
	a.logger.Info("Shutting down")
	a.stop()
	return nil
}

func (a *App) setRole(r syncing.Role) error {
	switch r {
	case syncing.RoleServer:
		return a.manager.SetHostAsServer()
	case syncing.RoleClient:
		return a.manager.SetHostAsClient()
	}
	a.manager.SetHostAsNone()
	return nil
}

func (a *App) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.loop.Do(ctx, func() {
		if a.hub != nil {
			a.hub.Disconnect()
		}
		a.manager.Stop()
	})
	if err != nil {
		a.logger.Warn("Shutdown did not complete", "error", err)
	}
}

func (a *App) onSyncEvent(ev syncing.Event) {
	switch ev := ev.(type) {
	case syncing.RoleEvent:
		a.onRoleEvent(ev.Event)
	case syncing.RoleChanged:
		a.logger.Info("Role changed", "from", ev.From, "to", ev.To)
	case syncing.Failover:
		a.logger.Info("Failing over", "from", ev.From, "to", ev.To)
	}
}

func (a *App) onRoleEvent(ev role.Event) {
	switch ev := ev.(type) {
	case role.AuthRequested:
		if !a.cfg.AutoAccept {
			a.logger.Info("Client is waiting for approval; add it with 'clipbird trust add'", "client", ev.Name)
			return
		}
		if err := a.manager.ResolveAuth(ev.Name, true); err != nil {
			a.logger.Warn("Failed to accept client", "client", ev.Name, "error", err)
		}
	case role.ServerAuthFailed:
		a.logger.Warn("Server refused", "server", ev.Device.Name, "reason", ev.Reason)
	case role.ServerError:
		a.logger.Warn("Server error", "client", ev.Name, "error", ev.Err)
	case role.ClientError:
		a.logger.Warn("Client error", "error", ev.Err)
	}
}

// Manager exposes the syncing manager. Its methods must run on Loop.
func (a *App) Manager() *syncing.Manager {
	return a.manager
}

func (a *App) Loop() *eventloop.Loop {
	return a.loop
}

// History returns the in-memory history
func (a *App) History() *history.Ring {
	return a.ring
}

// Close releases storage and background writers. Call it after Run returned.
func (a *App) Close() error {
	var errs []error
	if a.file != nil {
		errs = append(errs, a.file.Close())
	}
	if a.couch != nil {
		errs = append(errs, a.couch.Close())
	}
	if a.couchDB != nil {
		errs = append(errs, a.couchDB.Close())
	}
	if a.bluez != nil {
		errs = append(errs, a.bluez.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close: %w", err)
	}
	return nil
}
