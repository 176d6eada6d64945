package app

import (
	"context"
	"errors"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/hub"
	"github.com/imdevinc/clipbird/internal/securestore"
	"github.com/imdevinc/clipbird/internal/syncing"
)

// hubRelay drops content while the hub is not connected
type hubRelay struct {
	c *hub.Client
}

func (r hubRelay) SendClipboard(items []content.Item) error {
	if err := r.c.SendClipboard(items); err != nil && !errors.Is(err, hub.ErrNotActive) {
		return err
	}
	return nil
}

func (a *App) initHub() error {
	secure, err := OpenSecure(a.cfg, a.db)
	if err != nil {
		return err
	}
	a.secure = secure
	token := func() string { return LoadToken(secure) }
	a.rest = hub.NewRESTClient(a.cfg.Hub.APIURL, token)

	identity, err := hub.LoadHostDevice(secure)
	if err != nil && !errors.Is(err, securestore.ErrNotFound) {
		return err
	}
	a.hub = hub.NewClient(a.loop, hub.ClientConfig{
		URL:      a.cfg.Hub.URL,
		Identity: identity,
		Token:    token,
		Logger:   a.logger,
		Metrics:  a.metrics,
	}, a.onHubEvent)
	return nil
}

// startHub registers or refreshes the host device, then connects. It runs off
// the loop.
func (a *App) startHub(ctx context.Context) {
	if LoadToken(a.secure) == "" {
		a.logger.Warn("Not signed in to the hub; run 'clipbird hub login'")
		return
	}
	identity, err := hub.EnsureHostDevice(ctx, a.secure, a.rest, hub.IdentityConfig{
		Name:   a.cfg.Name,
		Type:   a.cfg.Hub.DeviceType,
		Logger: a.logger,
	})
	if err != nil {
		if errors.Is(err, hub.ErrUnauthorized) {
			a.logger.Warn("Hub session expired; run 'clipbird hub login'")
			return
		}
		a.logger.Error("Failed to register with the hub", "error", err)
		return
	}
	a.loop.Post(func() {
		a.hub.SetIdentity(identity)
		if err := a.hub.Connect(); err != nil {
			a.logger.Error("Failed to connect to the hub", "error", err)
		}
	})
}

func (a *App) onHubEvent(ev hub.Event) {
	switch ev := ev.(type) {
	case hub.ClipboardReceived:
		a.manager.Apply(ev.Items, syncing.Source{Kind: syncing.SourceHub, Name: ev.From.Name})
	case hub.StateChanged:
		a.logger.Debug("Hub state", "state", ev.State)
	case hub.DevicesChanged:
		a.logger.Info("Hub devices changed", "devices", len(ev.Devices))
	case hub.AuthRequired:
		a.logger.Warn("Hub rejected the stored token; run 'clipbird hub login'")
	case hub.Error:
		a.logger.Debug("Hub error", "error", ev.Err)
	}
}
