package app

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"

	"github.com/imdevinc/clipbird/internal/config"
	"github.com/imdevinc/clipbird/internal/discovery"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/role"
	"github.com/imdevinc/clipbird/internal/transport"
)

// lanAddr is the listen address from the [lan] section
func lanAddr(c config.LANConf) string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}

// lanListener listens with TLS and points the advertiser at the bound port, so a
// zero port still advertises correctly
func lanListener(addr string, cert tls.Certificate, adv *discovery.MDNSAdvertiser) role.ListenFunc {
	return func() (net.Listener, error) {
		ln, err := transport.ListenLAN(addr, cert)
		if err != nil {
			return nil, err
		}
		if ap, err := netip.ParseAddrPort(ln.Addr().String()); err == nil && adv != nil {
			adv.Port = int(ap.Port())
		}
		return ln, nil
	}
}

// bluetoothListener registers the BlueZ profile when a bus is available and
// falls back to a plain RFCOMM socket
func bluetoothListener(bluez *discovery.DBusBluez, name string, channel uint8, logger *slog.Logger) role.ListenFunc {
	return func() (net.Listener, error) {
		if bluez != nil {
			ln, err := discovery.ListenProfile(bluez.Conn(), name, channel, logger)
			if err == nil {
				return ln, nil
			}
			logger.Warn("Falling back to a raw RFCOMM listener", "error", err)
		}
		ln, err := transport.ListenRFCOMM(channel)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on rfcomm channel %d: %w", channel, err)
		}
		return ln, nil
	}
}

// browsers builds the discovery services used by the client role
func browsers(loop *eventloop.Loop, cfg *config.Config, bluez *discovery.DBusBluez, logger *slog.Logger, m *metrics.Metrics) []role.BrowserFunc {
	var out []role.BrowserFunc
	if cfg.LAN.IsEnabled() {
		out = append(out, func(sink discovery.Sink) (discovery.Service, error) {
			return discovery.NewMDNSBrowser(loop, discovery.MDNSConfig{
				LocalName: cfg.Name,
				Logger:    logger,
				Metrics:   m,
			}, sink)
		})
	}
	if cfg.Bluetooth.Enabled && bluez != nil {
		btCfg := discovery.BluetoothConfig{
			ScanInterval: cfg.Bluetooth.ScanInterval.Duration,
			Channel:      cfg.Bluetooth.Channel,
			Logger:       logger,
			Metrics:      m,
		}
		out = append(out, func(sink discovery.Sink) (discovery.Service, error) {
			if cfg.Bluetooth.Mode == config.BluetoothModeConnection {
				return discovery.NewConnectionBrowser(loop, bluez, btCfg, sink), nil
			}
			return discovery.NewBluetoothScanner(loop, bluez, btCfg, sink), nil
		})
	}
	return out
}
