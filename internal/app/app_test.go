package app

import (
	"context"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imdevinc/clipbird/internal/config"
	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/discovery"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/hub"
	"github.com/imdevinc/clipbird/internal/securestore"
	"github.com/imdevinc/clipbird/internal/syncing"
	"github.com/imdevinc/clipbird/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	dir := t.TempDir()
	cfg.Name = "test-host"
	cfg.Role = config.RoleNone
	cfg.DataDir = dir
	cfg.TLS = config.TLSConf{
		CertFile: filepath.Join(dir, "host.crt"),
		KeyFile:  filepath.Join(dir, "host.key"),
		Generate: true,
	}
	disabled := false
	cfg.LAN.Enabled = &disabled
	return cfg
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()

	if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
		t.Errorf("certificate not generated: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRunRejectsUnknownRole(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.cfg.Role = "observer"
	if err := a.Run(context.Background()); err == nil {
		t.Error("Run() accepted an unknown role")
	}
}

func TestNewFailsWithoutCertificate(t *testing.T) {
	cfg := testConfig(t)
	cfg.TLS.Generate = false
	if _, err := New(context.Background(), cfg, nil); !errors.Is(err, transport.ErrNoCertificate) {
		t.Errorf("New() error = %v, want ErrNoCertificate", err)
	}
}

func TestHubNeedsPassphrase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hub = config.HubConf{Enabled: true, URL: "ws://127.0.0.1:1/ws", APIURL: "http://127.0.0.1:1"}
	cfg.Secure.Passphrase = ""
	cfg.Secure.PassphraseEnv = "CLIPBIRD_TEST_NO_SUCH_VAR"

	if _, err := New(context.Background(), cfg, nil); !errors.Is(err, ErrNoPassphrase) {
		t.Errorf("New() error = %v, want ErrNoPassphrase", err)
	}
}

func TestTokenHelpers(t *testing.T) {
	store := securestore.NewMemory()
	if got := LoadToken(store); got != "" {
		t.Errorf("LoadToken() = %q before sign in", got)
	}
	if err := SaveToken(store, "abc"); err != nil {
		t.Fatal(err)
	}
	if got := LoadToken(store); got != "abc" {
		t.Errorf("LoadToken() = %q, want abc", got)
	}
}

func TestTrustStoresPersist(t *testing.T) {
	cfg := testConfig(t)
	db, err := OpenStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	clients, _, err := OpenTrust(db)
	if err != nil {
		t.Fatal(err)
	}
	if err := clients.Add("phone", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = OpenStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	clients, servers, err := OpenTrust(db)
	if err != nil {
		t.Fatal(err)
	}
	if !clients.IsTrusted("phone", []byte{1, 2, 3}) {
		t.Error("trusted client lost across reopen")
	}
	if servers.Has("phone") {
		t.Error("client trust leaked into the servers bucket")
	}
}

func TestLANListenerUpdatesAdvertisedPort(t *testing.T) {
	certPEM, keyPEM, err := transport.GenerateCertificate("test-host", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	adv := &discovery.MDNSAdvertiser{Name: "test-host"}

	ln, err := lanListener("127.0.0.1:0", cert, adv)()
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	if adv.Port == 0 {
		t.Error("advertiser port not set from the listener")
	}
}

func TestHubRelayIgnoresInactiveHub(t *testing.T) {
	loop := eventloop.New(eventloop.Options{Workers: 1})
	loop.Start()
	defer func() {
		loop.Stop()
		loop.Wait()
	}()
	c := hub.NewClient(loop, hub.ClientConfig{URL: "ws://127.0.0.1:1"}, nil)

	var err error
	loop.Do(context.Background(), func() {
		err = hubRelay{c}.SendClipboard([]content.Item{{MimeType: content.MimeTextPlain, Payload: []byte("x")}})
	})
	if err != nil {
		t.Errorf("SendClipboard() error = %v, want nil while disconnected", err)
	}
}

func TestSetRoleNone(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	a.Loop().Start()
	defer func() {
		a.Loop().Stop()
		a.Loop().Wait()
	}()

	a.Loop().Do(context.Background(), func() {
		if err := a.setRole(syncing.RoleNone); err != nil {
			t.Errorf("setRole(none) error: %v", err)
		}
		if a.Manager().Role() != syncing.RoleNone {
			t.Errorf("Role() = %v", a.Manager().Role())
		}
	})
}
