package session

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/packet"
	"github.com/imdevinc/clipbird/internal/transport"
	"github.com/imdevinc/clipbird/internal/trust"
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

func keyPair(t *testing.T, name string) tls.Certificate {
	t.Helper()
	certPEM, keyPEM, err := transport.GenerateCertificate(name, time.Now())
	if err != nil {
		t.Fatalf("GenerateCertificate() error: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair() error: %v", err)
	}
	return cert
}

func certDER(t *testing.T, name string) []byte {
	t.Helper()
	return transport.LeafDER(keyPair(t, name))
}

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 512)}
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

func waitState(t *testing.T, r *recorder, want State) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.events:
			if sc, ok := ev.(*StateChanged); ok && sc.State == want {
				return
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for state %s", want)
		}
	}
}

func wantTransportCode(t *testing.T, err error, code TransportErrorCode) {
	t.Helper()
	te, ok := IsTransportError(err)
	if !ok {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if te.Code != code {
		t.Errorf("TransportError code = %s, want %s", te.Code, code)
	}
}

// rawPeer speaks the wire protocol by hand
type rawPeer struct {
	t      *testing.T
	conn   net.Conn
	framer *packet.Framer
}

func (r *rawPeer) send(p packet.Packet) {
	r.t.Helper()
	r.sendRaw(p.ToBytes())
}

func (r *rawPeer) sendRaw(b []byte) {
	r.t.Helper()
	r.conn.SetWriteDeadline(time.Now().Add(waitTimeout))
	if _, err := r.conn.Write(b); err != nil {
		r.t.Fatalf("raw write: %v", err)
	}
}

func (r *rawPeer) next() packet.Packet {
	r.t.Helper()
	buf := make([]byte, 4096)
	for {
		frame, err := r.framer.Next()
		if err != nil {
			r.t.Fatalf("raw framing: %v", err)
		}
		if frame != nil {
			p, err := packet.Decode(frame)
			if err != nil {
				r.t.Fatalf("raw decode: %v", err)
			}
			return p
		}
		r.conn.SetReadDeadline(time.Now().Add(waitTimeout))
		n, err := r.conn.Read(buf)
		if err != nil {
			r.t.Fatalf("raw read: %v", err)
		}
		r.framer.Write(buf[:n])
	}
}

// nextNonPing skips keep-alive traffic
func (r *rawPeer) nextNonPing() packet.Packet {
	r.t.Helper()
	for {
		p := r.next()
		if _, ok := p.(*packet.PingPong); !ok {
			return p
		}
	}
}

type fixture struct {
	loop    *eventloop.Loop
	session *Session
	events  *recorder
	trust   *trust.Memory
	raw     *rawPeer
	peerDER []byte
}

// newBluetoothFixture starts one session over a pipe and completes the
// certificate exchange from the raw side
func newBluetoothFixture(t *testing.T, role Role, mutate func(*Config)) *fixture {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	f := &fixture{
		loop:    startLoop(t),
		events:  newRecorder(),
		trust:   trust.NewMemory(),
		raw:     &rawPeer{t: t, conn: remote, framer: packet.NewFramer()},
		peerDER: certDER(t, "raw-peer"),
	}
	cfg := Config{
		Role:             role,
		LocalCertificate: certDER(t, "local-host"),
		Trust:            f.trust,
		MaxReadIdle:      time.Hour,
		MaxWriteIdle:     time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	var startErr error
	onLoop(t, f.loop, func() {
		f.session = New(f.loop, local, cfg, f.events.sink)
		startErr = f.session.Start()
	})
	if startErr != nil {
		t.Fatalf("Start() error: %v", startErr)
	}
	waitState(t, f.events, StateHandshaking)

	ce, ok := f.raw.next().(*packet.CertificateExchange)
	if !ok {
		t.Fatal("First packet from the session is not a CertificateExchange")
	}
	name, err := transport.CertificateName(ce.Certificate)
	if err != nil || name != "local-host" {
		t.Fatalf("CertificateExchange carries %q, %v", name, err)
	}
	return f
}

func (f *fixture) handshake(t *testing.T) {
	t.Helper()
	f.raw.send(&packet.CertificateExchange{Certificate: f.peerDER})
	waitState(t, f.events, StateAuthenticating)
}

func TestBluetoothSessionsPairAndSync(t *testing.T) {
	loop := startLoop(t)
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	serverDER := certDER(t, "desktop")
	clientDER := certDER(t, "phone")
	trustedClients := trust.NewMemory()
	trustedServers := trust.NewMemory()
	serverEvents, clientEvents := newRecorder(), newRecorder()

	var server, client *Session
	onLoop(t, loop, func() {
		server = New(loop, serverConn, Config{
			Role: RoleServer, LocalCertificate: serverDER, Trust: trustedClients,
			MaxReadIdle: time.Hour, MaxWriteIdle: time.Hour,
		}, serverEvents.sink)
		client = New(loop, clientConn, Config{
			Role: RoleClient, LocalCertificate: clientDER, Trust: trustedServers,
			MaxReadIdle: time.Hour, MaxWriteIdle: time.Hour,
		}, clientEvents.sink)
		if err := server.Start(); err != nil {
			t.Errorf("server Start() error: %v", err)
		}
		if err := client.Start(); err != nil {
			t.Errorf("client Start() error: %v", err)
		}
	})

	waitState(t, serverEvents, StateAuthenticating)
	waitState(t, clientEvents, StateAuthenticating)

	var serverSees, clientSees string
	onLoop(t, loop, func() {
		serverSees = server.PeerName()
		clientSees = client.PeerName()
	})
	if serverSees != "phone" || clientSees != "desktop" {
		t.Fatalf("PeerName() = %q / %q, want phone / desktop", serverSees, clientSees)
	}

	// Accept flow: trust the client, then authenticate it
	if err := trustedClients.Add("phone", clientDER); err != nil {
		t.Fatal(err)
	}
	onLoop(t, loop, func() {
		if err := server.Authenticate(packet.AuthOkay); err != nil {
			t.Errorf("Authenticate() error: %v", err)
		}
	})

	auth := waitFor[*AuthenticationReceived](t, clientEvents)
	if auth.Status != packet.AuthOkay {
		t.Fatalf("client saw %s", auth.Status)
	}
	waitState(t, clientEvents, StateActive)
	if err := trustedServers.Add("desktop", serverDER); err != nil {
		t.Fatal(err)
	}

	items := []content.Item{{MimeType: "text/plain", Payload: []byte("hello")}}
	var sendErr error
	onLoop(t, loop, func() { sendErr = client.SendSync(items) })
	if sendErr != nil {
		t.Fatalf("SendSync() error: %v", sendErr)
	}

	got := waitFor[*SyncReceived](t, serverEvents)
	if !reflect.DeepEqual(got.Items, items) {
		t.Errorf("server received %v, want %v", got.Items, items)
	}
	if got.Source() != server {
		t.Error("SyncReceived source is not the server session")
	}
}

func TestPingGetsPong(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, nil)
	f.handshake(t)

	f.raw.send(&packet.PingPong{Kind: packet.Ping})
	p, ok := f.raw.next().(*packet.PingPong)
	if !ok || p.Kind != packet.Pong {
		t.Fatalf("Expected Pong, got %#v", p)
	}
}

func TestWriteIdleSendsPing(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, func(c *Config) {
		c.MaxWriteIdle = 50 * time.Millisecond
	})
	f.handshake(t)

	p, ok := f.raw.next().(*packet.PingPong)
	if !ok || p.Kind != packet.Ping {
		t.Fatalf("Expected Ping, got %#v", p)
	}
}

func TestReadIdleForcesDisconnect(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, func(c *Config) {
		c.MaxReadIdle = 100 * time.Millisecond
	})
	f.handshake(t)

	// Keep draining so the socket looks healthy from the session's side
	go io.Copy(io.Discard, f.raw.conn)

	d := waitFor[*Disconnected](t, f.events)
	wantTransportCode(t, d.Err, CodeIdleTimeout)
}

func TestTrafficKeepsSessionAlive(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, func(c *Config) {
		c.MaxReadIdle = 300 * time.Millisecond
	})
	f.handshake(t)

	for i := 0; i < 6; i++ {
		time.Sleep(100 * time.Millisecond)
		f.raw.send(&packet.PingPong{Kind: packet.Ping})
		f.raw.next()
	}
	var state State
	onLoop(t, f.loop, func() { state = f.session.State() })
	if state != StateAuthenticating {
		t.Errorf("State() = %s after steady traffic", state)
	}
}

func TestHandshakeRequiresCertificateFirst(t *testing.T) {
	f := newBluetoothFixture(t, RoleServer, nil)
	f.raw.send(&packet.PingPong{Kind: packet.Ping})

	d := waitFor[*Disconnected](t, f.events)
	wantTransportCode(t, d.Err, CodeHandshake)
}

func TestMalformedPacket(t *testing.T) {
	// Authentication with an unknown status byte
	bad := []byte{byte(packet.TypeAuthentication), 0, 0, 0, 6, 0x09}

	t.Run("server replies InvalidRequest and stays connected", func(t *testing.T) {
		f := newBluetoothFixture(t, RoleServer, nil)
		f.handshake(t)
		f.raw.sendRaw(bad)

		ir, ok := f.raw.nextNonPing().(*packet.InvalidRequest)
		if !ok {
			t.Fatal("Expected InvalidRequest")
		}
		if ir.Code != packet.CodeCodingError {
			t.Errorf("InvalidRequest code = %s, want CodingError", ir.Code)
		}
		waitFor[*Errored](t, f.events)

		var closed bool
		onLoop(t, f.loop, func() { closed = f.session.Closed() })
		if closed {
			t.Error("Server session closed after a malformed packet")
		}
	})

	t.Run("client disconnects", func(t *testing.T) {
		f := newBluetoothFixture(t, RoleClient, nil)
		f.handshake(t)
		f.raw.sendRaw(bad)

		d := waitFor[*Disconnected](t, f.events)
		wantTransportCode(t, d.Err, CodeProtocol)
	})
}

func TestFramingErrorDisconnects(t *testing.T) {
	f := newBluetoothFixture(t, RoleServer, nil)
	f.handshake(t)

	f.raw.sendRaw([]byte{byte(packet.TypeSyncing), 0, 0, 0, 3})
	errored := waitFor[*Errored](t, f.events)
	wantTransportCode(t, errored.Err, CodeFraming)
	if !errors.Is(errored.Err, packet.ErrFraming) {
		t.Errorf("Errored does not wrap ErrFraming: %v", errored.Err)
	}
	waitFor[*Disconnected](t, f.events)
}

func TestPeerCloseDisconnects(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, nil)
	f.handshake(t)
	f.raw.conn.Close()

	d := waitFor[*Disconnected](t, f.events)
	if _, ok := IsTransportError(d.Err); !ok {
		t.Errorf("Disconnected error = %v, want TransportError", d.Err)
	}
}

func TestUntrustedSyncIsRejected(t *testing.T) {
	f := newBluetoothFixture(t, RoleServer, nil)
	f.handshake(t)

	f.raw.send(&packet.Syncing{Items: []content.Item{{MimeType: "text/plain", Payload: []byte("sneaky")}}})
	ir, ok := f.raw.nextNonPing().(*packet.InvalidRequest)
	if !ok || ir.Code != packet.CodeNotAuthenticated {
		t.Fatalf("Expected InvalidRequest{NotAuthenticated}, got %#v", ir)
	}

	// Nothing else should have been delivered
	onLoop(t, f.loop, func() {})
	for len(f.events.events) > 0 {
		if _, ok := (<-f.events.events).(*SyncReceived); ok {
			t.Fatal("SyncReceived emitted for an untrusted peer")
		}
	}
}

func TestEmptySyncEmitsNothing(t *testing.T) {
	f := newBluetoothFixture(t, RoleServer, nil)
	f.handshake(t)
	if err := f.trust.Add("raw-peer", f.peerDER); err != nil {
		t.Fatal(err)
	}
	onLoop(t, f.loop, func() {
		if err := f.session.Authenticate(packet.AuthOkay); err != nil {
			t.Errorf("Authenticate() error: %v", err)
		}
	})
	if a, ok := f.raw.nextNonPing().(*packet.Authentication); !ok || a.Status != packet.AuthOkay {
		t.Fatal("Expected Authentication{Okay}")
	}

	f.raw.send(&packet.Syncing{Items: []content.Item{}})
	f.raw.send(&packet.Syncing{Items: []content.Item{{MimeType: "text/plain", Payload: []byte("x")}}})

	got := waitFor[*SyncReceived](t, f.events)
	if len(got.Items) != 1 {
		t.Errorf("First SyncReceived has %d items, the empty sync was not skipped", len(got.Items))
	}
}

func TestSendSyncRequiresTrust(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, nil)
	f.handshake(t)

	items := []content.Item{{MimeType: "text/plain", Payload: []byte("secret")}}
	var err error
	onLoop(t, f.loop, func() { err = f.session.SendSync(items) })
	if !errors.Is(err, ErrNotTrusted) {
		t.Errorf("SendSync() before authentication = %v, want ErrNotTrusted", err)
	}

	f.raw.send(&packet.Authentication{Status: packet.AuthOkay})
	waitState(t, f.events, StateActive)

	// Active but the server is not in the trust store
	onLoop(t, f.loop, func() { err = f.session.SendSync(items) })
	if !errors.Is(err, ErrNotTrusted) {
		t.Errorf("SendSync() to untrusted server = %v, want ErrNotTrusted", err)
	}

	if err := f.trust.Add("raw-peer", f.peerDER); err != nil {
		t.Fatal(err)
	}
	onLoop(t, f.loop, func() { err = f.session.SendSync(items) })
	if err != nil {
		t.Fatalf("SendSync() to trusted server: %v", err)
	}
	if s, ok := f.raw.nextNonPing().(*packet.Syncing); !ok || !reflect.DeepEqual(s.Items, items) {
		t.Error("Raw peer did not receive the sync")
	}
}

func TestTrustChangesAreReported(t *testing.T) {
	f := newBluetoothFixture(t, RoleServer, nil)
	f.handshake(t)

	if err := f.trust.Add("raw-peer", f.peerDER); err != nil {
		t.Fatal(err)
	}
	if tc := waitFor[*TrustChanged](t, f.events); !tc.Trusted {
		t.Error("TrustChanged after add reports untrusted")
	}

	// Same name, different certificate
	if err := f.trust.Add("raw-peer", certDER(t, "raw-peer")); err != nil {
		t.Fatal(err)
	}
	if tc := waitFor[*TrustChanged](t, f.events); tc.Trusted {
		t.Error("TrustChanged reports trusted after the certificate changed")
	}

	if err := f.trust.Remove("raw-peer"); err != nil {
		t.Fatal(err)
	}
	if tc := waitFor[*TrustChanged](t, f.events); tc.Trusted {
		t.Error("TrustChanged after remove reports trusted")
	}
}

func TestAuthFailDisconnectsClient(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, nil)
	f.handshake(t)

	f.raw.send(&packet.Authentication{Status: packet.AuthFail})
	if a := waitFor[*AuthenticationReceived](t, f.events); a.Status != packet.AuthFail {
		t.Errorf("AuthenticationReceived status = %s", a.Status)
	}
	d := waitFor[*Disconnected](t, f.events)
	wantTransportCode(t, d.Err, CodeAuthRejected)
}

func TestServerRejectFlushesVerdict(t *testing.T) {
	f := newBluetoothFixture(t, RoleServer, nil)
	f.handshake(t)

	onLoop(t, f.loop, func() {
		if err := f.session.Authenticate(packet.AuthFail); err != nil {
			t.Errorf("Authenticate() error: %v", err)
		}
	})
	if a, ok := f.raw.nextNonPing().(*packet.Authentication); !ok || a.Status != packet.AuthFail {
		t.Fatal("Expected Authentication{Fail} before the connection closed")
	}
	waitFor[*Disconnected](t, f.events)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newBluetoothFixture(t, RoleClient, nil)
	go io.Copy(io.Discard, f.raw.conn)

	onLoop(t, f.loop, func() {
		f.session.Disconnect()
		f.session.Disconnect()
	})
	waitFor[*Disconnected](t, f.events)

	onLoop(t, f.loop, func() {})
	for len(f.events.events) > 0 {
		if _, ok := (<-f.events.events).(*Disconnected); ok {
			t.Fatal("Disconnected emitted twice")
		}
	}

	var err error
	onLoop(t, f.loop, func() { err = f.session.Send(&packet.PingPong{Kind: packet.Ping}) })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Disconnect = %v, want ErrClosed", err)
	}
}

func TestBluetoothSessionNeedsCertificate(t *testing.T) {
	loop := startLoop(t)
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	var err error
	onLoop(t, loop, func() {
		s := New(loop, local, Config{Role: RoleServer, Trust: trust.NewMemory()}, nil)
		err = s.Start()
	})
	if !errors.Is(err, transport.ErrNoCertificate) {
		t.Errorf("Start() = %v, want ErrNoCertificate", err)
	}
}

func TestTLSSessionSkipsHandshakeState(t *testing.T) {
	loop := startLoop(t)
	serverCert := keyPair(t, "desktop")
	clientCert := keyPair(t, "laptop")

	ln, err := transport.ListenLAN("127.0.0.1:0", serverCert)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		if err := transport.Handshake(context.Background(), c); err != nil {
			c.Close()
			close(accepted)
			return
		}
		accepted <- c
	}()

	clientConn, err := tls.Dial("tcp", ln.Addr().String(), transport.ClientTLSConfig(clientCert))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer clientConn.Close()
	serverConn, ok := <-accepted
	if !ok {
		t.Fatal("Server handshake failed")
	}
	defer serverConn.Close()

	events := newRecorder()
	var s *Session
	onLoop(t, loop, func() {
		s = New(loop, serverConn, Config{Role: RoleServer, Trust: trust.NewMemory()}, events.sink)
		if err := s.Start(); err != nil {
			t.Errorf("Start() error: %v", err)
		}
	})

	first := waitFor[*StateChanged](t, events)
	if first.State != StateAuthenticating {
		t.Errorf("First state = %s, want authenticating", first.State)
	}
	var name string
	onLoop(t, loop, func() { name = s.PeerName() })
	if name != "laptop" {
		t.Errorf("PeerName() = %q, want laptop", name)
	}
}
