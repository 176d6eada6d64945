// Package session implements one logical connection to a peer: certificate
// identity, trust evaluation against the live trust store, packet framing and
// the Ping/Pong keep-alive. All Session methods run on the control loop.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/device"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/packet"
	"github.com/imdevinc/clipbird/internal/transport"
	"github.com/imdevinc/clipbird/internal/trust"
)

// Role is the side of the connection this host plays
type Role int

const (
	// RoleServer sessions were accepted and decide the peer's authentication
	RoleServer Role = iota
	// RoleClient sessions were dialed and wait for the server's verdict
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

const (
	DefaultMaxReadIdle  = 60 * time.Second
	DefaultMaxWriteIdle = 20 * time.Second
	DefaultWriteTimeout = 15 * time.Second

	readBufferSize = 32 * 1024
)

// Config configures a Session
type Config struct {
	Role Role
	// LocalCertificate is this host's DER certificate, sent first on
	// connections without transport security
	LocalCertificate []byte
	// Trust is consulted for every trust decision. Server sessions use the
	// trusted-clients store, client sessions the trusted-servers store.
	Trust trust.Store

	MaxReadIdle  time.Duration
	MaxWriteIdle time.Duration
	WriteTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session wraps one transport connection
type Session struct {
	loop *eventloop.Loop
	conn net.Conn
	cfg  Config
	sink Sink
	log  *slog.Logger
	now  func() time.Time

	kind       device.Kind
	state      State
	started    bool
	closed     bool
	peerName   string
	peerCert   []byte
	lastReadAt time.Time

	framer      *packet.Framer
	writer      *writer
	readTimer   *eventloop.Timer
	writeTimer  *eventloop.Timer
	unsubscribe func()
}

// New wraps conn. TLS connections must have completed their handshake; any other
// connection is treated as Bluetooth and starts with a certificate exchange.
func New(loop *eventloop.Loop, conn net.Conn, cfg Config, sink Sink) *Session {
	if cfg.MaxReadIdle <= 0 {
		cfg.MaxReadIdle = DefaultMaxReadIdle
	}
	if cfg.MaxWriteIdle <= 0 {
		cfg.MaxWriteIdle = DefaultMaxWriteIdle
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if sink == nil {
		sink = func(Event) {}
	}

	s := &Session{
		loop:   loop,
		conn:   conn,
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		state:  StateConnecting,
		framer: packet.NewFramer(),
		kind:   device.KindBluetooth,
	}
	if _, secure, _ := transport.PeerCertificate(conn); secure {
		s.kind = device.KindLAN
	}
	s.log = cfg.Logger.With("component", "session", "role", cfg.Role.String(), "remote", conn.RemoteAddr().String())
	s.writer = newWriter(conn, cfg.WriteTimeout, func(err error) {
		s.loop.Post(func() { s.fail(CodeIO, err) })
	})
	return s
}

// Start begins reading and runs the handshake. A Bluetooth session without a
// local certificate fails fast with transport.ErrNoCertificate.
func (s *Session) Start() error {
	if s.started {
		return ErrAlreadyStarted
	}
	if s.closed {
		return ErrClosed
	}
	if s.kind == device.KindBluetooth && len(s.cfg.LocalCertificate) == 0 {
		return transport.ErrNoCertificate
	}
	if s.cfg.Trust == nil {
		return errors.New("session: no trust store configured")
	}
	s.started = true
	s.lastReadAt = s.now()
	s.cfg.Metrics.SessionOpened(s.cfg.Role.String())

	go s.writer.run()
	go s.readLoop()

	s.readTimer = s.loop.Every(s.cfg.MaxReadIdle, s.checkReadIdle)
	s.writeTimer = s.loop.Every(s.cfg.MaxWriteIdle, s.sendPing)
	s.unsubscribe = s.cfg.Trust.Subscribe(func(map[string][]byte) {
		s.loop.Post(s.onTrustStoreChanged)
	})

	if s.kind == device.KindLAN {
		der, _, err := transport.PeerCertificate(s.conn)
		if err == nil {
			err = s.setPeer(der)
		}
		if err != nil {
			s.fail(CodeHandshake, err)
			return nil
		}
		s.setState(StateAuthenticating)
		return nil
	}

	s.setState(StateHandshaking)
	s.send(&packet.CertificateExchange{Certificate: s.cfg.LocalCertificate})
	return nil
}

func (s *Session) setPeer(der []byte) error {
	name, err := transport.CertificateName(der)
	if err != nil {
		return err
	}
	s.peerName = name
	s.peerCert = bytes.Clone(der)
	s.log = s.log.With("peer", name)
	return nil
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.log.Debug("Session state changed", "from", s.state, "to", state)
	s.state = state
	s.sink(&StateChanged{base: base{s}, State: state})
}

func (s *Session) emit(ev Event) {
	s.sink(ev)
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := bytes.Clone(buf[:n])
			s.loop.Post(func() { s.onData(data) })
		}
		if err != nil {
			s.loop.Post(func() { s.onReadError(err) })
			return
		}
	}
}

func (s *Session) onReadError(err error) {
	if s.closed {
		return
	}
	if errors.Is(err, io.EOF) {
		s.fail(CodeClosed, err)
		return
	}
	s.fail(CodeIO, err)
}

func (s *Session) onData(data []byte) {
	if s.closed {
		return
	}
	s.lastReadAt = s.now()
	s.framer.Write(data)

	for !s.closed {
		frame, err := s.framer.Next()
		if err != nil {
			s.fail(CodeFraming, err)
			return
		}
		if frame == nil {
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame []byte) {
	p, err := packet.Decode(frame)
	if err != nil {
		s.cfg.Metrics.Malformed()
		me, _ := packet.IsMalformed(err)
		if s.cfg.Role == RoleServer && s.state != StateHandshaking && me != nil {
			s.log.Warn("Rejecting malformed packet", "error", err)
			s.emit(&Errored{base: base{s}, Err: err})
			s.send(&packet.InvalidRequest{Code: me.Code, Message: me.Message})
			return
		}
		s.fail(CodeProtocol, err)
		return
	}
	s.cfg.Metrics.Packet(p.Type().String(), metrics.DirectionIn)

	if s.state == StateHandshaking {
		ce, ok := p.(*packet.CertificateExchange)
		if !ok {
			s.fail(CodeHandshake, fmt.Errorf("expected CertificateExchange, got %s", p.Type()))
			return
		}
		if err := s.setPeer(ce.Certificate); err != nil {
			s.fail(CodeHandshake, err)
			return
		}
		s.setState(StateAuthenticating)
		return
	}

	switch p := p.(type) {
	case *packet.PingPong:
		if p.Kind == packet.Ping {
			s.send(&packet.PingPong{Kind: packet.Pong})
		}
	case *packet.Authentication:
		s.handleAuthentication(p)
	case *packet.Syncing:
		s.handleSyncing(p)
	case *packet.InvalidRequest:
		s.log.Warn("Peer rejected a request", "code", p.Code, "message", p.Message)
		s.emit(&InvalidRequestReceived{base: base{s}, Code: p.Code, Message: p.Message})
	case *packet.CertificateExchange:
		s.log.Debug("Ignoring certificate exchange after handshake")
	}
}

func (s *Session) handleAuthentication(p *packet.Authentication) {
	if s.cfg.Role != RoleClient || s.state != StateAuthenticating {
		s.log.Debug("Ignoring unexpected authentication packet", "state", s.state)
		return
	}
	s.emit(&AuthenticationReceived{base: base{s}, Status: p.Status})
	if s.closed {
		return
	}
	if p.Status != packet.AuthOkay {
		s.log.Info("Server rejected authentication")
		s.close(transportError(CodeAuthRejected, nil))
		return
	}
	s.setState(StateActive)
}

func (s *Session) handleSyncing(p *packet.Syncing) {
	if s.state != StateActive || !s.IsTrusted() {
		s.log.Warn("Dropping sync from unauthenticated peer", "state", s.state)
		if s.cfg.Role == RoleServer {
			s.send(&packet.InvalidRequest{Code: packet.CodeNotAuthenticated, Message: "not authenticated"})
		}
		return
	}
	if len(p.Items) == 0 {
		return
	}
	s.cfg.Metrics.Sync(metrics.DirectionIn)
	s.emit(&SyncReceived{base: base{s}, Items: p.Items})
}

func (s *Session) checkReadIdle() {
	if s.closed {
		return
	}
	idle := s.now().Sub(s.lastReadAt)
	if idle >= s.cfg.MaxReadIdle {
		s.log.Info("Peer idle for too long", "idle", idle)
		s.fail(CodeIdleTimeout, fmt.Errorf("nothing read for %s", idle.Round(time.Millisecond)))
	}
}

func (s *Session) sendPing() {
	s.send(&packet.PingPong{Kind: packet.Ping})
}

func (s *Session) onTrustStoreChanged() {
	if s.closed || s.state < StateAuthenticating {
		return
	}
	s.log.Debug("Trust store changed")
	s.RefreshTrust()
}

// RefreshTrust re-evaluates the peer against the trust store and emits TrustChanged
func (s *Session) RefreshTrust() bool {
	trusted := s.IsTrusted()
	if !s.closed {
		s.emit(&TrustChanged{base: base{s}, Trusted: trusted})
	}
	return trusted
}

func (s *Session) send(p packet.Packet) error {
	if s.closed || !s.started {
		return ErrClosed
	}
	if !s.writer.enqueue(p.ToBytes()) {
		return ErrClosed
	}
	s.cfg.Metrics.Packet(p.Type().String(), metrics.DirectionOut)
	return nil
}

// Send queues any packet. Use SendSync for clipboard data.
func (s *Session) Send(p packet.Packet) error {
	return s.send(p)
}

// SendSync sends a clipboard snapshot. It refuses unless the session is active
// and the peer is trusted right now.
func (s *Session) SendSync(items []content.Item) error {
	if s.closed {
		return ErrClosed
	}
	if s.state != StateActive || !s.IsTrusted() {
		return ErrNotTrusted
	}
	if err := s.send(&packet.Syncing{Items: items}); err != nil {
		return err
	}
	s.cfg.Metrics.Sync(metrics.DirectionOut)
	return nil
}

// Authenticate sends the server's verdict. Okay activates the session; Fail
// disconnects once the verdict has been written.
func (s *Session) Authenticate(status packet.AuthStatus) error {
	if s.cfg.Role != RoleServer {
		return errors.New("session: only server sessions authenticate peers")
	}
	if s.closed {
		return ErrClosed
	}
	if s.state != StateAuthenticating && s.state != StateActive {
		return fmt.Errorf("session: cannot authenticate in state %s", s.state)
	}
	if err := s.send(&packet.Authentication{Status: status}); err != nil {
		return err
	}
	if status != packet.AuthOkay {
		s.close(nil)
		return nil
	}
	s.setState(StateActive)
	return nil
}

// Disconnect closes the session after flushing queued packets. It is idempotent.
func (s *Session) Disconnect() {
	s.close(nil)
}

func (s *Session) fail(code TransportErrorCode, err error) {
	if s.closed {
		return
	}
	te := transportError(code, err)
	s.log.Info("Session failed", "error", te)
	s.emit(&Errored{base: base{s}, Err: te})
	s.close(te)
}

func (s *Session) close(err error) {
	if s.closed {
		return
	}
	s.closed = true

	s.readTimer.Stop()
	s.writeTimer.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.started {
		s.writer.closeAfterFlush()
		s.cfg.Metrics.SessionClosed(s.cfg.Role.String())
	} else {
		s.conn.Close()
	}

	s.setState(StateDisconnected)
	s.emit(&Disconnected{base: base{s}, Err: err})
}

// IsTrusted looks the peer's name and certificate up in the trust store
func (s *Session) IsTrusted() bool {
	if s.peerName == "" {
		return false
	}
	return s.cfg.Trust.IsTrusted(s.peerName, s.peerCert)
}

// PeerName is the subject CommonName of the peer certificate
func (s *Session) PeerName() string { return s.peerName }

// PeerCertificate returns a copy of the peer's DER certificate
func (s *Session) PeerCertificate() []byte { return bytes.Clone(s.peerCert) }

func (s *Session) LastReadAt() time.Time { return s.lastReadAt }
func (s *Session) State() State          { return s.state }
func (s *Session) Role() Role            { return s.cfg.Role }
func (s *Session) Kind() device.Kind     { return s.kind }
func (s *Session) RemoteAddr() net.Addr  { return s.conn.RemoteAddr() }
func (s *Session) Closed() bool          { return s.closed }

func (s *Session) String() string {
	name := s.peerName
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s session %s (%s)", s.cfg.Role, name, s.state)
}
