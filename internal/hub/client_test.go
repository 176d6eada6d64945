package hub

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/util"
)

const waitTimeout = 5 * time.Second

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(eventloop.Options{Workers: 4})
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

func hostDevice(t *testing.T, id string, key *rsa.PrivateKey) *HostDevice {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	d := &HostDevice{ID: id, Name: id, Type: "linux", PrivateKey: der}
	if err := d.parseKey(); err != nil {
		t.Fatal(err)
	}
	return d
}

func publicDevice(t *testing.T, id string, key *rsa.PrivateKey) Device {
	t.Helper()
	pemText, err := MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	return Device{ID: id, Name: id + "-name", Type: "linux", PublicKey: pemText}
}

// fakeHub runs the server side of the nonce handshake, then hands each
// connection to the test
type fakeHub struct {
	t      *testing.T
	srv    *httptest.Server
	self   Device
	selfPK *rsa.PublicKey
	peers  []Device

	mu     sync.Mutex
	status int

	headers chan http.Header
	conns   chan *websocket.Conn
	inbox   chan Payload
}

func newFakeHub(t *testing.T, self Device, selfPK *rsa.PublicKey, peers ...Device) *fakeHub {
	h := &fakeHub{
		t:       t,
		self:    self,
		selfPK:  selfPK,
		peers:   peers,
		headers: make(chan http.Header, 16),
		conns:   make(chan *websocket.Conn, 16),
		inbox:   make(chan Payload, 16),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *fakeHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *fakeHub) reject(status int) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	h.headers <- r.Header.Clone()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.t.Errorf("Upgrade() error: %v", err)
		return
	}
	defer conn.Close()

	if err := h.send(conn, NonceChallengeRequest{Nonce: "bm9uY2U="}); err != nil {
		return
	}
	msg, err := h.read(conn)
	if err != nil {
		return
	}
	resp, ok := msg.(NonceChallengeResponse)
	if !ok {
		h.t.Errorf("First message = %T, want NonceChallengeResponse", msg)
		return
	}
	if err := VerifyNonce(h.selfPK, resp.Nonce, resp.Signature); err != nil || resp.Nonce != "bm9uY2U=" {
		h.t.Errorf("Bad challenge response %+v: %v", resp, err)
		return
	}
	if h.send(conn, NonceChallengeCompleted{Device: h.self}) != nil {
		return
	}
	if h.send(conn, DevicesList{Devices: append([]Device{h.self}, h.peers...)}) != nil {
		return
	}
	h.conns <- conn

	for {
		msg, err := h.read(conn)
		if err != nil {
			return
		}
		h.inbox <- msg
	}
}

func (h *fakeHub) send(conn *websocket.Conn, p Payload) error {
	b, err := EncodeMessage(p)
	if err != nil {
		h.t.Errorf("EncodeMessage() error: %v", err)
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (h *fakeHub) read(conn *websocket.Conn) (Payload, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

func (h *fakeHub) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for a hub connection")
		return nil
	}
}

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 256)}
}

func (r *recorder) sink(ev Event) {
	r.events <- ev
}

func waitFor[T Event](t *testing.T, r *recorder, match func(T) bool) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.events:
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("Timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitState(t *testing.T, r *recorder, s State) {
	t.Helper()
	waitFor(t, r, func(e StateChanged) bool { return e.State == s })
}

type harness struct {
	loop   *eventloop.Loop
	hub    *fakeHub
	client *Client
	rec    *recorder
	selfK  *rsa.PrivateKey
	peerK  *rsa.PrivateKey
	peer   Device
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	selfK, peerK := testKey(t, 0), testKey(t, 1)
	self := hostDevice(t, "self", selfK)
	peer := publicDevice(t, "peer", peerK)

	h := &harness{
		loop:  startLoop(t),
		rec:   newRecorder(),
		selfK: selfK,
		peerK: peerK,
		peer:  peer,
	}
	h.hub = newFakeHub(t, publicDevice(t, "self", selfK), &selfK.PublicKey, peer)
	h.client = NewClient(h.loop, ClientConfig{
		URL:      h.hub.url(),
		Identity: self,
		Token:    func() string { return "tok" },
		Backoff:  util.RetryConfig{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, Multiplier: 2},
	}, h.rec.sink)
	t.Cleanup(func() {
		h.loop.Do(context.Background(), h.client.Disconnect)
	})
	return h
}

func (h *harness) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	onLoop(t, h.loop, func() {
		if err := h.client.Connect(); err != nil {
			t.Errorf("Connect() error: %v", err)
		}
	})
	waitState(t, h.rec, StateActive)
	waitFor[DevicesChanged](t, h.rec, nil)
	return h.hub.waitConn(t)
}

func TestClientHandshake(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	select {
	case hdr := <-h.hub.headers:
		if got := hdr.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := hdr.Get("X-Device-Id"); got != "self" {
			t.Errorf("X-Device-Id = %q", got)
		}
	default:
		t.Fatal("No headers recorded")
	}

	onLoop(t, h.loop, func() {
		devs := h.client.Devices()
		if len(devs) != 1 || devs[0].ID != "peer" {
			t.Errorf("Devices() = %+v, want only the peer", devs)
		}
		if h.client.State() != StateActive {
			t.Errorf("State() = %v", h.client.State())
		}
	})
}

func TestClientSendClipboard(t *testing.T) {
	h := newHarness(t)

	onLoop(t, h.loop, func() {
		if err := h.client.SendClipboard([]content.Item{{MimeType: "text/plain", Payload: []byte("x")}}); !errors.Is(err, ErrNotActive) {
			t.Errorf("SendClipboard() before connect error = %v, want ErrNotActive", err)
		}
	})
	h.connect(t)

	items := []content.Item{
		{MimeType: "text/plain", Payload: []byte("hello")},
		{MimeType: "image/png", Payload: []byte{0x89, 'P', 'N', 'G'}},
	}
	onLoop(t, h.loop, func() {
		if err := h.client.SendClipboard(items); err != nil {
			t.Errorf("SendClipboard() error: %v", err)
		}
	})

	var msg Payload
	select {
	case msg = <-h.hub.inbox:
	case <-time.After(waitTimeout):
		t.Fatal("Timed out waiting for a dispatch")
	}
	dispatch, ok := msg.(ClipboardDispatch)
	if !ok {
		t.Fatalf("message = %T, want ClipboardDispatch", msg)
	}
	if len(dispatch.Entries) != 1 || dispatch.Entries[0].ToDevice != "peer" {
		t.Fatalf("entries = %+v, want one for the peer", dispatch.Entries)
	}
	var got []content.Item
	for _, it := range dispatch.Entries[0].Items {
		plain, err := Decrypt(it.Payload, h.peerK)
		if err != nil {
			t.Fatalf("peer cannot decrypt %s: %v", it.MimeType, err)
		}
		got = append(got, content.Item{MimeType: it.MimeType, Payload: plain})
	}
	if !content.Equal(got, items) {
		t.Errorf("peer decrypted %s, want %s", content.Summary(got), content.Summary(items))
	}
}

func TestClientReceiveClipboard(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	good, err := Encrypt([]byte("from the peer"), &h.selfK.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey, err := Encrypt([]byte("not for us"), &h.peerK.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	h.hub.send(conn, ClipboardForward{FromDevice: "peer", Items: []EncryptedItem{
		{MimeType: "text/plain", Payload: good},
		{MimeType: "text/html", Payload: wrongKey},
	}})

	ev := waitFor[ClipboardReceived](t, h.rec, nil)
	if ev.From.Name != "peer-name" {
		t.Errorf("From = %+v", ev.From)
	}
	want := []content.Item{{MimeType: "text/plain", Payload: []byte("from the peer")}}
	if !content.Equal(ev.Items, want) {
		t.Errorf("Items = %s, want %s", content.Summary(ev.Items), content.Summary(want))
	}
}

func TestClientDeviceUpdates(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	other := publicDevice(t, "other", testKey(t, 2))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ClipboardPaste","payload":{}}`))
	h.hub.send(conn, DeviceAdded{Device: other})
	ev := waitFor[DevicesChanged](t, h.rec, nil)
	if len(ev.Devices) != 2 {
		t.Errorf("Devices after add = %+v", ev.Devices)
	}

	h.hub.send(conn, DeviceRemoved{Device: h.peer})
	ev = waitFor[DevicesChanged](t, h.rec, nil)
	if len(ev.Devices) != 1 || ev.Devices[0].ID != "other" {
		t.Errorf("Devices after remove = %+v", ev.Devices)
	}
	onLoop(t, h.loop, func() {
		if h.client.State() != StateActive {
			t.Errorf("State() = %v after an unknown message", h.client.State())
		}
	})
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	h := newHarness(t)
	delays := make(chan time.Duration, 16)
	h.client.onSchedule = func(d time.Duration) { delays <- d }

	conn := h.connect(t)
	conn.Close()

	waitState(t, h.rec, StateDisconnected)
	select {
	case d := <-delays:
		if d != 10*time.Millisecond {
			t.Errorf("first reconnect delay = %v, want 10ms", d)
		}
	case <-time.After(waitTimeout):
		t.Fatal("No reconnect scheduled")
	}
	waitState(t, h.rec, StateActive)
	h.hub.waitConn(t)
}

func TestClientDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	onLoop(t, h.loop, h.client.Disconnect)
	time.Sleep(100 * time.Millisecond)
	select {
	case <-h.hub.conns:
		t.Error("Client reconnected after Disconnect")
	default:
	}
	onLoop(t, h.loop, func() {
		if h.client.State() != StateDisconnected {
			t.Errorf("State() = %v", h.client.State())
		}
	})
}

func TestClientUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.hub.reject(http.StatusUnauthorized)

	onLoop(t, h.loop, func() {
		if err := h.client.Connect(); err != nil {
			t.Errorf("Connect() error: %v", err)
		}
	})
	ev := waitFor[AuthRequired](t, h.rec, nil)
	if !errors.Is(ev.Err, ErrUnauthorized) {
		t.Errorf("AuthRequired.Err = %v", ev.Err)
	}
	onLoop(t, h.loop, func() {
		if h.client.State() != StateDisconnected {
			t.Errorf("State() = %v", h.client.State())
		}
	})
}

func TestClientConnectNeedsIdentity(t *testing.T) {
	loop := startLoop(t)
	c := NewClient(loop, ClientConfig{URL: "ws://127.0.0.1:1"}, nil)
	onLoop(t, loop, func() {
		if err := c.Connect(); !errors.Is(err, ErrNoIdentity) {
			t.Errorf("Connect() error = %v, want ErrNoIdentity", err)
		}
	})
}

func TestReconnectSchedule(t *testing.T) {
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60, 60}
	cfg := util.ReconnectConfig()
	for i, w := range want {
		if got := util.CalculateBackoff(i, cfg); got != w*time.Second {
			t.Errorf("attempt %d delay = %v, want %v", i, got, w*time.Second)
		}
	}
}
