package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/eventloop"
	"github.com/imdevinc/clipbird/internal/metrics"
	"github.com/imdevinc/clipbird/internal/util"
)

const (
	sendBacklog  = 64
	writeTimeout = 15 * time.Second
	maxMessage   = 64 << 20
)

var (
	// ErrNotActive is returned by SendClipboard before the hub accepted us
	ErrNotActive = errors.New("hub: not connected")
	// ErrNoIdentity is returned by Connect without a registered host device
	ErrNoIdentity = errors.New("hub: no host device identity")
)

// State is the connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateAuthenticated
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is a hub client notification, delivered on the loop
type Event interface {
	isEvent()
}

// Sink receives hub client events
type Sink func(Event)

type StateChanged struct {
	State State
}

// ClipboardReceived carries the items of a forward that decrypted cleanly
type ClipboardReceived struct {
	From  Device
	Items []content.Item
}

type DevicesChanged struct {
	Devices []Device
}

// AuthRequired means the hub refused our token
type AuthRequired struct {
	Err error
}

type Error struct {
	Err error
}

func (StateChanged) isEvent()      {}
func (ClipboardReceived) isEvent() {}
func (DevicesChanged) isEvent()    {}
func (AuthRequired) isEvent()      {}
func (Error) isEvent()             {}

// ClientConfig configures a hub Client
type ClientConfig struct {
	URL      string
	Identity *HostDevice
	// Token returns the current bearer token
	Token   func() string
	Dialer  *websocket.Dialer
	Backoff util.RetryConfig
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client keeps the websocket to the hub. All methods run on the loop.
type Client struct {
	loop    *eventloop.Loop
	cfg     ClientConfig
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	state      State
	gen        uint64
	conn       *websocket.Conn
	send       chan []byte
	cancelDial context.CancelFunc
	reconnect  *eventloop.Timer
	attempts   int
	wanted     bool
	devices    map[string]Device

	onSchedule func(time.Duration)
}

// NewClient creates a disconnected client
func NewClient(loop *eventloop.Loop, cfg ClientConfig, sink Sink) *Client {
	if sink == nil {
		sink = func(Event) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Backoff.InitialBackoff == 0 {
		cfg.Backoff = util.ReconnectConfig()
	}
	return &Client{
		loop:    loop,
		cfg:     cfg,
		sink:    sink,
		logger:  cfg.Logger.With("component", "hub"),
		metrics: cfg.Metrics,
		devices: make(map[string]Device),
	}
}

// State returns the connection state
func (c *Client) State() State {
	return c.state
}

// Devices returns the other devices the hub reported, sorted by name
func (c *Client) Devices() []Device {
	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Device) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// SetIdentity replaces the host device, e.g. after EnsureHostDevice completed
func (c *Client) SetIdentity(d *HostDevice) {
	c.cfg.Identity = d
}

// Connect starts connecting and resets the reconnect schedule
func (c *Client) Connect() error {
	if c.cfg.Identity == nil || c.cfg.Identity.Key() == nil {
		return ErrNoIdentity
	}
	c.wanted = true
	c.attempts = 0
	c.reconnect.Stop()
	c.reconnect = nil
	if c.state != StateDisconnected {
		return nil
	}
	c.dial()
	return nil
}

// Disconnect closes the connection and cancels any reconnect
func (c *Client) Disconnect() {
	c.wanted = false
	c.attempts = 0
	c.reconnect.Stop()
	c.reconnect = nil
	c.teardown()
	c.setState(StateDisconnected)
}

func (c *Client) dial() {
	c.gen++
	gen := c.gen
	c.setState(StateConnecting)

	header := http.Header{}
	if c.cfg.Token != nil {
		header.Set("Authorization", "Bearer "+c.cfg.Token())
	}
	header.Set("X-Device-Id", c.cfg.Identity.ID)

	ctx, cancel := context.WithCancel(c.loop.Context())
	c.cancelDial = cancel

	var claimed atomic.Bool
	eventloop.Submit(c.loop, ctx, func(wctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := c.cfg.Dialer.DialContext(wctx, c.cfg.URL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return nil, ErrUnauthorized
			}
			return nil, fmt.Errorf("failed to dial hub: %w", err)
		}
		context.AfterFunc(ctx, func() {
			if claimed.CompareAndSwap(false, true) {
				conn.Close()
			}
		})
		return conn, nil
	}, func(conn *websocket.Conn, err error) {
		if gen != c.gen {
			return
		}
		c.cancelDial = nil
		if err != nil {
			cancel()
			c.onDialFailed(err)
			return
		}
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		cancel()
		c.onOpen(gen, conn)
	})
}

func (c *Client) onDialFailed(err error) {
	c.setState(StateDisconnected)
	if errors.Is(err, ErrUnauthorized) {
		c.logger.Warn("Hub rejected the token")
		c.wanted = false
		c.sink(AuthRequired{Err: err})
		return
	}
	c.logger.Warn("Failed to connect to hub", "error", err, "attempt", c.attempts)
	c.sink(Error{Err: err})
	// Only a reconnect series keeps going; a failed explicit connect does not
	if c.wanted && c.attempts > 0 {
		c.scheduleReconnect()
	}
}

func (c *Client) onOpen(gen uint64, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessage)
	c.conn = conn
	c.send = make(chan []byte, sendBacklog)
	c.setState(StateOpen)
	c.logger.Info("Connected to hub", "url", c.cfg.URL)

	go c.readLoop(gen, conn)
	go writeLoop(conn, c.send)
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.loop.Post(func() { c.onClosed(gen, err) })
			return
		}
		c.loop.Post(func() { c.onMessage(gen, data) })
	}
}

// writeLoop owns all writes to conn. Closing send closes the connection.
func writeLoop(conn *websocket.Conn, send <-chan []byte) {
	defer conn.Close()
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// teardown drops the current connection or dial without changing state
func (c *Client) teardown() {
	c.gen++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	c.conn = nil
	clear(c.devices)
}

func (c *Client) onClosed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	wasOpen := c.state >= StateOpen
	c.teardown()
	c.setState(StateDisconnected)

	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.logger.Warn("Hub connection lost", "error", err)
		c.sink(Error{Err: fmt.Errorf("hub connection lost: %w", err)})
	}
	if c.wanted && wasOpen {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	delay := util.CalculateBackoff(c.attempts, c.cfg.Backoff)
	c.attempts++
	c.metrics.HubReconnect()
	c.logger.Info("Reconnecting to hub", "in", delay, "attempt", c.attempts)
	if c.onSchedule != nil {
		c.onSchedule(delay)
	}
	c.reconnect = c.loop.AfterFunc(delay, func() {
		c.reconnect = nil
		if c.wanted && c.state == StateDisconnected {
			c.dial()
		}
	})
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("Hub state changed", "from", c.state, "to", s)
	c.state = s
	if s == StateActive {
		c.attempts = 0
	}
	c.sink(StateChanged{State: s})
}

func (c *Client) write(p Payload) {
	if c.send == nil {
		return
	}
	data, err := EncodeMessage(p)
	if err != nil {
		c.logger.Error("Failed to encode hub message", "type", p.MessageType(), "error", err)
		return
	}
	select {
	case c.send <- data:
		c.metrics.HubMessage(string(p.MessageType()), metrics.DirectionOut)
	default:
		c.logger.Warn("Hub send backlog full, message dropped", "type", p.MessageType())
	}
}

func (c *Client) onMessage(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		c.logger.Warn("Dropped hub message", "error", err)
		return
	}
	c.metrics.HubMessage(string(msg.MessageType()), metrics.DirectionIn)

	switch msg := msg.(type) {
	case NonceChallengeRequest:
		c.answerChallenge(gen, msg.Nonce)
	case NonceChallengeCompleted:
		if msg.Device.ID == c.cfg.Identity.ID {
			if c.state == StateAuthenticated {
				c.setState(StateActive)
			}
			return
		}
		c.upsert(msg.Device)
	case DevicesList:
		clear(c.devices)
		for _, d := range msg.Devices {
			if d.ID != c.cfg.Identity.ID {
				c.devices[d.ID] = d
			}
		}
		if c.state == StateAuthenticated {
			c.setState(StateActive)
		}
		c.sink(DevicesChanged{Devices: c.Devices()})
	case DeviceAdded:
		c.upsert(msg.Device)
	case DeviceUpdated:
		c.upsert(msg.Device)
	case DeviceRemoved:
		if _, ok := c.devices[msg.Device.ID]; ok {
			delete(c.devices, msg.Device.ID)
			c.sink(DevicesChanged{Devices: c.Devices()})
		}
	case ClipboardForward:
		c.receiveClipboard(gen, msg)
	default:
		c.logger.Debug("Ignoring hub message", "type", msg.MessageType())
	}
}

func (c *Client) upsert(d Device) {
	if d.ID == "" || d.ID == c.cfg.Identity.ID {
		return
	}
	c.devices[d.ID] = d
	c.sink(DevicesChanged{Devices: c.Devices()})
}

func (c *Client) answerChallenge(gen uint64, nonce string) {
	key := c.cfg.Identity.Key()
	eventloop.Submit(c.loop, c.loop.Context(), func(context.Context) (string, error) {
		return SignNonce(key, nonce)
	}, func(sig string, err error) {
		if gen != c.gen {
			return
		}
		if err != nil {
			c.logger.Error("Failed to sign hub nonce", "error", err)
			c.sink(Error{Err: err})
			return
		}
		c.write(NonceChallengeResponse{Signature: sig, Nonce: nonce})
		c.setState(StateAuthenticated)
	})
}

func (c *Client) receiveClipboard(gen uint64, msg ClipboardForward) {
	if c.state < StateAuthenticated {
		c.logger.Warn("Clipboard forward before authentication dropped")
		return
	}
	from, ok := c.devices[msg.FromDevice]
	if !ok {
		from = Device{ID: msg.FromDevice}
	}
	key := c.cfg.Identity.Key()
	m := c.metrics
	logger := c.logger

	eventloop.Submit(c.loop, c.loop.Context(), func(context.Context) ([]content.Item, error) {
		items := make([]content.Item, 0, len(msg.Items))
		for _, it := range msg.Items {
			plain, err := Decrypt(it.Payload, key)
			if err != nil {
				m.HubDecryptFailure()
				logger.Warn("Dropped undecryptable clipboard item", "from", msg.FromDevice, "mime", it.MimeType, "error", err)
				continue
			}
			items = append(items, content.Item{MimeType: it.MimeType, Payload: plain})
		}
		return items, nil
	}, func(items []content.Item, _ error) {
		if gen != c.gen || len(items) == 0 {
			return
		}
		c.logger.Info("Clipboard received from hub", "from", from.Name, "items", content.Summary(items))
		c.sink(ClipboardReceived{From: from, Items: items})
	})
}

// SendClipboard encrypts items separately for every other device and dispatches
// them in one message. Devices whose key does not parse are skipped.
func (c *Client) SendClipboard(items []content.Item) error {
	if c.state != StateActive {
		return ErrNotActive
	}
	if len(items) == 0 || len(c.devices) == 0 {
		return nil
	}
	targets := c.Devices()
	gen := c.gen
	logger := c.logger
	items = content.Clone(items)

	eventloop.Submit(c.loop, c.loop.Context(), func(context.Context) (ClipboardDispatch, error) {
		var out ClipboardDispatch
		for _, d := range targets {
			pub, err := ParsePublicKeyPEM(d.PublicKey)
			if err != nil {
				logger.Warn("Skipping device with bad key", "device", d.Name, "error", err)
				continue
			}
			entry := DispatchEntry{ToDevice: d.ID, Items: make([]EncryptedItem, 0, len(items))}
			for _, it := range items {
				blob, err := Encrypt(it.Payload, pub)
				if err != nil {
					return ClipboardDispatch{}, err
				}
				entry.Items = append(entry.Items, EncryptedItem{MimeType: it.MimeType, Payload: blob})
			}
			out.Entries = append(out.Entries, entry)
		}
		return out, nil
	}, func(msg ClipboardDispatch, err error) {
		if gen != c.gen {
			return
		}
		if err != nil {
			c.logger.Error("Failed to encrypt clipboard", "error", err)
			c.sink(Error{Err: err})
			return
		}
		if len(msg.Entries) == 0 {
			return
		}
		c.write(msg)
		c.logger.Debug("Clipboard sent to hub", "devices", len(msg.Entries), "items", len(items))
	})
	return nil
}
