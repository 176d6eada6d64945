package role

import (
	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/device"
)

// Event is the closed set of role manager notifications, delivered on the loop
type Event interface {
	isEvent()
}

// Sink receives role manager events
type Sink func(Event)

// Server role events

// ClientConnected is emitted when a client session becomes active
type ClientConnected struct {
	Name string
}

type ClientDisconnected struct {
	Name string
}

// AuthRequested asks the user whether an untrusted client may connect. Answer
// with ResolveAuth.
type AuthRequested struct {
	Name        string
	Certificate []byte
}

type ClientSyncReceived struct {
	Name  string
	Items []content.Item
}

type ClientTrustChanged struct {
	Name    string
	Trusted bool
}

type ServerError struct {
	Name string
	Err  error
}

// Client role events

type ServerFound struct {
	Device device.Device
}

type ServerGone struct {
	Device device.Device
}

// ServerConnected is emitted once the transport is up, before authentication
type ServerConnected struct {
	Device device.Device
}

// ServerAuthenticated is emitted when the server accepted us and its certificate
// matched the trust store
type ServerAuthenticated struct {
	Device device.Device
}

type ServerAuthFailed struct {
	Device device.Device
	Reason string
}

// ServerDisconnected ends a connection. Requested is true when this host asked
// for the disconnect.
type ServerDisconnected struct {
	Device    device.Device
	Err       error
	Requested bool
}

type ServerSyncReceived struct {
	Device device.Device
	Items  []content.Item
}

type ClientError struct {
	Err error
}

func (ClientConnected) isEvent()     {}
func (ClientDisconnected) isEvent()  {}
func (AuthRequested) isEvent()       {}
func (ClientSyncReceived) isEvent()  {}
func (ClientTrustChanged) isEvent()  {}
func (ServerError) isEvent()         {}
func (ServerFound) isEvent()         {}
func (ServerGone) isEvent()          {}
func (ServerConnected) isEvent()     {}
func (ServerAuthenticated) isEvent() {}
func (ServerAuthFailed) isEvent()    {}
func (ServerDisconnected) isEvent()  {}
func (ServerSyncReceived) isEvent()  {}
func (ClientError) isEvent()         {}
