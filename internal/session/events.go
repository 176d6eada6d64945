package session

import (
	"fmt"

	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/packet"
)

// Event is the closed set of notifications a session delivers to its Sink. Every
// event is delivered on the control loop; sinks must not block.
type Event interface {
	Source() *Session
	isEvent()
}

// Sink receives session events
type Sink func(Event)

type base struct{ s *Session }

func (b base) Source() *Session { return b.s }
func (base) isEvent()           {}

// StateChanged reports a state transition
type StateChanged struct {
	base
	State State
}

// AuthenticationReceived reports the server's verdict to a client session
type AuthenticationReceived struct {
	base
	Status packet.AuthStatus
}

// SyncReceived carries a non-empty clipboard snapshot from a trusted peer
type SyncReceived struct {
	base
	Items []content.Item
}

// InvalidRequestReceived means the peer rejected one of our packets
type InvalidRequestReceived struct {
	base
	Code    packet.ErrorCode
	Message string
}

// TrustChanged is emitted when the trust store changes while the session is
// authenticating or active
type TrustChanged struct {
	base
	Trusted bool
}

// Errored reports a problem. It precedes Disconnected when the error is fatal.
type Errored struct {
	base
	Err error
}

// Disconnected is always the last event of a session
type Disconnected struct {
	base
	Err error
}

// State is the session lifecycle
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateAuthenticating
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
