package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when sending on a disconnected session
	ErrClosed = errors.New("session: closed")
	// ErrNotTrusted is returned by SendSync when the peer is not trusted or the
	// session is not active
	ErrNotTrusted = errors.New("session: peer not trusted")
	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("session: already started")
)

// TransportErrorCode classifies a fatal session error
type TransportErrorCode int

const (
	CodeClosed      TransportErrorCode = iota + 1 // peer closed the connection
	CodeIO                                        // read or write failure
	CodeIdleTimeout                               // nothing read for MaxReadIdle
	CodeFraming                                   // unframeable byte stream
	CodeProtocol                                  // malformed or out of order packet
	CodeHandshake                                 // certificate exchange failure
	CodeAuthRejected                              // server answered AuthFail
)

func (c TransportErrorCode) String() string {
	switch c {
	case CodeClosed:
		return "closed"
	case CodeIO:
		return "io"
	case CodeIdleTimeout:
		return "idle-timeout"
	case CodeFraming:
		return "framing"
	case CodeProtocol:
		return "protocol"
	case CodeHandshake:
		return "handshake"
	case CodeAuthRejected:
		return "auth-rejected"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// TransportError is a socket-level failure. It always disconnects the session.
type TransportError struct {
	Code TransportErrorCode
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "session: transport " + e.Code.String()
	}
	return fmt.Sprintf("session: transport %s: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func transportError(code TransportErrorCode, err error) *TransportError {
	return &TransportError{Code: code, Err: err}
}

// IsTransportError returns the TransportError in err's chain
func IsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
