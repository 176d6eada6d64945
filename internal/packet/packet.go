// Package packet implements the clipbird binary wire protocol.
//
// Every packet starts with a 1-byte type tag followed by a 4-byte big-endian length
// that counts the whole packet, header included. Receivers verify the length before
// trusting any field.
package packet

import (
	"errors"
	"fmt"

	"github.com/imdevinc/clipbird/internal/content"
)

// Type is the leading discriminant byte of a packet
type Type byte

const (
	TypeInvalidRequest      Type = 0x00
	TypePingPong            Type = 0x01
	TypeAuthentication      Type = 0x02
	TypeSyncing             Type = 0x03
	TypeCertificateExchange Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeInvalidRequest:
		return "InvalidRequest"
	case TypePingPong:
		return "PingPong"
	case TypeAuthentication:
		return "Authentication"
	case TypeSyncing:
		return "Syncing"
	case TypeCertificateExchange:
		return "CertificateExchange"
	default:
		return fmt.Sprintf("Type(0x%02x)", byte(t))
	}
}

const (
	// HeaderSize is type(1) + length(4)
	HeaderSize = 5

	// MaxPacketSize bounds the declared length a receiver will buffer
	MaxPacketSize = 64 << 20
)

// AuthStatus is the body of an Authentication packet
type AuthStatus byte

const (
	AuthOkay AuthStatus = 0x00
	AuthFail AuthStatus = 0x01
)

func (s AuthStatus) String() string {
	switch s {
	case AuthOkay:
		return "Okay"
	case AuthFail:
		return "Fail"
	default:
		return fmt.Sprintf("AuthStatus(0x%02x)", byte(s))
	}
}

// PingKind distinguishes the two directions of a keep-alive exchange
type PingKind byte

const (
	Ping PingKind = 0x01
	Pong PingKind = 0x02
)

// ErrorCode is carried by InvalidRequest and MalformedError
type ErrorCode byte

const (
	CodeInvalidPacket    ErrorCode = 0x01 // unknown type tag
	CodeCodingError      ErrorCode = 0x02 // inconsistent length or field
	CodeNotAuthenticated ErrorCode = 0x03 // data packet before authentication
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidPacket:
		return "InvalidPacket"
	case CodeCodingError:
		return "CodingError"
	case CodeNotAuthenticated:
		return "NotAuthenticated"
	default:
		return fmt.Sprintf("ErrorCode(0x%02x)", byte(c))
	}
}

// ErrNotThisPacket is returned by a typed decoder when the type byte belongs to
// another packet. It is a probe miss, not a protocol violation.
var ErrNotThisPacket = errors.New("packet: not this packet type")

// MalformedError is a hard per-connection parse failure
type MalformedError struct {
	Code    ErrorCode
	Message string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("packet: malformed (%s): %s", e.Code, e.Message)
}

func malformed(code ErrorCode, format string, args ...any) error {
	return &MalformedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsMalformed reports whether err is a MalformedError and returns it
func IsMalformed(err error) (*MalformedError, bool) {
	var me *MalformedError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// Packet is the closed set of wire packets
type Packet interface {
	// Type returns the type tag written as the first byte
	Type() Type
	// ToBytes serializes the packet including its header
	ToBytes() []byte

	isPacket()
}

// Authentication tells a client whether the server accepted it
type Authentication struct {
	Status AuthStatus
}

// InvalidRequest reports a protocol error back to the sender
type InvalidRequest struct {
	Code    ErrorCode
	Message string
}

// PingPong is the keep-alive packet
type PingPong struct {
	Kind PingKind
}

// Syncing carries a clipboard snapshot. Zero items means "nothing to sync".
type Syncing struct {
	Items []content.Item
}

// CertificateExchange carries a DER certificate over transports without TLS
type CertificateExchange struct {
	Certificate []byte
}

func (*Authentication) Type() Type      { return TypeAuthentication }
func (*InvalidRequest) Type() Type      { return TypeInvalidRequest }
func (*PingPong) Type() Type            { return TypePingPong }
func (*Syncing) Type() Type             { return TypeSyncing }
func (*CertificateExchange) Type() Type { return TypeCertificateExchange }

func (*Authentication) isPacket()      {}
func (*InvalidRequest) isPacket()      {}
func (*PingPong) isPacket()            {}
func (*Syncing) isPacket()             {}
func (*CertificateExchange) isPacket() {}
