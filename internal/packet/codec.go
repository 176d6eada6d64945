package packet

import (
	"encoding/binary"
	"errors"

	"github.com/imdevinc/clipbird/internal/content"
)

// Encode serializes p. It is total and deterministic.
func Encode(p Packet) []byte {
	return p.ToBytes()
}

// newFrame allocates a packet with its header filled in
func newFrame(t Type, bodyLen int) []byte {
	out := make([]byte, HeaderSize, HeaderSize+bodyLen)
	out[0] = byte(t)
	binary.BigEndian.PutUint32(out[1:5], uint32(HeaderSize+bodyLen))
	return out
}

func (p *Authentication) ToBytes() []byte {
	return append(newFrame(TypeAuthentication, 1), byte(p.Status))
}

func (p *InvalidRequest) ToBytes() []byte {
	out := newFrame(TypeInvalidRequest, 1+len(p.Message))
	out = append(out, byte(p.Code))
	return append(out, p.Message...)
}

func (p *PingPong) ToBytes() []byte {
	return append(newFrame(TypePingPong, 1), byte(p.Kind))
}

func (p *Syncing) ToBytes() []byte {
	bodyLen := 4
	for _, it := range p.Items {
		bodyLen += 8 + len(it.MimeType) + len(it.Payload)
	}
	out := newFrame(TypeSyncing, bodyLen)
	out = binary.BigEndian.AppendUint32(out, uint32(len(p.Items)))
	for _, it := range p.Items {
		out = binary.BigEndian.AppendUint32(out, uint32(len(it.MimeType)))
		out = append(out, it.MimeType...)
		out = binary.BigEndian.AppendUint32(out, uint32(len(it.Payload)))
		out = append(out, it.Payload...)
	}
	return out
}

func (p *CertificateExchange) ToBytes() []byte {
	return append(newFrame(TypeCertificateExchange, len(p.Certificate)), p.Certificate...)
}

// body checks the type tag and the declared length and returns the packet body
func body(b []byte, want Type) ([]byte, error) {
	if len(b) == 0 || Type(b[0]) != want {
		return nil, ErrNotThisPacket
	}
	if len(b) < HeaderSize {
		return nil, malformed(CodeCodingError, "%s: %d bytes is shorter than the header", want, len(b))
	}
	declared := binary.BigEndian.Uint32(b[1:5])
	if uint64(declared) != uint64(len(b)) {
		return nil, malformed(CodeCodingError, "%s: declared length %d but packet has %d bytes", want, declared, len(b))
	}
	return b[HeaderSize:], nil
}

// DecodeAuthentication decodes an Authentication packet
func DecodeAuthentication(b []byte) (*Authentication, error) {
	rest, err := body(b, TypeAuthentication)
	if err != nil {
		return nil, err
	}
	if len(rest) != 1 {
		return nil, malformed(CodeCodingError, "Authentication: body is %d bytes, want 1", len(rest))
	}
	status := AuthStatus(rest[0])
	if status != AuthOkay && status != AuthFail {
		return nil, malformed(CodeCodingError, "Authentication: unknown status 0x%02x", rest[0])
	}
	return &Authentication{Status: status}, nil
}

// DecodeInvalidRequest decodes an InvalidRequest packet
func DecodeInvalidRequest(b []byte) (*InvalidRequest, error) {
	rest, err := body(b, TypeInvalidRequest)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, malformed(CodeCodingError, "InvalidRequest: missing error code")
	}
	return &InvalidRequest{Code: ErrorCode(rest[0]), Message: string(rest[1:])}, nil
}

// DecodePingPong decodes a PingPong packet
func DecodePingPong(b []byte) (*PingPong, error) {
	rest, err := body(b, TypePingPong)
	if err != nil {
		return nil, err
	}
	if len(rest) != 1 {
		return nil, malformed(CodeCodingError, "PingPong: body is %d bytes, want 1", len(rest))
	}
	kind := PingKind(rest[0])
	if kind != Ping && kind != Pong {
		return nil, malformed(CodeCodingError, "PingPong: unknown kind 0x%02x", rest[0])
	}
	return &PingPong{Kind: kind}, nil
}

// DecodeSyncing decodes a Syncing packet
func DecodeSyncing(b []byte) (*Syncing, error) {
	rest, err := body(b, TypeSyncing)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, malformed(CodeCodingError, "Syncing: missing item count")
	}
	count := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	// Every item needs at least its two length fields
	if uint64(count)*8 > uint64(len(rest)) {
		return nil, malformed(CodeCodingError, "Syncing: %d items cannot fit in %d bytes", count, len(rest))
	}

	items := make([]content.Item, 0, count)
	for i := uint32(0); i < count; i++ {
		mime, r, err := readField(rest, "mime type", i)
		if err != nil {
			return nil, err
		}
		payload, r, err := readField(r, "payload", i)
		if err != nil {
			return nil, err
		}
		rest = r
		items = append(items, content.Item{
			MimeType: string(mime),
			Payload:  append([]byte{}, payload...),
		})
	}
	if len(rest) != 0 {
		return nil, malformed(CodeCodingError, "Syncing: %d trailing bytes after %d items", len(rest), count)
	}
	return &Syncing{Items: items}, nil
}

func readField(b []byte, what string, index uint32) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, malformed(CodeCodingError, "Syncing: item %d %s length truncated", index, what)
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, malformed(CodeCodingError, "Syncing: item %d %s length %d overruns %d bytes", index, what, n, len(b))
	}
	return b[:n], b[n:], nil
}

// DecodeCertificateExchange decodes a CertificateExchange packet
func DecodeCertificateExchange(b []byte) (*CertificateExchange, error) {
	rest, err := body(b, TypeCertificateExchange)
	if err != nil {
		return nil, err
	}
	if len(rest) == 0 {
		return nil, malformed(CodeCodingError, "CertificateExchange: empty certificate")
	}
	return &CertificateExchange{Certificate: append([]byte{}, rest...)}, nil
}

type decoder func([]byte) (Packet, error)

func asDecoder[T Packet](f func([]byte) (T, error)) decoder {
	return func(b []byte) (Packet, error) {
		p, err := f(b)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// candidates are tried in this order by Decode
var candidates = []decoder{
	asDecoder(DecodePingPong),
	asDecoder(DecodeSyncing),
	asDecoder(DecodeAuthentication),
	asDecoder(DecodeCertificateExchange),
	asDecoder(DecodeInvalidRequest),
}

// Decode identifies the packet type of b and decodes it. A buffer no decoder
// claims is a MalformedError with CodeInvalidPacket.
func Decode(b []byte) (Packet, error) {
	for _, dec := range candidates {
		p, err := dec(b)
		if errors.Is(err, ErrNotThisPacket) {
			continue
		}
		return p, err
	}
	if len(b) == 0 {
		return nil, malformed(CodeInvalidPacket, "empty packet")
	}
	return nil, malformed(CodeInvalidPacket, "unknown packet type 0x%02x", b[0])
}
