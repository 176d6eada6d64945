// Package hub implements the WAN relay: the websocket protocol to the clipbird
// hub, the per-recipient hybrid encryption of clipboard items and the REST calls
// that register this host as a device.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessageType is returned by DecodeMessage for a type outside the
// protocol
var ErrUnknownMessageType = errors.New("hub: unknown message type")

// MessageType discriminates the message payload
type MessageType string

const (
	TypeClipboardDispatch       MessageType = "ClipboardDispatch"
	TypeClipboardForward        MessageType = "ClipboardForward"
	TypeDeviceAdded             MessageType = "DeviceAdded"
	TypeDeviceRemoved           MessageType = "DeviceRemoved"
	TypeDeviceUpdated           MessageType = "DeviceUpdated"
	TypeDevicesList             MessageType = "DevicesList"
	TypeNonceChallengeRequest   MessageType = "NonceChallengeRequest"
	TypeNonceChallengeResponse  MessageType = "NonceChallengeResponse"
	TypeNonceChallengeCompleted MessageType = "NonceChallengeCompleted"
)

// Payload is implemented by the nine message payloads
type Payload interface {
	MessageType() MessageType
}

// Device is a device registered with the hub
type Device struct {
	ID        string `json:"id"`
	UserID    string `json:"userId,omitempty"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	PublicKey string `json:"publicKey"` // PEM, PKIX
}

// EncryptedItem is one clipboard entry as an encrypted blob
type EncryptedItem struct {
	MimeType string `json:"mimeType"`
	Payload  []byte `json:"payload"`
}

// DispatchEntry is the clipboard encrypted for one recipient
type DispatchEntry struct {
	ToDevice string          `json:"toDevice"`
	Items    []EncryptedItem `json:"items"`
}

// ClipboardDispatch is sent to the hub, one entry per recipient
type ClipboardDispatch struct {
	Entries []DispatchEntry `json:"entries"`
}

// ClipboardForward is a clipboard relayed to us by the hub
type ClipboardForward struct {
	FromDevice string          `json:"fromDevice"`
	Items      []EncryptedItem `json:"items"`
}

type DeviceAdded struct {
	Device Device `json:"device"`
}

type DeviceRemoved struct {
	Device Device `json:"device"`
}

type DeviceUpdated struct {
	Device Device `json:"device"`
}

type DevicesList struct {
	Devices []Device `json:"devices"`
}

type NonceChallengeRequest struct {
	Nonce string `json:"nonce"`
}

// NonceChallengeResponse carries the base64 signature over Nonce
type NonceChallengeResponse struct {
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
}

// NonceChallengeCompleted announces a device that passed its challenge
type NonceChallengeCompleted struct {
	Device Device `json:"device"`
}

func (ClipboardDispatch) MessageType() MessageType       { return TypeClipboardDispatch }
func (ClipboardForward) MessageType() MessageType        { return TypeClipboardForward }
func (DeviceAdded) MessageType() MessageType             { return TypeDeviceAdded }
func (DeviceRemoved) MessageType() MessageType           { return TypeDeviceRemoved }
func (DeviceUpdated) MessageType() MessageType           { return TypeDeviceUpdated }
func (DevicesList) MessageType() MessageType             { return TypeDevicesList }
func (NonceChallengeRequest) MessageType() MessageType   { return TypeNonceChallengeRequest }
func (NonceChallengeResponse) MessageType() MessageType  { return TypeNonceChallengeResponse }
func (NonceChallengeCompleted) MessageType() MessageType { return TypeNonceChallengeCompleted }

// envelope is the wire shape of every message
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeMessage wraps p in its envelope
func EncodeMessage(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.MessageType(), err)
	}
	return json.Marshal(envelope{Type: p.MessageType(), Payload: body})
}

// DecodeMessage picks the payload type from the envelope's type field
func DecodeMessage(b []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	switch env.Type {
	case TypeClipboardDispatch:
		return decodePayload[ClipboardDispatch](env)
	case TypeClipboardForward:
		return decodePayload[ClipboardForward](env)
	case TypeDeviceAdded:
		return decodePayload[DeviceAdded](env)
	case TypeDeviceRemoved:
		return decodePayload[DeviceRemoved](env)
	case TypeDeviceUpdated:
		return decodePayload[DeviceUpdated](env)
	case TypeDevicesList:
		return decodePayload[DevicesList](env)
	case TypeNonceChallengeRequest:
		return decodePayload[NonceChallengeRequest](env)
	case TypeNonceChallengeResponse:
		return decodePayload[NonceChallengeResponse](env)
	case TypeNonceChallengeCompleted:
		return decodePayload[NonceChallengeCompleted](env)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}

func decodePayload[T Payload](env envelope) (Payload, error) {
	var p T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("failed to decode %s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return p, nil
}
