package hub

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	dev := Device{ID: "d1", UserID: "u1", Name: "laptop", Type: "linux", PublicKey: "pem"}
	item := EncryptedItem{MimeType: "text/plain", Payload: []byte{1, 2, 3}}

	tests := []Payload{
		ClipboardDispatch{Entries: []DispatchEntry{{ToDevice: "d2", Items: []EncryptedItem{item}}}},
		ClipboardForward{FromDevice: "d2", Items: []EncryptedItem{item}},
		DeviceAdded{Device: dev},
		DeviceRemoved{Device: dev},
		DeviceUpdated{Device: dev},
		DevicesList{Devices: []Device{dev}},
		NonceChallengeRequest{Nonce: "abc"},
		NonceChallengeResponse{Signature: "c2ln", Nonce: "abc"},
		NonceChallengeCompleted{Device: dev},
	}
	for _, msg := range tests {
		t.Run(string(msg.MessageType()), func(t *testing.T) {
			b, err := EncodeMessage(msg)
			if err != nil {
				t.Fatalf("EncodeMessage() error: %v", err)
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatal(err)
			}
			if env.Type != string(msg.MessageType()) {
				t.Errorf("type = %q, want %q", env.Type, msg.MessageType())
			}
			got, err := DecodeMessage(b)
			if err != nil {
				t.Fatalf("DecodeMessage() error: %v", err)
			}
			if !reflect.DeepEqual(got, msg) {
				t.Errorf("DecodeMessage() = %#v, want %#v", got, msg)
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		unknown bool
	}{
		{name: "unknown type", in: `{"type":"ClipboardPaste","payload":{}}`, unknown: true},
		{name: "missing type", in: `{"payload":{}}`, unknown: true},
		{name: "missing payload", in: `{"type":"DevicesList"}`},
		{name: "null payload", in: `{"type":"DevicesList","payload":null}`},
		{name: "wrong payload shape", in: `{"type":"DevicesList","payload":{"devices":"x"}}`},
		{name: "not json", in: `hello`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.in))
			if err == nil {
				t.Fatal("DecodeMessage() succeeded")
			}
			if got := errors.Is(err, ErrUnknownMessageType); got != tt.unknown {
				t.Errorf("errors.Is(ErrUnknownMessageType) = %v, want %v (%v)", got, tt.unknown, err)
			}
		})
	}
}

func TestEncryptedItemPayloadIsBase64(t *testing.T) {
	b, err := json.Marshal(EncryptedItem{MimeType: "text/plain", Payload: []byte("hi")})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"mimeType":"text/plain","payload":"aGk="}`; string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
}
