// Package content holds the clipboard item model shared by the LAN and hub paths.
package content

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/imdevinc/clipbird/internal/util"
)

// Common mime types
const (
	MimeTextPlain = "text/plain"
	MimeTextHTML  = "text/html"
	MimeImagePNG  = "image/png"
)

// Item is a single clipboard entry: one payload for one mime type
type Item struct {
	MimeType string
	Payload  []byte
}

// Clone returns a deep copy of items
func Clone(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{MimeType: it.MimeType, Payload: append([]byte(nil), it.Payload...)}
	}
	return out
}

// Equal reports whether two item lists hold the same entries in the same order.
// A nil payload and an empty payload compare equal.
func Equal(a, b []Item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].MimeType != b[i].MimeType || !bytes.Equal(a[i].Payload, b[i].Payload) {
			return false
		}
	}
	return true
}

// Hash returns a stable digest of the item list, used for echo suppression
func Hash(items []Item) string {
	var buf bytes.Buffer
	var n [4]byte
	for _, it := range items {
		binary.BigEndian.PutUint32(n[:], uint32(len(it.MimeType)))
		buf.Write(n[:])
		buf.WriteString(it.MimeType)
		binary.BigEndian.PutUint32(n[:], uint32(len(it.Payload)))
		buf.Write(n[:])
		buf.Write(it.Payload)
	}
	return util.ComputeHash(buf.Bytes())
}

// IsText determines if a mime type carries human readable text
func IsText(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/x-sh", "application/javascript":
		return true
	}
	return false
}

// Summary renders items for log lines without dumping payloads
func Summary(items []Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%s(%dB)", it.MimeType, len(it.Payload)))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
