package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFraming means the stream can no longer be split into packets
var ErrFraming = errors.New("packet: framing error")

// Framer splits a byte stream into whole packets. A frame is only handed out once
// every byte of it has been buffered; an incomplete frame leaves the buffer exactly
// as it was, so a partial read never desynchronizes the stream.
type Framer struct {
	buf []byte
	max uint32
}

// NewFramer creates a framer that rejects frames larger than MaxPacketSize
func NewFramer() *Framer {
	return &Framer{max: MaxPacketSize}
}

// Write appends stream bytes to the buffer
func (f *Framer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes waiting for a complete frame
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Next returns the next complete frame, or nil when more bytes are needed.
// The returned slice is owned by the caller.
func (f *Framer) Next() ([]byte, error) {
	if len(f.buf) < HeaderSize {
		return nil, nil
	}
	length := binary.BigEndian.Uint32(f.buf[1:5])
	if length < HeaderSize {
		return nil, fmt.Errorf("%w: declared length %d is below the header size", ErrFraming, length)
	}
	if length > f.max {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d", ErrFraming, length, f.max)
	}
	if uint64(len(f.buf)) < uint64(length) {
		return nil, nil
	}

	frame := make([]byte, length)
	copy(frame, f.buf[:length])

	remaining := len(f.buf) - int(length)
	if remaining == 0 {
		f.buf = f.buf[:0]
	} else {
		copy(f.buf, f.buf[length:])
		f.buf = f.buf[:remaining]
	}
	return frame, nil
}
