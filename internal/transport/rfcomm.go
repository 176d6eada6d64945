package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBluetoothUnsupported is returned on platforms without RFCOMM sockets
var ErrBluetoothUnsupported = errors.New("transport: bluetooth is not supported on this platform")

// RFCOMMAddr is a Bluetooth device address plus channel
type RFCOMMAddr struct {
	BDAddr  string
	Channel uint8
}

func (a RFCOMMAddr) Network() string { return "rfcomm" }

func (a RFCOMMAddr) String() string {
	return a.BDAddr + "/" + strconv.Itoa(int(a.Channel))
}

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" into the little-endian byte order the
// kernel uses in sockaddr_rc
func parseBDAddr(s string) ([6]uint8, error) {
	var out [6]uint8
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return out, fmt.Errorf("invalid bluetooth address %q", s)
		}
		b, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("invalid bluetooth address %q: %w", s, err)
		}
		out[5-i] = uint8(b)
	}
	return out, nil
}

func formatBDAddr(b [6]uint8) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}
