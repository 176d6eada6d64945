// Package device describes remote endpoints surfaced by discovery.
package device

import (
	"fmt"
	"net/netip"
)

// Kind identifies the transport a device is reachable over
type Kind int

const (
	KindLAN Kind = iota
	KindBluetooth
)

func (k Kind) String() string {
	switch k {
	case KindLAN:
		return "lan"
	case KindBluetooth:
		return "bluetooth"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Device is a discovered remote host. Identity for trust purposes is Name;
// addresses change between runs.
type Device struct {
	Name          string
	Addr          netip.AddrPort // LAN only
	BluetoothAddr string         // Bluetooth only, "AA:BB:CC:DD:EE:FF"
	Channel       uint8          // RFCOMM channel, Bluetooth only
	Kind          Kind
}

// Address returns a printable transport address
func (d Device) Address() string {
	if d.Kind == KindBluetooth {
		if d.Channel != 0 {
			return fmt.Sprintf("%s/%d", d.BluetoothAddr, d.Channel)
		}
		return d.BluetoothAddr
	}
	return d.Addr.String()
}

func (d Device) String() string {
	return fmt.Sprintf("%s@%s(%s)", d.Name, d.Address(), d.Kind)
}
