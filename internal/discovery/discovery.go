// Package discovery finds clipbird peers on the LAN with mDNS and over Bluetooth
// through BlueZ, and advertises this host to them. Browsers deliver their events
// on the control loop.
package discovery

import (
	"github.com/imdevinc/clipbird/internal/device"
)

const (
	// ServiceType is the DNS-SD service clipbird servers advertise
	ServiceType = "_clipbird._tcp"
	// Domain is the mDNS browsing domain
	Domain = "local."
	// BluetoothServiceUUID identifies the clipbird RFCOMM service in SDP records
	BluetoothServiceUUID = "5a1b7e2c-6c3f-4b8e-9d4a-c11b0b1d5eed"
	// ProtocolVersion is published in the mDNS TXT record
	ProtocolVersion = "1"
)

// Service is a browser or advertiser
type Service interface {
	Start() error
	Stop() error
}

// Event is the closed set of browser notifications
type Event interface {
	isEvent()
}

// Sink receives discovery events on the control loop
type Sink func(Event)

// ServiceFound reports a newly surfaced device
type ServiceFound struct {
	Device device.Device
}

// ServiceGone reports that a previously found device is no longer reachable
type ServiceGone struct {
	Device device.Device
}

type BrowsingStarted struct {
	Kind device.Kind
}

type BrowsingStopped struct {
	Kind device.Kind
}

type BrowsingStartFailed struct {
	Kind device.Kind
	Err  error
}

type BrowsingStopFailed struct {
	Kind device.Kind
	Err  error
}

func (ServiceFound) isEvent()        {}
func (ServiceGone) isEvent()         {}
func (BrowsingStarted) isEvent()     {}
func (BrowsingStopped) isEvent()     {}
func (BrowsingStartFailed) isEvent() {}
func (BrowsingStopFailed) isEvent()  {}
