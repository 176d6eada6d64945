package syncing

import (
	"github.com/imdevinc/clipbird/internal/content"
	"github.com/imdevinc/clipbird/internal/role"
)

// Event is what the syncing manager reports to the application
type Event interface {
	isEvent()
}

// Sink receives syncing manager events on the loop
type Sink func(Event)

// RoleEvent passes a role manager event through unchanged
type RoleEvent struct {
	Event role.Event
}

// RoleChanged reports a completed role transition
type RoleChanged struct {
	From Role
	To   Role
}

// ClipboardApplied is emitted after inbound content was written to the clipboard
type ClipboardApplied struct {
	Source Source
	Items  []content.Item
}

// Failover is emitted when a lost server triggers a connect to another one
type Failover struct {
	From string
	To   string
}

func (RoleEvent) isEvent()        {}
func (RoleChanged) isEvent()      {}
func (ClipboardApplied) isEvent() {}
func (Failover) isEvent()         {}
