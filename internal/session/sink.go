package session

import (
	"github.com/srg/thordlink/internal/device"
	"github.com/srg/thordlink/internal/orientation"
	"gitlab.com/gomidi/midi/v2"
)

// Handles are the live characteristic subscriptions of a connection.
type Handles struct {
	Orientation device.Characteristic
	MIDI        device.Characteristic
}

// StateChange describes the session after a transition.
// DeviceName and Handles are only set while Connected.
type StateChange struct {
	Epoch      uint64
	State      ConnectionState
	DeviceName string
	Handles    Handles
}

// Notification carries the decoded content of one characteristic notification.
type Notification struct {
	Epoch       uint64
	MIDI        []midi.Message
	Orientation *orientation.Sample
}

// Sink receives the session's output. StateChanged is called synchronously
// and in order; Deliver must not block.
type Sink interface {
	StateChanged(change StateChange)
	Deliver(n Notification)
}
