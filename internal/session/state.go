package session

import (
	"errors"
	"fmt"
)

// ConnectionState is the lifecycle position of the THORD link.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	ServiceDiscovery
	Subscribing
	Connected
	Disconnecting
)

var stateNames = [...]string{
	Disconnected:     "disconnected",
	Connecting:       "connecting",
	ServiceDiscovery: "service-discovery",
	Subscribing:      "subscribing",
	Connected:        "connected",
	Disconnecting:    "disconnecting",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// InFlight reports whether s belongs to a connection attempt that has not finished.
func (s ConnectionState) InFlight() bool {
	return s == Connecting || s == ServiceDiscovery || s == Subscribing
}

// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[ConnectionState][]ConnectionState{
	Disconnected:     {Connecting},
	Connecting:       {ServiceDiscovery, Disconnected, Disconnecting},
	ServiceDiscovery: {Subscribing, Disconnected, Disconnecting},
	Subscribing:      {Connected, Disconnected, Disconnecting},
	Connected:        {Disconnecting},
	Disconnecting:    {Disconnected},
}

// transition is the single authority on allowed state changes.
func transition(from, to ConnectionState) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
