package main

import (
	"errors"
	"fmt"

	"github.com/srg/thordlink/internal/device"
	"github.com/srg/thordlink/internal/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns an error chain into a message for the terminal.
func FormatUserError(err error) string {
	var nf *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not supported on this platform"
	case errors.Is(err, device.ErrTimeout):
		return "no THORD device found before the timeout; make sure it is powered on and advertising"
	case errors.Is(err, device.ErrSelectionCanceled):
		return "device selection canceled"
	case errors.As(err, &nf):
		return fmt.Sprintf("connected device does not look like a THORD: %s", nf.Error())
	case errors.Is(err, session.ErrConnectInProgress):
		return "a connection attempt is already in progress"
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, device.ErrNotConnected):
		return "device is not connected"
	default:
		return err.Error()
	}
}
