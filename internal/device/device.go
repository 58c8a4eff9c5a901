package device

import (
	"context"
	"time"
)

const (
	// DefaultDeviceName is the advertised local name THORD devices use.
	DefaultDeviceName = "THORD"

	// DefaultConnectTimeout bounds device selection plus the GATT connect.
	DefaultConnectTimeout = 30 * time.Second
)

// ConnectOptions selects the peripheral to connect to.
type ConnectOptions struct {
	// Name filters advertisements by exact local name. Ignored when Address is set.
	Name string
	// Address dials a known peripheral directly.
	Address        string
	ConnectTimeout time.Duration
}

// Central selects a peripheral and opens a GATT connection to it.
type Central interface {
	// Connect blocks until a matching peripheral is connected, the timeout
	// elapses or ctx is canceled.
	Connect(ctx context.Context, opts *ConnectOptions) (Peripheral, error)
}

// Peripheral is a connected GATT server.
type Peripheral interface {
	Name() string
	Address() string

	// DiscoverCharacteristic resolves a characteristic inside a service.
	// It returns a *NotFoundError when either is missing.
	DiscoverCharacteristic(ctx context.Context, serviceUUID, charUUID string) (Characteristic, error)

	// Disconnected is closed when the link drops, whoever initiated it.
	Disconnected() <-chan struct{}

	// Disconnect cancels the connection. Safe to call more than once.
	Disconnect() error
}

// Characteristic is a resolved GATT characteristic.
type Characteristic interface {
	UUID() string

	// Subscribe enables notifications (or indications) and delivers each
	// payload to handler. handler runs on the transport's goroutine and must
	// not retain data.
	Subscribe(handler func(data []byte)) error
	Unsubscribe() error

	// Write sends data, chunked to the link's payload size.
	Write(data []byte, withResponse bool) error
}
