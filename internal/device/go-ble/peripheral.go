package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/device"
	"github.com/srg/thordlink/internal/groutine"
)

// gattClient is the part of ble.Client a peripheral uses.
type gattClient interface {
	Name() string
	Addr() ble.Addr
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Peripheral is a connected go-ble client.
type Peripheral struct {
	client gattClient
	name   string
	logger *logrus.Logger

	writeMutex sync.Mutex

	closeOnce    sync.Once
	disconnected chan struct{}
}

func newPeripheral(client gattClient, fallbackName string, logger *logrus.Logger) *Peripheral {
	name := client.Name()
	if name == "" {
		name = fallbackName
	}
	p := &Peripheral{
		client:       client,
		name:         name,
		logger:       logger,
		disconnected: make(chan struct{}),
	}

	// Forward the client's own disconnect signal when the platform provides one
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-disconnect-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				p.logger.WithField("name", p.name).Warn("BLE link reported disconnection")
				p.markDisconnected()
			case <-p.disconnected:
			}
		})
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return p
}

func (p *Peripheral) Name() string {
	return p.name
}

func (p *Peripheral) Address() string {
	if addr := p.client.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// DiscoverCharacteristic resolves one characteristic and its descriptors.
func (p *Peripheral) DiscoverCharacteristic(ctx context.Context, serviceUUID, charUUID string) (device.Characteristic, error) {
	svcID, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}
	charID, err := ble.Parse(charUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUUID, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	services, err := p.client.DiscoverServices([]ble.UUID{svcID})
	if err != nil {
		return nil, fmt.Errorf("failed to discover service %s: %w", serviceUUID, NormalizeError(err))
	}
	svc := findService(services, svcID)
	if svc == nil {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chars, err := p.client.DiscoverCharacteristics([]ble.UUID{charID}, svc)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristic %s: %w", charUUID, NormalizeError(err))
	}
	char := findCharacteristic(chars, charID)
	if char == nil {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
	}

	// The CCCD has to be known before Subscribe can enable notifications
	if _, err := p.client.DiscoverDescriptors(nil, char); err != nil {
		p.logger.WithFields(logrus.Fields{
			"char_uuid": charUUID,
			"error":     err,
		}).Debug("Descriptor discovery failed")
	}

	p.logger.WithFields(logrus.Fields{
		"service_uuid": serviceUUID,
		"char_uuid":    charUUID,
	}).Debug("Characteristic discovered")
	return newCharacteristic(p, char), nil
}

func (p *Peripheral) Disconnected() <-chan struct{} {
	return p.disconnected
}

// Disconnect cancels the connection. Later calls are no-ops.
func (p *Peripheral) Disconnect() error {
	var err error
	p.closeOnce.Do(func() {
		err = NormalizeError(p.client.CancelConnection())
		close(p.disconnected)
	})
	return err
}

func (p *Peripheral) markDisconnected() {
	p.closeOnce.Do(func() {
		close(p.disconnected)
	})
}

func findService(services []*ble.Service, id ble.UUID) *ble.Service {
	for _, s := range services {
		if s.UUID.Equal(id) {
			return s
		}
	}
	return nil
}

func findCharacteristic(chars []*ble.Characteristic, id ble.UUID) *ble.Characteristic {
	for _, c := range chars {
		if c.UUID.Equal(id) {
			return c
		}
	}
	return nil
}
