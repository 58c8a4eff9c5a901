package goble

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/device"
)

const (
	// MaxChunkSize is the write payload size for the default 23-byte ATT MTU.
	MaxChunkSize = 20

	// ChunkDelay spaces consecutive chunks so the peripheral is not overrun.
	ChunkDelay = 10 * time.Millisecond
)

// Characteristic is a discovered go-ble characteristic.
type Characteristic struct {
	peripheral *Peripheral
	char       *ble.Characteristic
	uuid       string
	indicate   atomic.Bool
}

func newCharacteristic(p *Peripheral, c *ble.Characteristic) *Characteristic {
	return &Characteristic{
		peripheral: p,
		char:       c,
		uuid:       device.NormalizeUUID(c.UUID.String()),
	}
}

func (c *Characteristic) UUID() string {
	return c.uuid
}

// Subscribe enables notifications, falling back to indications when the
// characteristic only supports those.
func (c *Characteristic) Subscribe(handler func(data []byte)) error {
	props := c.char.Property
	if props&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("%w: characteristic %s does not support notifications", device.ErrUnsupported, c.uuid)
	}
	ind := props&ble.CharNotify == 0
	c.indicate.Store(ind)

	if err := c.peripheral.client.Subscribe(c.char, ind, func(data []byte) {
		handler(data)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.uuid, NormalizeError(err))
	}

	c.peripheral.logger.WithFields(logrus.Fields{
		"char_uuid": c.uuid,
		"indicate":  ind,
	}).Debug("Subscribed to characteristic")
	return nil
}

func (c *Characteristic) Unsubscribe() error {
	if err := c.peripheral.client.Unsubscribe(c.char, c.indicate.Load()); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", c.uuid, NormalizeError(err))
	}
	return nil
}

// Write splits data into MaxChunkSize chunks.
func (c *Characteristic) Write(data []byte, withResponse bool) error {
	c.peripheral.writeMutex.Lock()
	defer c.peripheral.writeMutex.Unlock()

	return writeChunked(data, MaxChunkSize, ChunkDelay, func(chunk []byte) error {
		if err := c.peripheral.client.WriteCharacteristic(c.char, chunk, !withResponse); err != nil {
			return fmt.Errorf("failed to write to %s: %w", c.uuid, NormalizeError(err))
		}
		c.peripheral.logger.WithFields(logrus.Fields{
			"char_uuid": c.uuid,
			"bytes":     len(chunk),
		}).Debug("Wrote chunk to device")
		return nil
	})
}

func writeChunked(data []byte, size int, delay time.Duration, write func([]byte) error) error {
	for len(data) > 0 {
		n := min(len(data), size)
		if err := write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}
