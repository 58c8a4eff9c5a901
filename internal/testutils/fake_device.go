package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/srg/thordlink/internal/device"
)

// FakeCharacteristic is an in-memory device.Characteristic.
type FakeCharacteristic struct {
	mu           sync.Mutex
	uuid         string
	notifiable   bool
	subscribeErr error
	writeErr     error

	handler      func([]byte)
	subscribes   int
	unsubscribes int
	writes       [][]byte
}

func (c *FakeCharacteristic) UUID() string {
	return c.uuid
}

func (c *FakeCharacteristic) Subscribe(handler func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	if !c.notifiable {
		return fmt.Errorf("%w: characteristic %s does not support notifications", device.ErrUnsupported, c.uuid)
	}
	c.handler = handler
	c.subscribes++
	return nil
}

func (c *FakeCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	c.unsubscribes++
	return nil
}

func (c *FakeCharacteristic) Write(data []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

// Notify delivers data to the subscribed handler. It reports false when nobody is subscribed.
func (c *FakeCharacteristic) Notify(data []byte) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

func (c *FakeCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

func (c *FakeCharacteristic) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *FakeCharacteristic) Unsubscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes
}

// Writes returns a copy of every payload written so far.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

// FakePeripheral is an in-memory device.Peripheral.
type FakePeripheral struct {
	mu           sync.Mutex
	name         string
	address      string
	chars        map[string]*FakeCharacteristic
	discoverErrs map[string]error

	disconnects  int
	closeOnce    sync.Once
	disconnected chan struct{}
}

func newFakePeripheral(name, address string) *FakePeripheral {
	return &FakePeripheral{
		name:         name,
		address:      address,
		chars:        map[string]*FakeCharacteristic{},
		discoverErrs: map[string]error{},
		disconnected: make(chan struct{}),
	}
}

func (p *FakePeripheral) Name() string    { return p.name }
func (p *FakePeripheral) Address() string { return p.address }

func (p *FakePeripheral) DiscoverCharacteristic(ctx context.Context, serviceUUID, charUUID string) (device.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.discoverErrs[device.NormalizeUUID(charUUID)]; err != nil {
		return nil, err
	}
	if c, ok := p.chars[charKey(serviceUUID, charUUID)]; ok {
		return c, nil
	}
	prefix := device.NormalizeUUID(serviceUUID) + "/"
	for key := range p.chars {
		if strings.HasPrefix(key, prefix) {
			return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{serviceUUID, charUUID}}
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{serviceUUID}}
}

// Characteristic returns the fake behind a service/characteristic pair, or nil.
func (p *FakePeripheral) Characteristic(serviceUUID, charUUID string) *FakeCharacteristic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chars[charKey(serviceUUID, charUUID)]
}

// Orientation returns the THORD orientation characteristic fake.
func (p *FakePeripheral) Orientation() *FakeCharacteristic {
	return p.Characteristic(device.CustomServiceUUID, device.CustomCharacteristicUUID)
}

// MIDI returns the THORD MIDI characteristic fake.
func (p *FakePeripheral) MIDI() *FakeCharacteristic {
	return p.Characteristic(device.MIDIServiceUUID, device.MIDICharacteristicUUID)
}

func (p *FakePeripheral) Disconnected() <-chan struct{} {
	return p.disconnected
}

func (p *FakePeripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	p.closeOnce.Do(func() { close(p.disconnected) })
	return nil
}

// DropLink simulates a disconnect initiated by the peripheral.
func (p *FakePeripheral) DropLink() {
	p.closeOnce.Do(func() { close(p.disconnected) })
}

// Disconnects returns how many times Disconnect was called.
func (p *FakePeripheral) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// FakeCentral hands out prepared peripherals in order.
type FakeCentral struct {
	mu          sync.Mutex
	peripherals []*FakePeripheral
	connectErr  error
	gate        chan struct{}
	entered     chan struct{}
	connects    int
	lastOpts    device.ConnectOptions
}

// NewFakeCentral creates a central that returns peripherals one per Connect call.
func NewFakeCentral(peripherals ...*FakePeripheral) *FakeCentral {
	return &FakeCentral{peripherals: peripherals}
}

// FailWith makes every later Connect fail with err.
func (c *FakeCentral) FailWith(err error) *FakeCentral {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
	return c
}

// Hold makes Connect block until Release is called or ctx ends. The returned
// channel receives once Connect is blocked.
func (c *FakeCentral) Hold() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 1)
	return c.entered
}

// Release unblocks a held Connect.
func (c *FakeCentral) Release() {
	c.mu.Lock()
	gate := c.gate
	c.gate = nil
	c.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (c *FakeCentral) Connect(ctx context.Context, opts *device.ConnectOptions) (device.Peripheral, error) {
	c.mu.Lock()
	c.connects++
	if opts != nil {
		c.lastOpts = *opts
	}
	gate, entered := c.gate, c.entered
	c.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", device.ErrSelectionCanceled, ctx.Err())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	if len(c.peripherals) == 0 {
		return nil, fmt.Errorf("%w: no device found", device.ErrTimeout)
	}
	p := c.peripherals[0]
	c.peripherals = c.peripherals[1:]
	return p, nil
}

// Connects returns how many times Connect was called.
func (c *FakeCentral) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// LastOptions returns the options of the most recent Connect call.
func (c *FakeCentral) LastOptions() device.ConnectOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpts
}
