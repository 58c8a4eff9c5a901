package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newPlatformDevice()
}

// dialFunc and connectFunc wrap the go-ble package helpers that use the default device.
var (
	dialFunc = func(ctx context.Context, address string) (gattClient, error) {
		return ble.Dial(ctx, ble.NewAddr(address))
	}
	connectFunc = func(ctx context.Context, filter ble.AdvFilter) (gattClient, error) {
		return ble.Connect(ctx, filter)
	}
)

// Central connects to THORD peripherals through go-ble.
type Central struct {
	logger *logrus.Logger

	initOnce sync.Once
	initErr  error
}

// NewCentral creates a Central. The host controller is opened on the first Connect.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{logger: logger}
}

func (c *Central) init() error {
	c.initOnce.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			c.initErr = fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
			return
		}
		ble.SetDefaultDevice(dev)
	})
	return c.initErr
}

// Connect selects a peripheral by address or by advertised local name and opens a GATT connection.
func (c *Central) Connect(ctx context.Context, opts *device.ConnectOptions) (device.Peripheral, error) {
	if opts == nil {
		opts = &device.ConnectOptions{}
	}
	name := opts.Name
	if name == "" {
		name = device.DefaultDeviceName
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = device.DefaultConnectTimeout
	}

	if err := c.init(); err != nil {
		c.logger.WithError(err).Error("BLE host unavailable")
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		client gattClient
		err    error
	)
	if address := strings.TrimSpace(opts.Address); address != "" {
		c.logger.WithField("address", address).Debug("Dialing BLE device...")
		client, err = dialFunc(connCtx, address)
	} else {
		c.logger.WithFields(logrus.Fields{
			"name":    name,
			"timeout": timeout,
		}).Debug("Waiting for advertising device...")
		client, err = connectFunc(connCtx, func(a ble.Advertisement) bool {
			return a.Connectable() && a.LocalName() == name
		})
	}

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, fmt.Errorf("%w: %v", device.ErrSelectionCanceled, err)
		case errors.Is(connCtx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: no %q device found within %v", device.ErrTimeout, name, timeout)
		}
		return nil, fmt.Errorf("failed to connect: %w", NormalizeError(err))
	}

	p := newPeripheral(client, name, c.logger)
	c.logger.WithFields(logrus.Fields{
		"name":    p.Name(),
		"address": p.Address(),
	}).Info("BLE device connected")
	return p, nil
}
