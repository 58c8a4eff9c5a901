// Package session drives the THORD connection lifecycle: device selection,
// GATT discovery, notification subscription and teardown, and turns raw
// notifications into decoded MIDI messages and orientation samples.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/blemidi"
	"github.com/srg/thordlink/internal/device"
	"github.com/srg/thordlink/internal/groutine"
	"github.com/srg/thordlink/internal/orientation"
	"gitlab.com/gomidi/midi/v2"
)

var (
	// ErrConnectInProgress is returned when Connect is called while another attempt runs.
	ErrConnectInProgress = errors.New("connection attempt already in progress")

	// ErrAborted is returned by an attempt that was superseded by Disconnect.
	ErrAborted = errors.New("connection attempt aborted")
)

// Options configures a Session.
type Options struct {
	DeviceName     string
	Address        string
	ConnectTimeout time.Duration
	// Reassemble completes MIDI messages split across notifications.
	Reassemble bool
}

// Session owns at most one live connection to a THORD peripheral.
type Session struct {
	central device.Central
	sink    Sink
	opts    Options
	logger  *logrus.Logger

	connecting atomic.Bool
	group      groutine.Group

	mu     sync.Mutex
	state  ConnectionState
	epoch  uint64
	handle *handle
}

// handle is the live connection: the peripheral, both subscriptions and the MIDI stream.
type handle struct {
	epoch       uint64
	peripheral  device.Peripheral
	orientation device.Characteristic
	midi        device.Characteristic
	stream      *blemidi.Stream
	stop        chan struct{}
}

// partial tracks what an attempt acquired so a failure can release it.
type partial struct {
	peripheral  device.Peripheral
	orientation device.Characteristic
	midi        device.Characteristic
	subscribed  []device.Characteristic
	stream      *blemidi.Stream
}

// New creates a Session. A nil sink discards output; a nil logger logs to logrus defaults.
func New(central device.Central, sink Sink, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = discardSink{}
	}
	if opts.DeviceName == "" {
		opts.DeviceName = device.DefaultDeviceName
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = device.DefaultConnectTimeout
	}
	return &Session{
		central: central,
		sink:    sink,
		opts:    opts,
		logger:  logger,
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// DeviceName returns the connected peripheral's name, or "" when not connected.
func (s *Session) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return ""
	}
	return s.handle.peripheral.Name()
}

// Connect opens a fresh connection. A live connection is torn down first.
// Any failure leaves the session Disconnected and is returned wrapped.
func (s *Session) Connect(ctx context.Context) error {
	if !s.connecting.CompareAndSwap(false, true) {
		return ErrConnectInProgress
	}
	defer s.connecting.Store(false)

	if s.IsConnected() {
		s.logger.Info("Already connected, disconnecting before reconnect")
		if err := s.Disconnect(); err != nil {
			s.logger.WithError(err).Warn("Disconnect before reconnect reported an error")
		}
	}
	return s.connect(ctx)
}

// Toggle disconnects a connected session and connects otherwise.
func (s *Session) Toggle(ctx context.Context) error {
	if s.IsConnected() {
		return s.Disconnect()
	}
	return s.Connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	log := s.logger.WithFields(logrus.Fields{
		"attempt": uuid.NewString(),
		"name":    s.opts.DeviceName,
	})
	if s.opts.Address != "" {
		log = log.WithField("address", s.opts.Address)
	}

	epoch, err := s.begin()
	if err != nil {
		return err
	}
	log = log.WithField("epoch", epoch)
	log.Info("Connecting to device...")

	p := &partial{}
	periph, err := s.central.Connect(ctx, &device.ConnectOptions{
		Name:           s.opts.DeviceName,
		Address:        s.opts.Address,
		ConnectTimeout: s.opts.ConnectTimeout,
	})
	if err != nil {
		return s.fail(epoch, log, p, fmt.Errorf("device selection failed: %w", err))
	}
	p.peripheral = periph

	if err := s.advance(epoch, ServiceDiscovery); err != nil {
		return s.fail(epoch, log, p, err)
	}
	p.orientation, err = periph.DiscoverCharacteristic(ctx, device.CustomServiceUUID, device.CustomCharacteristicUUID)
	if err != nil {
		return s.fail(epoch, log, p, fmt.Errorf("orientation characteristic: %w", err))
	}
	p.midi, err = periph.DiscoverCharacteristic(ctx, device.MIDIServiceUUID, device.MIDICharacteristicUUID)
	if err != nil {
		return s.fail(epoch, log, p, fmt.Errorf("MIDI characteristic: %w", err))
	}

	if err := s.advance(epoch, Subscribing); err != nil {
		return s.fail(epoch, log, p, err)
	}
	if err := p.orientation.Subscribe(s.orientationHandler(epoch, log)); err != nil {
		return s.fail(epoch, log, p, fmt.Errorf("orientation notifications: %w", err))
	}
	p.subscribed = append(p.subscribed, p.orientation)

	p.stream = s.newStream()
	if err := p.midi.Subscribe(s.midiHandler(epoch, p.stream)); err != nil {
		return s.fail(epoch, log, p, fmt.Errorf("MIDI notifications: %w", err))
	}
	p.subscribed = append(p.subscribed, p.midi)

	return s.complete(epoch, log, p)
}

func (s *Session) newStream() *blemidi.Stream {
	if s.opts.Reassemble {
		return blemidi.NewStream(blemidi.WithReassembly())
	}
	return blemidi.NewStream()
}

// begin starts a new attempt and returns its epoch.
func (s *Session) begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := transition(s.state, Connecting); err != nil {
		return 0, fmt.Errorf("cannot connect while %s: %w", s.state, err)
	}
	s.epoch++
	return s.epoch, s.setStateLocked(Connecting)
}

// advance moves the attempt with the given epoch to the next phase.
func (s *Session) advance(epoch uint64, to ConnectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return ErrAborted
	}
	return s.setStateLocked(to)
}

func (s *Session) complete(epoch uint64, log *logrus.Entry, p *partial) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return s.fail(epoch, log, p, ErrAborted)
	}

	h := &handle{
		epoch:       epoch,
		peripheral:  p.peripheral,
		orientation: p.orientation,
		midi:        p.midi,
		stream:      p.stream,
		stop:        make(chan struct{}),
	}
	s.handle = h
	if err := s.setStateLocked(Connected); err != nil {
		s.handle = nil
		s.mu.Unlock()
		return s.fail(epoch, log, p, err)
	}
	s.mu.Unlock()

	s.group.Go(context.Background(), "thord-link-monitor", func(context.Context) {
		select {
		case <-h.peripheral.Disconnected():
			s.linkLost(h.epoch)
		case <-h.stop:
		}
	})

	log.WithField("device", h.peripheral.Name()).Info("Device connected")
	return nil
}

// fail releases whatever the attempt acquired and, unless the attempt was
// already abandoned, returns the session to Disconnected.
func (s *Session) fail(epoch uint64, log *logrus.Entry, p *partial, err error) error {
	s.release(p, log)

	s.mu.Lock()
	if s.epoch == epoch && s.state.InFlight() {
		if terr := s.setStateLocked(Disconnected); terr != nil {
			log.WithError(terr).Error("Failed to reset connection state")
		}
	}
	s.mu.Unlock()

	if errors.Is(err, ErrAborted) {
		log.Info("Connection attempt abandoned")
	} else {
		log.WithError(err).Error("Connection attempt failed")
	}
	return err
}

func (s *Session) release(p *partial, log *logrus.Entry) {
	for _, c := range p.subscribed {
		if err := c.Unsubscribe(); err != nil {
			log.WithError(err).WithField("char_uuid", c.UUID()).Debug("Unsubscribe during cleanup failed")
		}
	}
	if p.peripheral != nil {
		if err := p.peripheral.Disconnect(); err != nil {
			log.WithError(err).Debug("Disconnect during cleanup failed")
		}
	}
}

// Disconnect tears down the live connection or abandons an attempt in flight.
// It is a no-op when already disconnected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	switch {
	case s.state == Disconnected || s.state == Disconnecting:
		s.mu.Unlock()
		return nil
	case s.state.InFlight():
		s.epoch++
		_ = s.setStateLocked(Disconnecting)
		_ = s.setStateLocked(Disconnected)
		s.mu.Unlock()
		s.logger.Info("Connection attempt canceled")
		return nil
	}
	return s.teardownLocked("requested")
}

// linkLost handles a disconnect the peripheral or the OS initiated.
func (s *Session) linkLost(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != Connected {
		s.mu.Unlock()
		return
	}
	if err := s.teardownLocked("link lost"); err != nil {
		s.logger.WithError(err).Debug("Teardown after link loss reported an error")
	}
}

// teardownLocked runs the shared teardown path for a Connected session.
// It must be called with s.mu held and returns with it released.
func (s *Session) teardownLocked(reason string) error {
	h := s.handle
	s.handle = nil
	s.epoch++
	_ = s.setStateLocked(Disconnecting)
	s.mu.Unlock()

	log := s.logger.WithFields(logrus.Fields{
		"device": h.peripheral.Name(),
		"reason": reason,
	})
	log.Info("Disconnecting...")

	close(h.stop)
	for _, c := range []device.Characteristic{h.orientation, h.midi} {
		if err := c.Unsubscribe(); err != nil {
			log.WithError(err).WithField("char_uuid", c.UUID()).Debug("Unsubscribe failed")
		}
	}
	if msgs := h.stream.Flush(); len(msgs) > 0 {
		s.sink.Deliver(Notification{Epoch: h.epoch, MIDI: msgs})
	}
	err := h.peripheral.Disconnect()

	s.mu.Lock()
	_ = s.setStateLocked(Disconnected)
	s.mu.Unlock()

	log.Info("Device disconnected")
	if err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// setStateLocked applies a transition and publishes it. s.mu must be held.
func (s *Session) setStateLocked(to ConnectionState) error {
	if err := transition(s.state, to); err != nil {
		return err
	}
	from := s.state
	s.state = to

	change := StateChange{Epoch: s.epoch, State: to}
	if to == Connected && s.handle != nil {
		change.Epoch = s.handle.epoch
		change.DeviceName = s.handle.peripheral.Name()
		change.Handles = Handles{Orientation: s.handle.orientation, MIDI: s.handle.midi}
	}
	s.logger.WithFields(logrus.Fields{
		"from":  from,
		"to":    to,
		"epoch": s.epoch,
	}).Debug("Connection state changed")
	s.sink.StateChanged(change)
	return nil
}

func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *Session) orientationHandler(epoch uint64, log *logrus.Entry) func([]byte) {
	return func(data []byte) {
		if len(data) < orientation.PayloadSize {
			log.WithField("bytes", len(data)).Warn("Dropping short orientation payload")
			return
		}
		if !s.current(epoch) {
			return
		}
		sample := orientation.Decode(data)
		s.sink.Deliver(Notification{Epoch: epoch, Orientation: &sample})
	}
}

func (s *Session) midiHandler(epoch uint64, stream *blemidi.Stream) func([]byte) {
	return func(data []byte) {
		if !s.current(epoch) {
			return
		}
		if msgs := stream.Push(data); len(msgs) > 0 {
			s.sink.Deliver(Notification{Epoch: epoch, MIDI: msgs})
		}
	}
}

// WriteCommand writes a text command (for example "FILE_LIST") to the orientation characteristic.
func (s *Session) WriteCommand(text string) error {
	h, err := s.live()
	if err != nil {
		return err
	}
	s.logger.WithField("command", text).Debug("Writing command")
	if err := h.orientation.Write([]byte(text), true); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// SendMIDI writes msgs to the MIDI characteristic, one BLE-MIDI packet per message.
func (s *Session) SendMIDI(msgs ...midi.Message) error {
	h, err := s.live()
	if err != nil {
		return err
	}
	packets, err := blemidi.Encode(blemidi.Timestamp(time.Now()), msgs...)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := h.midi.Write(pkt, false); err != nil {
			return fmt.Errorf("send MIDI: %w", err)
		}
	}
	return nil
}

// MIDIStats returns the counters of the live connection's MIDI stream.
func (s *Session) MIDIStats() (blemidi.StreamStats, bool) {
	h, err := s.live()
	if err != nil {
		return blemidi.StreamStats{}, false
	}
	return h.stream.Stats(), true
}

func (s *Session) live() (*handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.handle == nil {
		return nil, device.ErrNotConnected
	}
	return s.handle, nil
}

// Close disconnects and waits for the session's goroutines to exit.
func (s *Session) Close() error {
	err := s.Disconnect()
	s.group.Wait()
	return err
}

type discardSink struct{}

func (discardSink) StateChanged(StateChange) {}
func (discardSink) Deliver(Notification)     {}
