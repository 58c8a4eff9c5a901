// Package forward relays decoded THORD MIDI messages to a local MIDI output port.
package forward

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/store"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// SendFunc delivers one message. midi.SendTo returns one.
type SendFunc func(msg midi.Message) error

// Source is the event feed a Forwarder listens to. *store.Store implements it.
type Source interface {
	Subscribe(fn func(store.Event)) (cancel func())
}

// Stats counts forwarding activity.
type Stats struct {
	Sent   uint64
	Failed uint64
}

// Forwarder sends every MIDI message the source reports to send.
type Forwarder struct {
	send   SendFunc
	logger *logrus.Logger

	mu     sync.Mutex
	cancel func()

	sent   atomic.Uint64
	failed atomic.Uint64
}

// OpenPort finds the output port whose name contains name and returns a sender for it.
func OpenPort(name string) (SendFunc, drivers.Out, error) {
	out, err := midi.FindOutPort(name)
	if err != nil {
		return nil, nil, fmt.Errorf("MIDI output port %q not found: %w", name, err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open MIDI output port %q: %w", out.String(), err)
	}
	return send, out, nil
}

// New starts forwarding from src to send until Close is called.
func New(src Source, send SendFunc, logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.New()
	}
	f := &Forwarder{send: send, logger: logger}
	f.cancel = src.Subscribe(f.handle)
	return f
}

func (f *Forwarder) handle(ev store.Event) {
	if ev.Kind != store.EventMIDI {
		return
	}
	for _, msg := range ev.MIDI {
		if err := f.send(msg); err != nil {
			f.failed.Add(1)
			f.logger.WithError(err).WithField("message", msg.String()).Warn("Failed to forward MIDI message")
			continue
		}
		f.sent.Add(1)
	}
}

func (f *Forwarder) Stats() Stats {
	return Stats{Sent: f.sent.Load(), Failed: f.failed.Load()}
}

// Close stops forwarding. It is safe to call more than once.
func (f *Forwarder) Close() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
