// Package store holds the shared, observable view of the THORD link:
// connection state, device name, characteristic handles, the MIDI message
// history and the latest orientation sample.
//
// The store is a session.Sink. State changes are applied synchronously;
// notifications go through a bounded drop-oldest queue that Run or Drain
// applies in delivery order.
package store

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/orientation"
	"github.com/srg/thordlink/internal/session"
	"gitlab.com/gomidi/midi/v2"
)

const (
	DefaultHistoryLimit = 4096
	DefaultQueueSize    = 256
)

// Options configures a Store.
type Options struct {
	// HistoryLimit caps the MIDI history; the oldest messages are dropped first.
	// Zero keeps every message.
	HistoryLimit int
	// QueueSize is the capacity of the notification queue.
	QueueSize uint32
}

// DefaultOptions returns the store defaults.
func DefaultOptions() Options {
	return Options{
		HistoryLimit: DefaultHistoryLimit,
		QueueSize:    DefaultQueueSize,
	}
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventState EventKind = iota
	EventMIDI
	EventOrientation
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventMIDI:
		return "midi"
	case EventOrientation:
		return "orientation"
	default:
		return "unknown"
	}
}

// Event is delivered to observers for every accepted change.
type Event struct {
	Kind        EventKind
	State       session.ConnectionState
	DeviceName  string
	MIDI        []midi.Message
	Orientation orientation.Sample
}

// Snapshot is a consistent copy of the store.
type Snapshot struct {
	State       session.ConnectionState
	DeviceName  string
	Orientation orientation.Sample
	History     []midi.Message
	Handles     session.Handles
}

// Metrics counts queue and apply activity.
type Metrics struct {
	Delivered          uint64 // notifications enqueued
	Overwritten        uint64 // notifications dropped by a full queue
	Applied            uint64 // notifications applied
	DroppedOrientation uint64 // samples that arrived while not connected
	HistoryTrimmed     uint64 // MIDI messages dropped by the history limit
}

// Store is the context shared by the session and its consumers.
type Store struct {
	logger *logrus.Logger
	opts   Options

	queue   mpmc.RichOverlappedRingBuffer[session.Notification]
	wake    chan struct{}
	drainMu sync.Mutex

	mu             sync.RWMutex
	state          session.ConnectionState
	deviceName     string
	handles        session.Handles
	connectedEpoch uint64
	orientation    orientation.Sample
	history        []midi.Message

	observers *hashmap.Map[uint64, func(Event)]
	nextID    atomic.Uint64

	delivered          atomic.Uint64
	overwritten        atomic.Uint64
	applied            atomic.Uint64
	droppedOrientation atomic.Uint64
	historyTrimmed     atomic.Uint64
}

// New creates a Store. A nil logger logs to logrus defaults.
func New(opts Options, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HistoryLimit < 0 {
		opts.HistoryLimit = 0
	}
	return &Store{
		logger:    logger,
		opts:      opts,
		queue:     mpmc.NewOverlappedRingBuffer[session.Notification](opts.QueueSize),
		wake:      make(chan struct{}, 1),
		observers: hashmap.New[uint64, func(Event)](),
	}
}

// StateChanged records a session transition. Entering Disconnected clears the
// device name and handles; history and the last orientation are kept.
func (s *Store) StateChanged(change session.StateChange) {
	s.mu.Lock()
	s.state = change.State
	switch change.State {
	case session.Connected:
		s.deviceName = change.DeviceName
		s.handles = change.Handles
		s.connectedEpoch = change.Epoch
	case session.Disconnected:
		s.deviceName = ""
		s.handles = session.Handles{}
		s.connectedEpoch = 0
	}
	ev := Event{Kind: EventState, State: s.state, DeviceName: s.deviceName}
	s.mu.Unlock()

	s.notify(ev)
}

// Deliver enqueues a notification without blocking. When the queue is full the
// oldest pending notification is dropped.
func (s *Store) Deliver(n session.Notification) {
	overwrites, err := s.queue.EnqueueM(n)
	if err != nil {
		s.logger.WithError(err).Error("Failed to enqueue notification")
		return
	}
	s.delivered.Add(1)
	if overwrites > 0 {
		s.overwritten.Add(uint64(overwrites))
		s.logger.WithField("dropped", overwrites).Warn("Notification queue full, oldest entries dropped")
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run applies queued notifications until ctx is done, then drains what is left.
func (s *Store) Run(ctx context.Context) {
	for {
		s.Drain()
		select {
		case <-ctx.Done():
			s.Drain()
			return
		case <-s.wake:
		}
	}
}

// Drain applies every queued notification and returns how many it applied.
func (s *Store) Drain() int {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	n := 0
	for !s.queue.IsEmpty() {
		item, err := s.queue.Dequeue()
		if err != nil {
			break
		}
		s.apply(item)
		n++
	}
	return n
}

func (s *Store) apply(n session.Notification) {
	var events []Event

	s.mu.Lock()
	if len(n.MIDI) > 0 {
		s.history = append(s.history, n.MIDI...)
		if limit := s.opts.HistoryLimit; limit > 0 && len(s.history) > limit {
			over := len(s.history) - limit
			copy(s.history, s.history[over:])
			clear(s.history[limit:])
			s.history = s.history[:limit]
			s.historyTrimmed.Add(uint64(over))
		}
		events = append(events, Event{Kind: EventMIDI, State: s.state, DeviceName: s.deviceName, MIDI: n.MIDI})
	}
	if n.Orientation != nil {
		if s.state == session.Connected && n.Epoch == s.connectedEpoch {
			s.orientation = *n.Orientation
			events = append(events, Event{Kind: EventOrientation, State: s.state, DeviceName: s.deviceName, Orientation: s.orientation})
		} else {
			s.droppedOrientation.Add(1)
		}
	}
	s.mu.Unlock()

	s.applied.Add(1)
	for _, ev := range events {
		s.notify(ev)
	}
}

// Subscribe registers fn for every accepted change and returns a function that
// removes it. fn may be called from different goroutines and must not block.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	id := s.nextID.Add(1)
	s.observers.Set(id, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.observers.Del(id)
		})
	}
}

// Watch streams events on a channel until ctx is done. Events that do not
// fit into the buffer are dropped.
func (s *Store) Watch(ctx context.Context, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	cancel := s.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			s.logger.WithField("kind", ev.Kind).Debug("Watcher too slow, event dropped")
		}
	})

	go func() {
		<-ctx.Done()
		cancel()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

func (s *Store) notify(ev Event) {
	s.observers.Range(func(_ uint64, fn func(Event)) bool {
		fn(ev)
		return true
	})
}

// Snapshot returns a copy of the current context.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		State:       s.state,
		DeviceName:  s.deviceName,
		Orientation: s.orientation,
		History:     slices.Clone(s.history),
		Handles:     s.handles,
	}
}

func (s *Store) State() session.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) IsConnected() bool {
	return s.State() == session.Connected
}

func (s *Store) DeviceName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceName
}

func (s *Store) Orientation() orientation.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orientation
}

// History returns a copy of the MIDI history, oldest first.
func (s *Store) History() []midi.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// HistoryLen returns the number of messages in the history.
func (s *Store) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func (s *Store) Handles() session.Handles {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handles
}

// ClearHistory empties the MIDI history.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

func (s *Store) Metrics() Metrics {
	return Metrics{
		Delivered:          s.delivered.Load(),
		Overwritten:        s.overwritten.Load(),
		Applied:            s.applied.Load(),
		DroppedOrientation: s.droppedOrientation.Load(),
		HistoryTrimmed:     s.historyTrimmed.Load(),
	}
}
