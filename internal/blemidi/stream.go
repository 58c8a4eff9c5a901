package blemidi

import (
	"sync"

	"gitlab.com/gomidi/midi/v2"
)

// StreamStats holds counters for a Stream.
type StreamStats struct {
	Notifications uint64
	Bytes         uint64
	Messages      uint64
	Truncated     uint64 // messages emitted with fewer data bytes than their status needs
	Reassembled   uint64 // messages completed from a following notification
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithReassembly makes the stream hold a message truncated at the end of a
// notification and complete it with the leading data bytes of the next one.
func WithReassembly() StreamOption {
	return func(s *Stream) {
		s.reassemble = true
	}
}

// Stream turns successive notification payloads from one characteristic into
// MIDI messages. It is safe for concurrent use; order is the order of Push calls.
type Stream struct {
	mu         sync.Mutex
	reassemble bool
	pending    midi.Message
	need       int
	stats      StreamStats
}

// NewStream creates a Stream. Without options every payload is decoded on its
// own, exactly like Parse.
func NewStream(opts ...StreamOption) *Stream {
	s := &Stream{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push decodes one notification payload. The payload is not retained.
func (s *Stream) Push(data []byte) []midi.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Notifications++
	s.stats.Bytes += uint64(len(data))

	var out []midi.Message
	start := 1

	if s.pending != nil {
		for s.need > 0 && start < len(data) && data[start]&statusBit == 0 {
			s.pending = append(s.pending, data[start])
			s.need--
			start++
		}
		switch {
		case s.need == 0:
			s.stats.Reassembled++
			out = append(out, s.pending)
			s.pending = nil
		case start < len(data):
			// a new status interrupted the carried message
			out = append(out, s.takePendingLocked())
		default:
			return nil
		}
	}

	decodeFrames(data, start, func(f frame) bool {
		if f.missing > 0 && f.atEnd && s.reassemble {
			s.pending, s.need = f.msg, f.missing
			return true
		}
		if f.missing > 0 {
			s.stats.Truncated++
		}
		out = append(out, f.msg)
		return true
	})

	s.stats.Messages += uint64(len(out))
	return out
}

// Flush emits a held partial message as it is. It returns nil when nothing is held.
func (s *Stream) Flush() []midi.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil
	}
	s.stats.Messages++
	return []midi.Message{s.takePendingLocked()}
}

// Reset drops any held partial message. Counters are kept.
func (s *Stream) Reset() {
	s.mu.Lock()
	s.pending, s.need = nil, 0
	s.mu.Unlock()
}

// Stats returns a copy of the stream counters.
func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Stream) takePendingLocked() midi.Message {
	msg := s.pending
	s.pending, s.need = nil, 0
	s.stats.Truncated++
	return msg
}
