// Package blemidi decodes and encodes BLE-MIDI notification payloads.
//
// A BLE-MIDI packet starts with a header byte, optionally followed by timestamp
// bytes, followed by MIDI channel messages. The decoder here is intentionally
// forgiving: it never fails, it skips bytes it cannot interpret and it emits a
// message truncated when the packet ends before all of its data bytes arrived.
package blemidi

import (
	"iter"
	"slices"

	"gitlab.com/gomidi/midi/v2"
)

const (
	statusBit   = 0x80
	systemClass = 0xF0
)

// frame is one decoded message plus how it ended.
type frame struct {
	msg     midi.Message
	missing int  // data bytes the status asked for but never got
	atEnd   bool // message ran into the end of the buffer
}

// DataLen reports how many data bytes follow status. ok is false for system
// messages, which are not decoded.
func DataLen(status byte) (n int, ok bool) {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1, true
	case systemClass:
		return 0, false
	default:
		return 2, true
	}
}

// Parse decodes every MIDI message in a single notification payload.
// It returns nil when the payload holds no messages.
func Parse(data []byte) []midi.Message {
	return slices.Collect(Messages(data))
}

// Messages yields the MIDI messages in a single notification payload in order.
// Every yielded message is a fresh slice owned by the caller.
func Messages(data []byte) iter.Seq[midi.Message] {
	return func(yield func(midi.Message) bool) {
		decodeFrames(data, 1, func(f frame) bool {
			return yield(f.msg)
		})
	}
}

// decodeFrames walks data starting at start. Header-like runs of high-bit
// bytes are only skipped until the first status byte was seen.
func decodeFrames(data []byte, start int, yield func(frame) bool) {
	seenStatus := false
	i := start
	for i < len(data) {
		b := data[i]
		if b&statusBit == 0 {
			// no running status: stray data byte
			i++
			continue
		}
		if !seenStatus && i+1 < len(data) && data[i+1]&statusBit != 0 {
			i++
			continue
		}
		seenStatus = true

		n, ok := DataLen(b)
		if !ok {
			return
		}

		msg := make(midi.Message, 1, 1+n)
		msg[0] = b
		i++
		for len(msg) <= n && i < len(data) && data[i]&statusBit == 0 {
			msg = append(msg, data[i])
			i++
		}

		f := frame{msg: msg, missing: 1 + n - len(msg), atEnd: i >= len(data)}
		if !yield(f) {
			return
		}
	}
}
