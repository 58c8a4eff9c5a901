package blemidi

import (
	"errors"
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2"
)

// ErrUnsupportedMessage is returned by Encode for messages it cannot frame.
var ErrUnsupportedMessage = errors.New("unsupported MIDI message")

// Timestamp returns the 13-bit BLE-MIDI millisecond timestamp for t.
func Timestamp(t time.Time) uint16 {
	return uint16(t.UnixMilli() & 0x1FFF)
}

// Encode frames msgs as BLE-MIDI packets, one message per packet:
// header, timestamp, then the message bytes.
func Encode(ts uint16, msgs ...midi.Message) ([][]byte, error) {
	header := byte(statusBit | (ts>>7)&0x3F)
	stamp := byte(statusBit | ts&0x7F)

	packets := make([][]byte, 0, len(msgs))
	for i, msg := range msgs {
		if err := validate(msg); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		pkt := make([]byte, 0, 2+len(msg))
		pkt = append(pkt, header, stamp)
		pkt = append(pkt, msg...)
		packets = append(packets, pkt)
	}
	return packets, nil
}

func validate(msg midi.Message) error {
	if len(msg) == 0 {
		return fmt.Errorf("%w: empty", ErrUnsupportedMessage)
	}
	n, ok := DataLen(msg[0])
	if msg[0]&statusBit == 0 || !ok {
		return fmt.Errorf("%w: status 0x%02X", ErrUnsupportedMessage, msg[0])
	}
	if len(msg) != 1+n {
		return fmt.Errorf("%w: status 0x%02X wants %d data bytes, got %d", ErrUnsupportedMessage, msg[0], n, len(msg)-1)
	}
	for _, b := range msg[1:] {
		if b&statusBit != 0 {
			return fmt.Errorf("%w: data byte 0x%02X", ErrUnsupportedMessage, b)
		}
	}
	return nil
}
