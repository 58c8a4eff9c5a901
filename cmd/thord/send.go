package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/thordlink/internal/blemidi"
	"gitlab.com/gomidi/midi/v2"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Send a text command to a THORD",
	Long: `Connects to a THORD, writes a text command to its control characteristic and disconnects.

Examples:
  # Ask for the file list
  thord send FILE_LIST

  # Play a file
  thord send FILE_PLAY,intro.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

// sendMIDICmd represents the send-midi command
var sendMIDICmd = &cobra.Command{
	Use:   "send-midi <hex>",
	Short: "Send MIDI messages to a THORD",
	Long: `Connects to a THORD and writes one BLE-MIDI packet per message to its MIDI characteristic.

Messages are given as hex bytes; spaces, colons, dashes and 0x prefixes are ignored.
Only channel messages are accepted.

Examples:
  # Note On, middle C, velocity 100
  thord send-midi "90 3C 64"

  # Program change 5, then Note Off
  thord send-midi C005803C00`,
	Args: cobra.ExactArgs(1),
	RunE: runSendMIDI,
}

func runSend(cmd *cobra.Command, args []string) error {
	text := args[0]
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("command must not be empty")
	}

	l, err := newLink(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext()
	defer cancel()
	defer l.close()

	if err := l.connect(ctx); err != nil {
		return err
	}
	if err := l.session.WriteCommand(text); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %q to %s\n", text, l.session.DeviceName())
	return nil
}

func runSendMIDI(cmd *cobra.Command, args []string) error {
	msgs, err := parseMIDIHex(args[0])
	if err != nil {
		return err
	}

	l, err := newLink(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, cancel := signalContext()
	defer cancel()
	defer l.close()

	if err := l.connect(ctx); err != nil {
		return err
	}
	if err := l.session.SendMIDI(msgs...); err != nil {
		return err
	}
	for _, msg := range msgs {
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", msg)
	}
	return nil
}

// parseMIDIHex splits a hex byte string into complete channel messages.
func parseMIDIHex(s string) ([]midi.Message, error) {
	cleaned := strings.ReplaceAll(s, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "0x", "")
	cleaned = strings.ReplaceAll(cleaned, "0X", "")

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no MIDI bytes given")
	}

	var msgs []midi.Message
	for i := 0; i < len(data); {
		n, ok := blemidi.DataLen(data[i])
		if data[i] < 0x80 || !ok {
			return nil, fmt.Errorf("byte %d (0x%02X) is not a channel status byte", i, data[i])
		}
		end := i + 1 + n
		if end > len(data) {
			return nil, fmt.Errorf("message at byte %d needs %d data byte(s), got %d", i, n, len(data)-i-1)
		}
		msg := midi.Message(append([]byte(nil), data[i:end]...))
		for _, b := range msg[1:] {
			if b >= 0x80 {
				return nil, fmt.Errorf("message at byte %d has invalid data byte 0x%02X", i, b)
			}
		}
		msgs = append(msgs, msg)
		i = end
	}
	return msgs, nil
}
