package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/thordlink/internal/forward"
	"github.com/srg/thordlink/internal/session"
	"github.com/srg/thordlink/internal/store"
	"github.com/srg/thordlink/pkg/config"
	"gitlab.com/gomidi/midi/v2"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // Register rtmidi driver
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream MIDI and orientation from a THORD",
	Long: `Connects to a THORD and prints every decoded MIDI message until Ctrl+C.

Examples:
  # Print MIDI messages
  thord monitor

  # Include orientation samples, forward MIDI to a local port
  thord monitor --orientation --forward "IAC Driver Bus 1"

  # Complete messages split across notifications
  thord monitor --reassemble`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	monitorOrientation bool
	monitorForward     string
	monitorReassemble  bool
	monitorNoColor     bool
)

func init() {
	monitorCmd.Flags().BoolVar(&monitorOrientation, "orientation", false, "Also print orientation samples")
	monitorCmd.Flags().StringVar(&monitorForward, "forward", "", "Forward MIDI to the output port whose name contains this text")
	monitorCmd.Flags().BoolVar(&monitorReassemble, "reassemble", false, "Complete MIDI messages split across notifications")
	monitorCmd.Flags().BoolVar(&monitorNoColor, "no-color", false, "Disable colored output")
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	l, err := newLink(cmd, func(cfg *config.Config) {
		if monitorReassemble {
			cfg.Reassemble = true
		}
		if monitorForward != "" {
			cfg.MIDIOutPort = monitorForward
		}
	})
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext()
	defer cancel()

	go l.store.Run(ctx)

	if l.cfg.MIDIOutPort != "" {
		send, out, err := forward.OpenPort(l.cfg.MIDIOutPort)
		if err != nil {
			return err
		}
		defer midi.CloseDriver()
		defer out.Close()

		fwd := forward.New(l.store, send, l.logger)
		defer func() {
			fwd.Close()
			stats := fwd.Stats()
			l.logger.WithField("sent", stats.Sent).WithField("failed", stats.Failed).Info("MIDI forwarding stopped")
		}()
		fmt.Fprintf(os.Stderr, "Forwarding MIDI to %s\n", out.String())
	}

	events := l.store.Watch(ctx, 256)
	defer l.close()

	if err := l.connect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Connected to %s. Press Ctrl+C to stop...\n", l.session.DeviceName())

	printer := newEventPrinter(os.Stdout, !monitorNoColor && isTerminal(os.Stdout), monitorOrientation)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			printer.Print(ev)
			if ev.Kind == store.EventState && ev.State == session.Disconnected && ctx.Err() == nil {
				return ErrConnectionLost
			}
		}
	}
}

// eventPrinter renders store events as one line each.
type eventPrinter struct {
	out         io.Writer
	orientation bool
	now         func() time.Time

	noteOn  *color.Color
	noteOff *color.Color
	control *color.Color
	other   *color.Color
	state   *color.Color
}

func newEventPrinter(out io.Writer, colored, orientation bool) *eventPrinter {
	p := &eventPrinter{
		out:         out,
		orientation: orientation,
		now:         time.Now,
		noteOn:      color.New(color.FgGreen),
		noteOff:     color.New(color.FgRed),
		control:     color.New(color.FgCyan),
		other:       color.New(color.FgYellow),
		state:       color.New(color.FgMagenta, color.Bold),
	}
	for _, c := range []*color.Color{p.noteOn, p.noteOff, p.control, p.other, p.state} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *eventPrinter) Print(ev store.Event) {
	stamp := p.now().Format("15:04:05.000")
	switch ev.Kind {
	case store.EventMIDI:
		for _, msg := range ev.MIDI {
			fmt.Fprintf(p.out, "%s  %-9s %s\n", stamp, fmt.Sprintf("% X", []byte(msg)), p.colorFor(msg).Sprint(msg.String()))
		}
	case store.EventOrientation:
		if p.orientation {
			fmt.Fprintf(p.out, "%s  orientation %s\n", stamp, ev.Orientation)
		}
	case store.EventState:
		fmt.Fprintf(p.out, "%s  %s\n", stamp, p.state.Sprintf("[%s]", ev.State))
	}
}

func (p *eventPrinter) colorFor(msg midi.Message) *color.Color {
	var ch, key, val uint8
	switch {
	case msg.GetNoteOn(&ch, &key, &val):
		return p.noteOn
	case msg.GetNoteOff(&ch, &key, &val):
		return p.noteOff
	case msg.GetControlChange(&ch, &key, &val):
		return p.control
	default:
		return p.other
	}
}
