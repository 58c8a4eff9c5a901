package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/srg/thordlink/internal/session"
	"github.com/srg/thordlink/internal/store"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the connection phase with elapsed seconds on one line.
//
// Usage:
//
//	p := NewProgressPrinter(os.Stderr, "Connecting", true)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. After Stop it cannot be restarted.
type ProgressPrinter struct {
	out       io.Writer
	prefix    string
	enabled   bool
	phase     atomic.Value // string
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
}

// NewProgressPrinter creates a printer writing to out. A disabled printer only tracks the phase.
func NewProgressPrinter(out io.Writer, prefix string, enabled bool) *ProgressPrinter {
	p := &ProgressPrinter{
		out:     out,
		prefix:  prefix,
		enabled: enabled,
	}
	p.phase.Store(session.Connecting.String())
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		return
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.Phase())

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				seconds := int(time.Since(p.startTime).Seconds())
				if seconds > 0 {
					fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, p.Phase(), seconds)
				} else {
					fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.Phase())
				}
			}
		}
	}()
}

// Phase returns the last phase seen.
func (p *ProgressPrinter) Phase() string {
	return p.phase.Load().(string)
}

// Observe is a store observer. It follows state events and stops once the
// attempt settles in Connected or Disconnected.
func (p *ProgressPrinter) Observe(ev store.Event) {
	if ev.Kind != store.EventState {
		return
	}
	p.phase.Store(ev.State.String())
	if ev.State == session.Connected || ev.State == session.Disconnected {
		p.Stop()
	}
}

// Stop stops the progress display and clears the line. It is safe to call
// more than once and from multiple goroutines.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
