package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progressPrinter keeps one status line with elapsed seconds up to date
// while a long step runs. It prints nothing unless w is a terminal.
//
//	p := startProgress(os.Stderr, "Connecting to agv-01", "scanning")
//	defer p.Stop()
//	p.SetPhase("connecting")
type progressPrinter struct {
	w      io.Writer
	prefix string
	phase  atomic.Value // string
	start  time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func startProgress(w io.Writer, prefix, phase string) *progressPrinter {
	p := &progressPrinter{
		w:      w,
		prefix: prefix,
		start:  time.Now(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.phase.Store(phase)

	if !isTerminal(w) {
		close(p.done)
		return p
	}

	p.print()
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
	return p
}

func (p *progressPrinter) print() {
	phase := p.phase.Load().(string)
	if secs := int(time.Since(p.start).Seconds()); secs > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, secs)
		return
	}
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
}

// SetPhase changes the label shown in parentheses.
func (p *progressPrinter) SetPhase(phase string) {
	p.phase.Store(phase)
}

// Stop clears the line. Safe to call more than once.
func (p *progressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		if isTerminal(p.w) {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
