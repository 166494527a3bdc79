package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// chatPrinter renders one streaming reply at a time: an animated spinner on
// stderr while the model is quiet, then the deltas appended to a single
// assistant line on stdout.
type chatPrinter struct {
	out         io.Writer
	errw        io.Writer
	interactive bool

	mu     sync.Mutex
	active bool

	spinning   bool
	spinCancel context.CancelFunc
	spinStart  time.Time
}

func newChatPrinter(out, errw io.Writer, interactive bool) *chatPrinter {
	return &chatPrinter{out: out, errw: errw, interactive: interactive}
}

// StartThinking shows the waiting spinner until the first delta arrives.
func (p *chatPrinter) StartThinking() {
	if !p.interactive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spinning {
		return
	}
	p.spinning = true
	p.spinStart = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	p.spinCancel = cancel
	go p.spin(ctx)
}

func (p *chatPrinter) spin(ctx context.Context) {
	frames := []string{"|", "/", "-", "\\"}
	t := time.NewTicker(90 * time.Millisecond)
	defer t.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			elapsed := time.Since(p.spinStart).Truncate(100 * time.Millisecond)
			p.mu.Lock()
			if p.spinning {
				_, _ = fmt.Fprintf(p.errw, "\r\033[2Kthinking %s %s", frames[i%len(frames)], elapsed)
			}
			p.mu.Unlock()
		}
	}
}

// Delta writes one streamed fragment, ending the spinner on the first one.
func (p *chatPrinter) Delta(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopSpinnerLocked()
	if !p.active {
		p.active = true
		if p.interactive {
			_, _ = fmt.Fprint(p.out, "\r\033[2K")
		}
		_, _ = fmt.Fprint(p.out, "assistant: ")
	}
	_, _ = io.WriteString(p.out, s)
}

// Finish ends the reply line. Safe to call when nothing streamed.
func (p *chatPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopSpinnerLocked()
	if p.active {
		_, _ = fmt.Fprint(p.out, "\n")
		p.active = false
	}
}

func (p *chatPrinter) stopSpinnerLocked() {
	if !p.spinning {
		return
	}
	p.spinning = false
	if p.spinCancel != nil {
		p.spinCancel()
		p.spinCancel = nil
	}
	if p.interactive {
		_, _ = fmt.Fprint(p.errw, "\r\033[2K")
	}
}
