package progress

import (
	"fmt"
	"sync"
	"time"
)

// Callback receives progress counts from long-running operations. It is
// purely observational: implementations must never alter control flow.
type Callback interface {
	SetSize(total int64)
	RelativeUpdate(delta int64)
	AbsoluteUpdate(current int64)
}

// Noop is the default callback.
var Noop Callback = noop{}

type noop struct{}

func (noop) SetSize(int64)        {}
func (noop) RelativeUpdate(int64) {}
func (noop) AbsoluteUpdate(int64) {}

// Tracker renders a terminal spinner with counts. Used by the CLI; the
// core only ever sees the Callback interface.
type Tracker struct {
	total     int64
	current   int64
	message   string
	mu        sync.Mutex
	startTime time.Time
	done      chan bool
}

func NewTracker(total int, message string) *Tracker {
	p := &Tracker{
		total:     int64(total),
		message:   message,
		startTime: time.Now(),
		done:      make(chan bool),
	}
	go p.render()
	return p
}

func (p *Tracker) render() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	spinner := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	frame := 0

	for {
		select {
		case <-p.done:
			p.mu.Lock()
			elapsed := time.Since(p.startTime)
			fmt.Printf("\r✓ %s (%d items, %s)          \n",
				p.message, p.total, elapsed.Round(time.Millisecond))
			p.mu.Unlock()
			return

		case <-ticker.C:
			p.mu.Lock()
			if p.total > 0 {
				percent := float64(p.current) / float64(p.total) * 100
				fmt.Printf("\r%s %s [%d/%d] %.0f%%  ",
					spinner[frame%len(spinner)], p.message, p.current, p.total, percent)
			} else {
				fmt.Printf("\r%s %s [%d items]  ",
					spinner[frame%len(spinner)], p.message, p.current)
			}
			p.mu.Unlock()
			frame++
		}
	}
}

func (p *Tracker) SetSize(total int64) {
	p.mu.Lock()
	p.total = total
	p.mu.Unlock()
}

func (p *Tracker) RelativeUpdate(delta int64) {
	p.mu.Lock()
	p.current += delta
	p.mu.Unlock()
}

func (p *Tracker) AbsoluteUpdate(current int64) {
	p.mu.Lock()
	p.current = current
	p.mu.Unlock()
}

func (p *Tracker) Finish() {
	close(p.done)
	time.Sleep(1 * time.Millisecond)
}
