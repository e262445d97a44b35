package recorder

import (
	"sync"
	"time"

	"github.com/pagetrail/recorder/internal/models"
)

// DefaultFlushDebounce is the quiet period after the last event before a flush.
const DefaultFlushDebounce = 2 * time.Second

// Buffer holds events captured since the last successful flush.
type Buffer struct {
	mu      sync.Mutex
	pending []models.Event
}

// Append adds ev at the end.
func (b *Buffer) Append(ev models.Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
}

// Snapshot returns a copy of the pending events.
func (b *Buffer) Snapshot() []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Event(nil), b.pending...)
}

// Drop removes the first n events, the ones a flush just made durable.
// Events appended while that flush was in flight stay pending.
func (b *Buffer) Drop(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.pending) {
		b.pending = nil
		return
	}
	b.pending = append([]models.Event(nil), b.pending[n:]...)
}

// Len returns the number of pending events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset discards everything.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

// debouncer runs fn once delay has passed without another Trigger.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	fn    func()
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

// Trigger cancels any pending run and re-arms the timer.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

// Cancel stops a pending run.
func (d *debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
