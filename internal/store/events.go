package store

import (
	"context"
	"sync"
	"time"

	"github.com/carlosprados/wingman/internal/host"
)

// EventLog keeps the most recent status events for hosts that poll.
type EventLog struct {
	mu   sync.Mutex
	buf  []host.Event
	next int
	full bool
	seq  uint64
}

// NewEventLog holds up to size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 256
	}
	return &EventLog{buf: make([]host.Event, size)}
}

// Emit records ev.
func (l *EventLog) Emit(_ context.Context, ev host.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.mu.Lock()
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.seq++
	l.mu.Unlock()
}

// Recent returns up to n events, oldest first. n <= 0 returns all kept.
func (l *EventLog) Recent(n int) []host.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	size := l.next
	if l.full {
		size = len(l.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]host.Event, 0, n)
	start := (l.next - n + len(l.buf)) % len(l.buf)
	for i := 0; i < n; i++ {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	return out
}

// Total is the number of events ever recorded.
func (l *EventLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
