// Package logtail keeps the bounded window of recent log lines shown in the
// dashboard.
package logtail

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of lines kept when no capacity is configured.
const DefaultCapacity = 50

// Origin tags where a line came from.
type Origin string

const (
	OriginServer Origin = "server"
	OriginClient Origin = "client"
)

// Line is one entry of the tail. Seq increases by one per append.
type Line struct {
	Seq    uint64 `json:"seq"`
	Text   string `json:"text"`
	Origin Origin `json:"origin"`
}

// String renders the line as displayed: client lines are prefixed, server
// lines are verbatim.
func (l Line) String() string {
	if l.Origin == OriginClient {
		return "[client] " + l.Text
	}
	return l.Text
}

// Sink accepts locally generated lines. Interaction handlers and error paths
// receive one instead of reaching for a global logger.
type Sink interface {
	Client(format string, args ...any)
}

// Tail is a fixed-capacity FIFO of lines.
type Tail struct {
	mu        sync.Mutex
	capacity  int
	lines     []Line
	seq       uint64
	listeners map[string]func(Line)

	notifyMu sync.Mutex
}

var _ Sink = (*Tail)(nil)

// New creates a tail holding at most capacity lines.
func New(capacity int) *Tail {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tail{
		capacity:  capacity,
		lines:     make([]Line, 0, capacity),
		listeners: make(map[string]func(Line)),
	}
}

// Capacity returns the maximum number of lines kept.
func (t *Tail) Capacity() int {
	return t.capacity
}

// Append adds a line, evicting the oldest when full, and notifies listeners.
func (t *Tail) Append(text string, origin Origin) Line {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	t.seq++
	line := Line{Seq: t.seq, Text: text, Origin: origin}
	if len(t.lines) == t.capacity {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:len(t.lines)-1]
	}
	t.lines = append(t.lines, line)
	fns := make([]func(Line), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(line)
	}
	return line
}

// Server appends a line received from the backend.
func (t *Tail) Server(text string) {
	t.Append(text, OriginServer)
}

// Client appends a locally generated line.
func (t *Tail) Client(format string, args ...any) {
	t.Append(fmt.Sprintf(format, args...), OriginClient)
}

// Lines returns the current lines, oldest first.
func (t *Tail) Lines() []Line {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}

// Len returns the number of lines held.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lines)
}

// Subscribe registers fn for every appended line and returns a func that
// removes it. fn runs synchronously in append order and must not append.
func (t *Tail) Subscribe(fn func(Line)) func() {
	id := uuid.NewString()
	t.mu.Lock()
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}
