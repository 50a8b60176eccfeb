package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrUnknownAction is returned when no handler is registered for an action.
	ErrUnknownAction = errors.New("unknown action")
	// ErrQueueFull is returned when a non-blocking buffered handler is saturated.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Queued is the result of a dispatch accepted by a buffered handler.
const Queued = "queued"

// Event is one user action aimed at the dashboard.
type Event struct {
	Action string
	NodeID string
	Params map[string]string
	At     time.Time
}

// Param returns the named parameter or "".
func (e Event) Param(name string) string {
	return e.Params[name]
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
	validate   func(Event) error
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Validated runs check synchronously before the handler, ahead of any buffer.
// A failed check is returned to the caller and the event is not queued.
func Validated(check func(Event) error) Option {
	return func(c *config) {
		c.validate = check
	}
}

// Dispatcher routes action events to registered handlers.
type Dispatcher struct {
	logger Logger

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	buffers  map[string]chan Event
	closed   bool
	workers  sync.WaitGroup
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of actions waiting in a queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for action, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("action", action)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.actions.processed",
		metric.WithDescription("Total actions processed by buffered handlers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.actions.dropped",
		metric.WithDescription("Total actions dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given action with optional configuration.
// Registering an action twice replaces the earlier handler; a replaced
// buffered handler drains its queue and its worker exits.
func (d *Dispatcher) Register(action string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.logged {
		handler = d.withLogging(action, handler)
	}

	var buffer chan Event
	if cfg.bufferSize > 0 {
		handler, buffer = d.withBuffer(action, cfg.bufferSize, cfg.blocking, handler)
	}

	if cfg.validate != nil {
		handler = withValidation(cfg.validate, handler)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.buffers[action]; ok {
		close(old)
		delete(d.buffers, action)
	}
	if buffer != nil {
		if d.closed {
			close(buffer)
		} else {
			d.buffers[action] = buffer
		}
	}
	d.handlers[action] = handler
}

// Dispatch routes an event to its registered handler. A zero At is stamped
// with the current time.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[e.Action]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, e.Action)
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the action.
func (d *Dispatcher) HasHandler(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[action]
	return ok
}

// Actions returns the registered action names in order.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for a := range d.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Close stops accepting events and waits for buffered handlers to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, buf := range d.buffers {
		close(buf)
	}
	d.mu.Unlock()

	d.workers.Wait()
}

// withBuffer starts the worker for a new queue. The caller owns publishing the
// queue in d.buffers; sends are refused once it is no longer the current one.
func (d *Dispatcher) withBuffer(action string, size int, blocking bool, h HandlerFunc) (HandlerFunc, chan Event) {
	buffer := make(chan Event, size)

	actionAttr := attribute.String("action", action)

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for e := range buffer {
			h(e)
			d.processed.Add(context.Background(), 1, metric.WithAttributes(actionAttr))
		}
	}()

	// the read lock keeps Close and Register from closing buffer under a
	// pending send
	current := func() bool {
		return !d.closed && d.buffers[action] == buffer
	}

	if blocking {
		return func(e Event) (any, error) {
			d.mu.RLock()
			defer d.mu.RUnlock()
			if !current() {
				return nil, ErrClosed
			}
			buffer <- e
			return Queued, nil
		}, buffer
	}

	return func(e Event) (any, error) {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if !current() {
			return nil, ErrClosed
		}
		select {
		case buffer <- e:
			return Queued, nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(actionAttr))
			return nil, fmt.Errorf("%w: %s", ErrQueueFull, action)
		}
	}, buffer
}

func withValidation(check func(Event) error, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		if err := check(e); err != nil {
			return nil, err
		}
		return h(e)
	}
}

func (d *Dispatcher) withLogging(action string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling action", "action", action, "node", e.NodeID, "params", len(e.Params))

		result, err := h(e)

		if err != nil {
			d.logger.Error("action failed", "action", action, "node", e.NodeID, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("action complete", "action", action, "node", e.NodeID, "duration", time.Since(start))
		}

		return result, err
	}
}
