package logtail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const closeWait = time.Second

// ErrChannel marks a failure of the backend log channel.
var ErrChannel = errors.New("log channel error")

// Stream is the single WebSocket connection that feeds backend lines into a
// Tail. A failed connection is closed and never re-dialled.
type Stream struct {
	mu     sync.Mutex
	conn   *ws.Conn
	done   chan struct{} // closed on shutdown
	closed bool

	url    string
	tail   *Tail
	dialer *ws.Dialer
	logger *slog.Logger
}

// NewStream creates a stream that appends every message from url to tail.
func NewStream(url string, tail *Tail, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		done:   make(chan struct{}),
		url:    url,
		tail:   tail,
		dialer: ws.DefaultDialer,
		logger: logger,
	}
}

// Start dials the channel and starts the read loop. The stream closes when
// ctx is cancelled.
func (s *Stream) Start(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %v", ErrChannel, s.url, err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: stream closed", ErrChannel)
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("Log channel connected", "url", s.url)

	go s.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return nil
}

// Done is closed once the stream has shut down.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// readLoop appends one server line per message until the connection fails.
func (s *Stream) readLoop() {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.fail(fmt.Errorf("%w: %v", ErrChannel, err))
			return
		}

		s.tail.Server(strings.TrimRight(string(message), "\r\n"))
	}
}

func (s *Stream) fail(err error) {
	s.logger.Warn("Log channel failed", "error", err)
	s.tail.Client("log channel closed: %v", err)
	_ = s.Close()
}

// Close sends a WebSocket close frame and stops the read loop.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		return conn.Close()
	}
	return nil
}
