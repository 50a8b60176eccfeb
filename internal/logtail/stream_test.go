package logtail

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logServer upgrades to WebSocket, sends msgs, then waits for release before
// dropping the connection.
func logServer(t *testing.T, msgs []string, release <-chan struct{}) *httptest.Server {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()

		for _, m := range msgs {
			if err := c.WriteMessage(ws.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		<-release
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/logs"
}

func TestStream_AppendsServerLines(t *testing.T) {
	release := make(chan struct{})
	srv := logServer(t, []string{"first\n", "second"}, release)
	defer srv.Close()
	defer close(release)

	tail := New(DefaultCapacity)
	s := NewStream(wsURL(srv), tail, quietLogger())
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool { return tail.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	lines := tail.Lines()
	assert.Equal(t, "first", lines[0].String())
	assert.Equal(t, "second", lines[1].String())
	assert.Equal(t, OriginServer, lines[1].Origin)
}

func TestStream_ReadErrorClosesWithoutReconnect(t *testing.T) {
	release := make(chan struct{})
	close(release)
	srv := logServer(t, []string{"only"}, release)
	defer srv.Close()

	tail := New(DefaultCapacity)
	s := NewStream(wsURL(srv), tail, quietLogger())
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after the server dropped the connection")
	}

	lines := tail.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "only", lines[0].Text)
	assert.Equal(t, OriginClient, lines[1].Origin)
	assert.Contains(t, lines[1].Text, "log channel closed")

	// closing again is harmless
	assert.NoError(t, s.Close())
}

func TestStream_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tail := New(DefaultCapacity)
	s := NewStream(wsURL(srv), tail, quietLogger())
	err := s.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChannel))
	require.Equal(t, 1, tail.Len())
	assert.Equal(t, OriginClient, tail.Lines()[0].Origin)

	select {
	case <-s.Done():
	default:
		t.Fatal("expected stream to be closed")
	}
}

func TestStream_ContextCancelCloses(t *testing.T) {
	release := make(chan struct{})
	srv := logServer(t, nil, release)
	defer srv.Close()
	defer close(release)

	tail := New(DefaultCapacity)
	s := NewStream(wsURL(srv), tail, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close on cancel")
	}
	assert.Equal(t, 0, tail.Len(), "a deliberate close is not a channel error")
}
