package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshspy/dashboard/internal/config"
	"github.com/meshspy/dashboard/internal/logtail"
	"github.com/meshspy/dashboard/internal/viewstate"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"n1": {"name": "Alpha", "data": {"payload": {"latitude_i": 450700000, "longitude_i": 96500000}}},
			"n2": {"name": "Bravo"}
		}`)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, "# TYPE mesh_nodes_online gauge\nmesh_nodes_online 2\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), data, 0o644))
	t.Cleanup(viper.Reset)
	return dir
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	backend := newBackend(t)
	dir := writeConfig(t, map[string]any{
		"logLevel": "debug",
		"logsDir":  t.TempDir(),
		"server":   map[string]any{"listen": "127.0.0.1:0"},
		"api":      map[string]any{"baseUrl": backend.URL},
		"poll":     map[string]any{"interval": "1h"},
		"log":      map[string]any{"stream": false},
		"prefs":    map[string]any{"driver": "sqlite", "path": ":memory:"},
	})

	a, err := New(context.Background(), Options{ConfigDir: dir, Version: "test", Stdout: io.Discard})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewWiresOptionalStores(t *testing.T) {
	a := newTestApp(t)

	assert.NotNil(t, a.prefs, "sqlite preference store")
	assert.NotNil(t, a.registry, "metrics are enabled by default")
	assert.Nil(t, a.stream)
	assert.Nil(t, a.influx)
}

func TestPollFeedsStoreAndViews(t *testing.T) {
	a := newTestApp(t)

	a.poller.PollOnce(context.Background())

	snap := a.Store().Snapshot()
	assert.Equal(t, viewstate.FetchReady, snap.NodesStatus.State)
	require.Len(t, snap.Nodes, 2)
	require.NotNil(t, snap.Metrics)
	assert.Equal(t, viewstate.FetchReady, snap.MetricsStatus.State)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/map/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"n1"}, a.sync.MarkerIDs())

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshspy_dashboard_polls_total")
}

func TestSelectWithoutPositionWritesClientLine(t *testing.T) {
	a := newTestApp(t)
	a.poller.PollOnce(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/nodes/n2/select", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	lines := a.Tail().Lines()
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	assert.Equal(t, logtail.OriginClient, last.Origin)
	assert.Equal(t, "requesting position for n2 (Bravo)", last.Text)
}

func TestThemeIsPersisted(t *testing.T) {
	a := newTestApp(t)

	req := httptest.NewRequest(http.MethodPut, "/api/prefs/theme", strings.NewReader(`{"theme":"dark"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	theme, err := a.prefs.Theme(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, "dark", theme)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(a.Store().Snapshot().Nodes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMissingConfigUsesDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("MESHSPY_PREFS_PATH", ":memory:")

	a, err := New(context.Background(), Options{ConfigDir: t.TempDir(), Stdout: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "localhost:8080", a.listen)
	assert.Equal(t, "http://localhost:8000", a.client.BaseURL())
}
