// internal/api/client_test.go
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/meshspy/dashboard/internal/geo"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:8000")

	if c == nil {
		t.Fatal("New returned nil")
	}
	if c.baseURL != "http://localhost:8000" {
		t.Errorf("expected baseURL=http://localhost:8000, got %s", c.baseURL)
	}
	if c.nodesPath != DefaultNodesPath {
		t.Errorf("expected nodesPath=%s, got %s", DefaultNodesPath, c.nodesPath)
	}
	if c.httpClient == nil || c.httpClient.Timeout != DefaultTimeout {
		t.Error("httpClient not initialized with the default timeout")
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c := New("http://localhost:8000/")
	if c.baseURL != "http://localhost:8000" {
		t.Errorf("expected trailing slash trimmed, got %s", c.baseURL)
	}
}

func TestNew_Options(t *testing.T) {
	c := New("http://x", WithNodesPath("/api/nodes"), WithRequestLocationPath("/request-location/{id}"), WithTimeout(time.Second))
	if c.nodesPath != "/api/nodes" {
		t.Errorf("nodesPath = %s", c.nodesPath)
	}
	if c.requestLocationPath != "/request-location/{id}" {
		t.Errorf("requestLocationPath = %s", c.requestLocationPath)
	}
	if c.httpClient.Timeout != time.Second {
		t.Errorf("timeout = %v", c.httpClient.Timeout)
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"http://host:8000", "ws://host:8000/ws/logs"},
		{"https://host", "wss://host/ws/logs"},
		{"ws://host:9000/", "ws://host:9000/ws/logs"},
	}
	for _, tt := range tests {
		got, err := New(tt.base).WebSocketURL("/ws/logs")
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.base, got, tt.want)
		}
	}

	if _, err := New("ftp://host").WebSocketURL("/ws/logs"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestHealth_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected path /health, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	if err := New(server.URL).Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestHealth_ServerDown(t *testing.T) {
	c := New("http://localhost:59999") // unlikely to be listening
	err := c.Health(context.Background())
	if !errors.Is(err, ErrFetchFailure) {
		t.Errorf("expected ErrFetchFailure for unreachable server, got %v", err)
	}
}

func TestFetchNodes_PreservesBackendOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/nodes" {
			t.Errorf("expected path /nodes, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"zulu": {"name": "Z"},
			"n1": {"name": "Alpha", "data": {"payload": {"latitude_i": 450700000, "longitude_i": 96500000}}},
			"alpha": {"name": "A"}
		}`))
	}))
	defer server.Close()

	records, err := New(server.URL).FetchNodes(context.Background())
	if err != nil {
		t.Fatalf("FetchNodes failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"zulu", "n1", "alpha"} {
		if records[i].ID != want {
			t.Errorf("record %d: got id %s, want %s", i, records[i].ID, want)
		}
	}
	if !strings.Contains(string(records[1].Raw), "450700000") {
		t.Errorf("raw record not kept: %s", records[1].Raw)
	}
}

func TestFetchNodes_ArrayPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/nodes" {
			t.Errorf("expected path /api/nodes, got %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"id":"a","name":"A"},{"id":42},{"name":"no id"}]`))
	}))
	defer server.Close()

	records, err := New(server.URL, WithNodesPath("/api/nodes")).FetchNodes(context.Background())
	if err != nil {
		t.Fatalf("FetchNodes failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].ID != "a" || records[1].ID != "42" || records[2].ID != "" {
		t.Errorf("unexpected ids: %q %q %q", records[0].ID, records[1].ID, records[2].ID)
	}
}

func TestFetchNodes_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL).FetchNodes(context.Background())
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.Code != http.StatusBadGateway {
		t.Errorf("expected code 502, got %d", se.Code)
	}
	if !errors.Is(err, ErrFetchFailure) {
		t.Error("StatusError should wrap ErrFetchFailure")
	}
	if want := "fetch error 502 for " + server.URL + "/nodes"; err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestFetchNodes_BadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"not a mapping"`))
	}))
	defer server.Close()

	_, err := New(server.URL).FetchNodes(context.Background())
	if !errors.Is(err, ErrFetchFailure) {
		t.Errorf("expected ErrFetchFailure, got %v", err)
	}
}

func TestRequestLocation(t *testing.T) {
	tests := []struct {
		name     string
		template string
		wantPath string
	}{
		{"body only", "/request-location", "/request-location"},
		{"id in path", "/request-location/{id}", "/request-location/!abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotNode string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("expected POST, got %s", r.Method)
				}
				gotPath = r.URL.Path
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				gotNode = body["node_id"]
				_, _ = w.Write([]byte(`{"status":"ok"}`))
			}))
			defer server.Close()

			c := New(server.URL, WithRequestLocationPath(tt.template))
			if err := c.RequestLocation(context.Background(), "!abc"); err != nil {
				t.Fatalf("RequestLocation failed: %v", err)
			}
			if gotPath != tt.wantPath {
				t.Errorf("path = %s, want %s", gotPath, tt.wantPath)
			}
			if gotNode != "!abc" {
				t.Errorf("node_id = %s", gotNode)
			}
		})
	}
}

func TestSendCommand(t *testing.T) {
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send-command" {
			t.Errorf("expected path /send-command, got %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %s", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer server.Close()

	if err := New(server.URL).SendCommand(context.Background(), "n1", "reboot"); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if body["node_id"] != "n1" || body["command"] != "reboot" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestBerryCommands(t *testing.T) {
	var paths []string
	var position geo.LatLng
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/set-position") {
			_ = json.NewDecoder(r.Body).Decode(&position)
		}
	}))
	defer server.Close()

	c := New(server.URL)
	ctx := context.Background()
	if err := c.BerryUpdate(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if err := c.BerryReboot(ctx, "n1"); err != nil {
		t.Fatal(err)
	}
	if err := c.BerrySetPosition(ctx, "n1", geo.LatLng{Lat: 45.07, Lng: 9.65}); err != nil {
		t.Fatal(err)
	}

	want := []string{"/berry/n1/update", "/berry/n1/reboot", "/berry/n1/set-position"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v, want %v", paths, want)
	}
	if position.Lat != 45.07 || position.Lng != 9.65 {
		t.Errorf("position = %+v", position)
	}
}

func TestWifiConfig(t *testing.T) {
	yaml := "wifi:\n  ssid: mesh\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(yaml))

	tests := []struct {
		name     string
		response string
	}{
		{"content key", `{"content":"` + encoded + `"}`},
		{"legacy b64 key", `{"b64":"` + encoded + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got WifiRequest
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/wifi-config" {
					t.Errorf("expected path /wifi-config, got %s", r.URL.Path)
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			req := WifiRequest{SSID: "mesh", Password: "pw", MQTTHost: "broker", MQTTUser: "u", MQTTPass: "p"}
			content, err := New(server.URL).WifiConfig(context.Background(), req)
			if err != nil {
				t.Fatalf("WifiConfig failed: %v", err)
			}
			if string(content) != yaml {
				t.Errorf("content = %q", content)
			}
			if got != req {
				t.Errorf("request body = %+v", got)
			}
		})
	}
}

func TestWifiConfig_EmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	_, err := New(server.URL).WifiConfig(context.Background(), WifiRequest{})
	if !errors.Is(err, ErrFetchFailure) {
		t.Errorf("expected ErrFetchFailure, got %v", err)
	}
}
