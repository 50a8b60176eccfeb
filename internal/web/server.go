// Package web serves the dashboard page, its JSON API and the live update
// socket.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshspy/dashboard/internal/actions"
	"github.com/meshspy/dashboard/internal/api"
	"github.com/meshspy/dashboard/internal/dispatcher"
	"github.com/meshspy/dashboard/internal/logtail"
	"github.com/meshspy/dashboard/internal/mapview"
	"github.com/meshspy/dashboard/internal/prefs"
	"github.com/meshspy/dashboard/internal/viewstate"
	"github.com/meshspy/dashboard/internal/views"
)

//go:embed static
var staticFiles embed.FS

const maxRequestBody = 1 << 20

// StateSource is the view state as seen by the browser surface.
type StateSource interface {
	Snapshot() viewstate.Snapshot
	Subscribe(fn func(viewstate.Change)) func()
}

// MapSource is the rendered map layer.
type MapSource interface {
	State() mapview.State
	Subscribe(fn func(mapview.Event)) func()
}

// LogSource is the log tail.
type LogSource interface {
	Lines() []logtail.Line
	Capacity() int
	Subscribe(fn func(logtail.Line)) func()
}

// Dispatcher routes user actions.
type Dispatcher interface {
	Dispatch(e dispatcher.Event) (any, error)
}

// ThemeStore persists the theme preference.
type ThemeStore interface {
	Theme(ctx context.Context) (prefs.Theme, error)
	SetTheme(ctx context.Context, t prefs.Theme) error
}

// Dependencies holds everything the server reads from or drives.
type Dependencies struct {
	State    StateSource
	Map      MapSource
	Log      LogSource
	Actions  Dispatcher
	Prefs    ThemeStore         // optional
	Gatherer prometheus.Gatherer // optional; enables /metrics
	// MapReady is called when a browser reports its map initialized.
	MapReady func(ctx context.Context) error
	Logger   *slog.Logger
	Version  string
}

// StatePayload is the document served by /api/state and pushed on /ws.
type StatePayload struct {
	Snapshot viewstate.Snapshot `json:"snapshot"`
	View     views.View         `json:"view"`
}

// LogsPayload is the log tail as sent on connect. The page keeps at most
// Capacity lines so it trims the same way the tail does.
type LogsPayload struct {
	Capacity int            `json:"capacity"`
	Lines    []logtail.Line `json:"lines"`
}

// Server is the HTTP surface of the dashboard.
type Server struct {
	deps   Dependencies
	hub    *Hub
	router *mux.Router
	unsubs []func()
}

// New builds the router and subscribes the socket hub to every source.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps: deps,
		hub:  NewHub(deps.Logger),
	}
	s.router = s.routes()
	s.unsubs = []func(){
		deps.State.Subscribe(func(ch viewstate.Change) {
			s.push(TypeState, buildState(ch.Snapshot))
		}),
		deps.Map.Subscribe(func(ev mapview.Event) {
			s.push(TypeMap, ev)
		}),
		deps.Log.Subscribe(func(l logtail.Line) {
			s.push(TypeLog, l)
		}),
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the socket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("Dashboard listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close unsubscribes from the sources and disconnects every browser.
func (s *Server) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.hub.Close()
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/nodes", s.handleNodes).Methods(http.MethodGet)
	r.HandleFunc("/api/map", s.handleMap).Methods(http.MethodGet)
	r.HandleFunc("/api/map/ready", s.handleMapReady).Methods(http.MethodPost)
	r.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)

	r.HandleFunc("/api/nodes/{id}/select", s.handleSelect).Methods(http.MethodPost)
	r.HandleFunc("/api/nodes/{id}/request-location", s.handleRequestLocation).Methods(http.MethodPost)
	r.HandleFunc("/api/nodes/{id}/command", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/api/berry/{id}/{action:update|reboot}", s.handleBerry).Methods(http.MethodPost)
	r.HandleFunc("/api/berry/{id}/set-position", s.handleSetPosition).Methods(http.MethodPost)
	r.HandleFunc("/api/wifi-config", s.handleWifiConfig).Methods(http.MethodPost)

	r.HandleFunc("/api/prefs/theme", s.handleGetTheme).Methods(http.MethodGet)
	r.HandleFunc("/api/prefs/theme", s.handlePutTheme).Methods(http.MethodPut)

	r.HandleFunc("/api/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	static, _ := fs.Sub(staticFiles, "static")
	r.PathPrefix("/").Handler(http.FileServer(http.FS(static))).Methods(http.MethodGet)

	return r
}

func buildState(snap viewstate.Snapshot) StatePayload {
	return StatePayload{Snapshot: snap, View: views.Build(snap)}
}

func (s *Server) push(kind string, data any) {
	msg, err := json.Marshal(Message{Type: kind, Data: data})
	if err != nil {
		s.deps.Logger.Error("Failed to encode socket message", "type", kind, "error", err)
		return
	}
	s.hub.Broadcast(msg)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, func() [][]byte {
		var frames [][]byte
		for _, m := range []Message{
			{Type: TypeState, Data: buildState(s.deps.State.Snapshot())},
			{Type: TypeMapState, Data: s.deps.Map.State()},
			{Type: TypeLogs, Data: s.logs()},
		} {
			msg, err := json.Marshal(m)
			if err != nil {
				s.deps.Logger.Error("Failed to encode socket message", "type", m.Type, "error", err)
				continue
			}
			frames = append(frames, msg)
		}
		return frames
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildState(s.deps.State.Snapshot()))
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.State.Snapshot().Nodes)
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Map.State())
}

func (s *Server) handleMapReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.MapReady == nil {
		writeError(w, http.StatusNotImplemented, "map readiness is not wired")
		return
	}
	if err := s.deps.MapReady(r.Context()); err != nil {
		s.deps.Logger.Error("Map init failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Map.State())
}

func (s *Server) logs() LogsPayload {
	return LogsPayload{Capacity: s.deps.Log.Capacity(), Lines: s.deps.Log.Lines()}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logs())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.deps.Version})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, dispatcher.Event{Action: actions.Refresh})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, dispatcher.Event{Action: actions.Select, NodeID: mux.Vars(r)["id"]})
}

func (s *Server) handleRequestLocation(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, dispatcher.Event{Action: actions.RequestLocation, NodeID: mux.Vars(r)["id"]})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.dispatch(w, dispatcher.Event{
		Action: actions.SendCommand,
		NodeID: mux.Vars(r)["id"],
		Params: map[string]string{actions.ParamCommand: req.Command},
	})
}

func (s *Server) handleBerry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action := actions.BerryUpdate
	if vars["action"] == "reboot" {
		action = actions.BerryReboot
	}
	s.dispatch(w, dispatcher.Event{Action: action, NodeID: vars["id"]})
}

type positionRequest struct {
	Lat json.Number `json:"lat"`
	Lng json.Number `json:"lng"`
}

func (s *Server) handleSetPosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.dispatch(w, dispatcher.Event{
		Action: actions.BerrySetPosition,
		NodeID: mux.Vars(r)["id"],
		Params: map[string]string{
			actions.ParamLat: req.Lat.String(),
			actions.ParamLng: req.Lng.String(),
		},
	})
}

func (s *Server) handleWifiConfig(w http.ResponseWriter, r *http.Request) {
	var req api.WifiRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.deps.Actions.Dispatch(dispatcher.Event{
		Action: actions.WifiConfig,
		Params: map[string]string{
			actions.ParamSSID:     req.SSID,
			actions.ParamPassword: req.Password,
			actions.ParamMQTTHost: req.MQTTHost,
			actions.ParamMQTTUser: req.MQTTUser,
			actions.ParamMQTTPass: req.MQTTPass,
		},
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	wifi, ok := res.(actions.WifiResult)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unexpected wifi-config result")
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", wifi.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wifi.Content)
}

type themeBody struct {
	Theme prefs.Theme `json:"theme"`
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prefs == nil {
		writeJSON(w, http.StatusOK, themeBody{Theme: prefs.DefaultTheme})
		return
	}
	t, err := s.deps.Prefs.Theme(r.Context())
	if err != nil {
		s.deps.Logger.Error("Failed to read theme", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, themeBody{Theme: t})
}

func (s *Server) handlePutTheme(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prefs == nil {
		writeError(w, http.StatusNotImplemented, "preferences are disabled")
		return
	}
	var body struct {
		Theme string `json:"theme"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	t, err := prefs.ParseTheme(body.Theme)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Prefs.SetTheme(r.Context(), t); err != nil {
		s.deps.Logger.Error("Failed to save theme", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, themeBody{Theme: t})
}

func (s *Server) dispatch(w http.ResponseWriter, e dispatcher.Event) {
	res, err := s.deps.Actions.Dispatch(e)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if res == dispatcher.Queued {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": dispatcher.Queued})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "result": res})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, actions.ErrInvalidParams), errors.Is(err, prefs.ErrInvalidTheme):
		return http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatcher.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, api.ErrFetchFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
