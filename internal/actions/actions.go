// Package actions implements the user interactions of the dashboard as
// dispatcher handlers. Backend commands are fire-and-forget: their outcome is
// reported as a client line in the log tail.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meshspy/dashboard/internal/api"
	"github.com/meshspy/dashboard/internal/dispatcher"
	"github.com/meshspy/dashboard/internal/geo"
	"github.com/meshspy/dashboard/internal/logtail"
	"github.com/meshspy/dashboard/internal/node"
	"github.com/meshspy/dashboard/internal/telemetry"
	"github.com/meshspy/dashboard/internal/viewstate"
)

// Action names registered on the dispatcher.
const (
	Select           = "select"
	RequestLocation  = "request-location"
	SendCommand      = "send-command"
	BerryUpdate      = "berry-update"
	BerryReboot      = "berry-reboot"
	BerrySetPosition = "berry-set-position"
	WifiConfig       = "wifi-config"
	Refresh          = "refresh"
)

// Event parameter names.
const (
	ParamCommand  = "command"
	ParamLat      = "lat"
	ParamLng      = "lng"
	ParamSSID     = "ssid"
	ParamPassword = "password"
	ParamMQTTHost = "mqtt_host"
	ParamMQTTUser = "mqtt_user"
	ParamMQTTPass = "mqtt_pass"
)

// WifiFilename is the name the generated configuration is saved under.
const WifiFilename = "wifi.yaml"

// Defaults for Config.
const (
	DefaultQueueSize = 32
	DefaultTimeout   = 10 * time.Second
)

// ErrInvalidParams is returned when an action is missing or has bad parameters.
var ErrInvalidParams = errors.New("invalid action parameters")

var validate = validator.New()

// Backend is the command side of the backend API.
type Backend interface {
	RequestLocation(ctx context.Context, nodeID string) error
	SendCommand(ctx context.Context, nodeID, command string) error
	BerryUpdate(ctx context.Context, nodeID string) error
	BerryReboot(ctx context.Context, nodeID string) error
	BerrySetPosition(ctx context.Context, nodeID string, pos geo.LatLng) error
	WifiConfig(ctx context.Context, req api.WifiRequest) ([]byte, error)
}

// State is the view state as seen by interaction handlers.
type State interface {
	viewstate.Selector
	Snapshot() viewstate.Snapshot
}

// Refresher triggers an out-of-band poll.
type Refresher interface {
	Refresh()
}

// Config tunes the handlers.
type Config struct {
	// RequestPositionOnSelect also requests a position when an unpositioned
	// node is selected.
	RequestPositionOnSelect bool
	QueueSize               int
	Timeout                 time.Duration
}

// Dependencies holds everything the handlers need
type Dependencies struct {
	Backend   Backend
	State     State
	Log       logtail.Sink
	Refresher Refresher
	Logger    *slog.Logger
	Metrics   telemetry.Collector
	Config    Config
}

// WifiResult is the outcome of a wifi-config action.
type WifiResult struct {
	Filename string
	Content  []byte
}

// Service provides the handler for every action.
type Service struct {
	deps       Dependencies
	dispatcher *dispatcher.Dispatcher
}

// NewService creates the action handlers.
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Noop()
	}
	if deps.Config.QueueSize <= 0 {
		deps.Config.QueueSize = DefaultQueueSize
	}
	if deps.Config.Timeout <= 0 {
		deps.Config.Timeout = DefaultTimeout
	}
	return &Service{deps: deps}
}

// Register adds every action to d. Backend commands are buffered; select,
// wifi-config and refresh answer synchronously.
func (s *Service) Register(d *dispatcher.Dispatcher) {
	s.dispatcher = d
	buffered := []dispatcher.Option{dispatcher.Buffered(s.deps.Config.QueueSize), dispatcher.Logged()}

	d.Register(Select, s.handleSelect, dispatcher.Logged(), dispatcher.Validated(s.requireNode(Select)))
	d.Register(RequestLocation, s.handleRequestLocation,
		append(buffered, dispatcher.Validated(s.requireNode(RequestLocation)))...)
	d.Register(SendCommand, s.handleSendCommand,
		append(buffered, dispatcher.Validated(s.checkCommand))...)
	d.Register(BerryUpdate, s.handleBerryUpdate,
		append(buffered, dispatcher.Validated(s.requireNode(BerryUpdate)))...)
	d.Register(BerryReboot, s.handleBerryReboot,
		append(buffered, dispatcher.Validated(s.requireNode(BerryReboot)))...)
	d.Register(BerrySetPosition, s.handleBerrySetPosition,
		append(buffered, dispatcher.Validated(s.checkPosition))...)
	d.Register(WifiConfig, s.handleWifiConfig, dispatcher.Logged())
	d.Register(Refresh, s.handleRefresh)
}

func (s *Service) requireNode(action string) func(dispatcher.Event) error {
	return func(e dispatcher.Event) error {
		if strings.TrimSpace(e.NodeID) == "" {
			return s.invalid(action, "node id is required")
		}
		return nil
	}
}

func (s *Service) checkCommand(e dispatcher.Event) error {
	if err := s.requireNode(SendCommand)(e); err != nil {
		return err
	}
	if strings.TrimSpace(e.Param(ParamCommand)) == "" {
		return s.invalid(SendCommand, "command is required")
	}
	return nil
}

func (s *Service) checkPosition(e dispatcher.Event) error {
	if err := s.requireNode(BerrySetPosition)(e); err != nil {
		return err
	}
	if _, err := ParsePosition(e.Param(ParamLat), e.Param(ParamLng)); err != nil {
		s.deps.Metrics.IncAction(BerrySetPosition, "invalid")
		return err
	}
	return nil
}

func (s *Service) invalid(action, reason string) error {
	s.deps.Metrics.IncAction(action, "invalid")
	return fmt.Errorf("%w: %s: %s", ErrInvalidParams, action, reason)
}

// ParsePosition parses a manual position and checks it against WGS84 ranges.
func ParsePosition(lat, lng string) (geo.LatLng, error) {
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return geo.LatLng{}, fmt.Errorf("%w: latitude %q", ErrInvalidParams, lat)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lng), 64)
	if err != nil {
		return geo.LatLng{}, fmt.Errorf("%w: longitude %q", ErrInvalidParams, lng)
	}
	pos, err := geo.NewLatLng(la, lo)
	if err != nil {
		return geo.LatLng{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return pos, nil
}

func (s *Service) handleSelect(e dispatcher.Event) (any, error) {
	snap := s.deps.State.Snapshot()
	n, known := node.Find(snap.Nodes, e.NodeID)

	s.deps.State.Select(e.NodeID)
	s.deps.Metrics.IncAction(Select, "ok")

	switch {
	case !known:
		s.client("selected unknown node %s", e.NodeID)
	case n.HasPosition():
		s.client("zoom to %s", n.Name)
	default:
		s.client("requesting position for %s (%s)", n.ID, n.Name)
		if s.deps.Config.RequestPositionOnSelect && s.dispatcher != nil {
			if _, err := s.dispatcher.Dispatch(dispatcher.Event{Action: RequestLocation, NodeID: n.ID}); err != nil {
				s.deps.Logger.Warn("Failed to queue position request", "node", n.ID, "error", err)
			}
		}
	}
	return e.NodeID, nil
}

func (s *Service) handleRequestLocation(e dispatcher.Event) (any, error) {
	err := s.call(RequestLocation, func(ctx context.Context) error {
		return s.deps.Backend.RequestLocation(ctx, e.NodeID)
	})
	s.report(err, "position request for %s", s.label(e.NodeID))
	return nil, err
}

func (s *Service) handleSendCommand(e dispatcher.Event) (any, error) {
	cmd := e.Param(ParamCommand)
	err := s.call(SendCommand, func(ctx context.Context) error {
		return s.deps.Backend.SendCommand(ctx, e.NodeID, cmd)
	})
	s.report(err, "command %q to %s", cmd, s.label(e.NodeID))
	return nil, err
}

func (s *Service) handleBerryUpdate(e dispatcher.Event) (any, error) {
	err := s.call(BerryUpdate, func(ctx context.Context) error {
		return s.deps.Backend.BerryUpdate(ctx, e.NodeID)
	})
	s.report(err, "update of %s", s.label(e.NodeID))
	return nil, err
}

func (s *Service) handleBerryReboot(e dispatcher.Event) (any, error) {
	err := s.call(BerryReboot, func(ctx context.Context) error {
		return s.deps.Backend.BerryReboot(ctx, e.NodeID)
	})
	s.report(err, "reboot of %s", s.label(e.NodeID))
	return nil, err
}

func (s *Service) handleBerrySetPosition(e dispatcher.Event) (any, error) {
	pos, err := ParsePosition(e.Param(ParamLat), e.Param(ParamLng))
	if err != nil {
		return nil, err
	}
	err = s.call(BerrySetPosition, func(ctx context.Context) error {
		return s.deps.Backend.BerrySetPosition(ctx, e.NodeID, pos)
	})
	s.report(err, "position %.6f,%.6f for %s", pos.Lat, pos.Lng, s.label(e.NodeID))
	return nil, err
}

func (s *Service) handleWifiConfig(e dispatcher.Event) (any, error) {
	req := api.WifiRequest{
		SSID:     e.Param(ParamSSID),
		Password: e.Param(ParamPassword),
		MQTTHost: e.Param(ParamMQTTHost),
		MQTTUser: e.Param(ParamMQTTUser),
		MQTTPass: e.Param(ParamMQTTPass),
	}
	if err := validate.Struct(req); err != nil {
		s.deps.Metrics.IncAction(WifiConfig, "invalid")
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidParams, WifiConfig, err)
	}

	var content []byte
	err := s.call(WifiConfig, func(ctx context.Context) error {
		var err error
		content, err = s.deps.Backend.WifiConfig(ctx, req)
		if err != nil {
			return err
		}
		return CheckYAML(content)
	})
	s.report(err, "wifi config for %s", req.SSID)
	if err != nil {
		return nil, err
	}
	return WifiResult{Filename: WifiFilename, Content: content}, nil
}

// CheckYAML reports whether content is a non-empty YAML mapping.
func CheckYAML(content []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("wifi config is not valid YAML: %w", err)
	}
	if len(doc) == 0 {
		return errors.New("wifi config is empty")
	}
	return nil
}

func (s *Service) handleRefresh(dispatcher.Event) (any, error) {
	if s.deps.Refresher == nil {
		return nil, errors.New("refresh is not available")
	}
	s.deps.Refresher.Refresh()
	s.deps.Metrics.IncAction(Refresh, "ok")
	return dispatcher.Queued, nil
}

// call runs fn with the configured timeout and counts the outcome.
func (s *Service) call(action string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.Timeout)
	defer cancel()

	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.deps.Metrics.IncAction(action, outcome)
	return err
}

func (s *Service) report(err error, format string, args ...any) {
	what := fmt.Sprintf(format, args...)
	if err != nil {
		s.client("%s failed: %v", what, err)
		return
	}
	s.client("%s sent", what)
}

func (s *Service) client(format string, args ...any) {
	if s.deps.Log != nil {
		s.deps.Log.Client(format, args...)
	}
}

// label renders a node as "name (id)" when it has a distinct name.
func (s *Service) label(id string) string {
	if s.deps.State == nil {
		return id
	}
	if n, ok := node.Find(s.deps.State.Snapshot().Nodes, id); ok && n.Name != "" && n.Name != id {
		return fmt.Sprintf("%s (%s)", n.Name, id)
	}
	return id
}
