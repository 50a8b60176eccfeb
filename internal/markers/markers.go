// Package markers keeps the rendered map markers congruent with the node list.
// The Synchronizer is the only writer of the map surface and the marker
// registry.
package markers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshspy/dashboard/internal/cache"
	"github.com/meshspy/dashboard/internal/logtail"
	"github.com/meshspy/dashboard/internal/mapview"
	"github.com/meshspy/dashboard/internal/node"
	"github.com/meshspy/dashboard/internal/telemetry"
	"github.com/meshspy/dashboard/internal/viewstate"
)

// ErrMarkerNotFound is returned when a focused node has no rendered marker.
var ErrMarkerNotFound = errors.New("marker not found")

// Store is the part of the view state the synchronizer reads and writes.
type Store interface {
	viewstate.ReadinessSink
	Snapshot() viewstate.Snapshot
}

// Result lists the node ids touched by one reconciliation.
type Result struct {
	Created []string
	Moved   []string
	Removed []string
}

// Empty reports whether the reconciliation changed nothing.
func (r Result) Empty() bool {
	return len(r.Created) == 0 && len(r.Moved) == 0 && len(r.Removed) == 0
}

// Synchronizer reconciles markers against nodes and focuses the selection.
type Synchronizer struct {
	mu       sync.Mutex
	ready    bool
	surface  mapview.Surface
	registry *cache.MarkerCache
	store    Store
	sink     logtail.Sink
	logger   *slog.Logger
	metrics  telemetry.Collector
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCollector sets the telemetry collector.
func WithCollector(c telemetry.Collector) Option {
	return func(s *Synchronizer) {
		if c != nil {
			s.metrics = c
		}
	}
}

// New creates a synchronizer driving surface. Lines for the user go to sink.
func New(surface mapview.Surface, store Store, sink logtail.Sink, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		surface:  surface,
		registry: cache.NewMarkerCache(),
		store:    store,
		sink:     sink,
		logger:   slog.Default(),
		metrics:  telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReady initializes the surface, reconciles against the current node list
// and marks the map ready in the store. A repeated call rebuilds the marker
// set from scratch.
func (s *Synchronizer) SetReady(ctx context.Context) error {
	if err := s.surface.Init(ctx); err != nil {
		return fmt.Errorf("map init: %w", err)
	}

	s.mu.Lock()
	if s.ready {
		s.clear()
	}
	s.ready = true
	res := s.reconcile(s.store.Snapshot().Nodes)
	s.mu.Unlock()

	s.logger.Info("Map ready", "created", len(res.Created))
	s.store.SetMapReady()
	return nil
}

// clear removes every registered marker from the surface and empties the
// registry. Must be called with s.mu held.
func (s *Synchronizer) clear() {
	for _, id := range s.registry.IDs() {
		entry, _ := s.registry.Get(id)
		if err := s.surface.RemoveMarker(entry.Handle); err != nil && !errors.Is(err, mapview.ErrUnknownMarker) {
			s.logger.Warn("Failed to remove marker", "node", id, "error", err)
		}
	}
	s.registry.Reset()
}

// Ready reports whether SetReady has completed.
func (s *Synchronizer) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// HandleChange reacts to a committed store change. Node changes are
// reconciled before the selection is focused, so a node that gained a
// position in the same change resolves to its new marker.
func (s *Synchronizer) HandleChange(ch viewstate.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return
	}
	if ch.Kinds.Has(viewstate.KindNodes | viewstate.KindMapReady) {
		s.reconcile(ch.Snapshot.Nodes)
	}
	if ch.Kinds.Has(viewstate.KindSelection) && ch.Snapshot.SelectedID != "" {
		_ = s.focus(ch.Snapshot.SelectedID, ch.Snapshot.Nodes)
	}
}

// Reconcile makes the marker set equal to the positioned nodes. It is a no-op
// until the surface is ready.
func (s *Synchronizer) Reconcile(nodes []node.Node) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return Result{}
	}
	return s.reconcile(nodes)
}

// Focus flies to the marker of nodeID and opens its popup. Without a marker a
// client line is written and ErrMarkerNotFound returned.
func (s *Synchronizer) Focus(nodeID string, nodes []node.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return nil
	}
	return s.focus(nodeID, nodes)
}

// MarkerIDs returns the node ids that currently have a marker.
func (s *Synchronizer) MarkerIDs() []string {
	return s.registry.IDs()
}

func (s *Synchronizer) reconcile(nodes []node.Node) Result {
	var res Result
	want := make(map[string]struct{}, len(nodes))

	for _, n := range nodes {
		pos, ok := n.Position()
		if !ok {
			continue
		}
		if _, dup := want[n.ID]; dup {
			continue
		}
		want[n.ID] = struct{}{}

		entry, exists := s.registry.Get(n.ID)
		switch {
		case !exists:
			handle, err := s.surface.AddMarker(n.ID, pos, n.Name)
			if err != nil {
				s.logger.Warn("Failed to add marker", "node", n.ID, "error", err)
				continue
			}
			s.registry.Set(n.ID, cache.MarkerEntry{Handle: handle, Position: pos, Label: n.Name})
			res.Created = append(res.Created, n.ID)
		case entry.Position != pos || entry.Label != n.Name:
			if err := s.surface.MoveMarker(entry.Handle, pos, n.Name); err != nil {
				s.logger.Warn("Failed to move marker", "node", n.ID, "error", err)
				continue
			}
			s.registry.Set(n.ID, cache.MarkerEntry{Handle: entry.Handle, Position: pos, Label: n.Name})
			res.Moved = append(res.Moved, n.ID)
		}
	}

	for _, id := range s.registry.IDs() {
		if _, keep := want[id]; keep {
			continue
		}
		entry, _ := s.registry.Get(id)
		if err := s.surface.RemoveMarker(entry.Handle); err != nil && !errors.Is(err, mapview.ErrUnknownMarker) {
			s.logger.Warn("Failed to remove marker", "node", id, "error", err)
			continue
		}
		s.registry.Delete(id)
		res.Removed = append(res.Removed, id)
	}

	if !res.Empty() {
		s.logger.Debug("Markers reconciled",
			"created", len(res.Created),
			"moved", len(res.Moved),
			"removed", len(res.Removed),
			"markers", s.registry.Len())
		s.metrics.AddMarkerOps(len(res.Created), len(res.Moved), len(res.Removed))
	}
	return res
}

func (s *Synchronizer) focus(nodeID string, nodes []node.Node) error {
	entry, ok := s.registry.Get(nodeID)
	if !ok {
		label := nodeID
		if n, found := node.Find(nodes, nodeID); found && n.Name != nodeID {
			label = fmt.Sprintf("%s (%s)", n.Name, nodeID)
		}
		s.sink.Client("marker not found for %s", label)
		s.logger.Debug("Marker not found", "node", nodeID)
		return fmt.Errorf("%w: %s", ErrMarkerNotFound, nodeID)
	}

	if err := s.surface.FlyTo(entry.Position, mapview.FocusZoom); err != nil {
		s.logger.Warn("Failed to focus marker", "node", nodeID, "error", err)
		return err
	}
	if err := s.surface.OpenPopup(entry.Handle); err != nil {
		s.logger.Warn("Failed to open popup", "node", nodeID, "error", err)
		return err
	}
	return nil
}
