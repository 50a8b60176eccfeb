// Package mapview models the browser map as a marker layer plus a viewport.
// Browsers replay the published events on their own map widget.
package mapview

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/meshspy/dashboard/internal/geo"
)

const (
	// DefaultZoom is the initial zoom level of the map.
	DefaultZoom = 12
	// FocusZoom is the zoom level used when a selected node is brought into view.
	FocusZoom = 17
)

// DefaultCenter is the initial centre of the map.
var DefaultCenter = geo.LatLng{Lat: 43.7167, Lng: 10.4}

var (
	ErrNotReady      = errors.New("map surface not initialized")
	ErrUnknownMarker = errors.New("unknown marker")
)

// Surface is the map the marker synchronizer drives.
type Surface interface {
	Init(ctx context.Context) error
	AddMarker(nodeID string, pos geo.LatLng, label string) (string, error)
	MoveMarker(handle string, pos geo.LatLng, label string) error
	RemoveMarker(handle string) error
	FlyTo(pos geo.LatLng, zoom int) error
	OpenPopup(handle string) error
}

// EventKind names a map operation.
type EventKind string

const (
	EventInit   EventKind = "init"
	EventAdd    EventKind = "add"
	EventMove   EventKind = "move"
	EventRemove EventKind = "remove"
	EventFlyTo  EventKind = "flyTo"
	EventPopup  EventKind = "popup"
)

// Marker is one rendered marker. X and Y are Web Mercator metres.
type Marker struct {
	Handle   string     `json:"handle"`
	NodeID   string     `json:"nodeId"`
	Label    string     `json:"label"`
	Position geo.LatLng `json:"position"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
}

// Viewport is the visible map area.
type Viewport struct {
	Center geo.LatLng `json:"center"`
	Zoom   int        `json:"zoom"`
}

// Event is one operation applied to the layer.
type Event struct {
	Kind     EventKind `json:"kind"`
	Marker   *Marker   `json:"marker,omitempty"`
	Viewport *Viewport `json:"viewport,omitempty"`
}

// State is the full layer contents, sent to browsers that connect late.
type State struct {
	Ready    bool        `json:"ready"`
	Viewport Viewport    `json:"viewport"`
	Markers  []Marker    `json:"markers"`
	Bounds   *geo.Bounds `json:"bounds,omitempty"`
}

// Layer is the in-process Surface.
type Layer struct {
	mu        sync.Mutex
	ready     bool
	view      Viewport
	markers   map[string]Marker
	listeners map[string]func(Event)

	// notifyMu serializes listener calls.
	notifyMu sync.Mutex
}

var _ Surface = (*Layer)(nil)

// NewLayer creates a layer with the given initial viewport.
func NewLayer(center geo.LatLng, zoom int) *Layer {
	return &Layer{
		view:      Viewport{Center: center, Zoom: zoom},
		markers:   make(map[string]Marker),
		listeners: make(map[string]func(Event)),
	}
}

// Subscribe registers fn for every subsequent event and returns a func that
// removes it.
func (l *Layer) Subscribe(fn func(Event)) func() {
	id := uuid.NewString()
	l.mu.Lock()
	l.listeners[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Init marks the surface ready. Calling it again is a no-op.
func (l *Layer) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	if l.ready {
		l.mu.Unlock()
		return nil
	}
	l.ready = true
	vp := l.view
	l.mu.Unlock()

	l.publish(Event{Kind: EventInit, Viewport: &vp})
	return nil
}

// Ready reports whether Init has completed.
func (l *Layer) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *Layer) AddMarker(nodeID string, pos geo.LatLng, label string) (string, error) {
	l.mu.Lock()
	if !l.ready {
		l.mu.Unlock()
		return "", ErrNotReady
	}
	m := Marker{Handle: uuid.NewString(), NodeID: nodeID, Label: label}
	m.place(pos)
	l.markers[m.Handle] = m
	l.mu.Unlock()

	l.publish(Event{Kind: EventAdd, Marker: &m})
	return m.Handle, nil
}

// MoveMarker updates a marker in place; the handle stays valid.
func (l *Layer) MoveMarker(handle string, pos geo.LatLng, label string) error {
	l.mu.Lock()
	m, err := l.lookup(handle)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	m.place(pos)
	m.Label = label
	l.markers[handle] = m
	l.mu.Unlock()

	l.publish(Event{Kind: EventMove, Marker: &m})
	return nil
}

func (l *Layer) RemoveMarker(handle string) error {
	l.mu.Lock()
	m, err := l.lookup(handle)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	delete(l.markers, handle)
	l.mu.Unlock()

	l.publish(Event{Kind: EventRemove, Marker: &m})
	return nil
}

func (l *Layer) FlyTo(pos geo.LatLng, zoom int) error {
	l.mu.Lock()
	if !l.ready {
		l.mu.Unlock()
		return ErrNotReady
	}
	l.view = Viewport{Center: pos, Zoom: zoom}
	vp := l.view
	l.mu.Unlock()

	l.publish(Event{Kind: EventFlyTo, Viewport: &vp})
	return nil
}

func (l *Layer) OpenPopup(handle string) error {
	l.mu.Lock()
	m, err := l.lookup(handle)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.publish(Event{Kind: EventPopup, Marker: &m})
	return nil
}

// Viewport returns the current viewport.
func (l *Layer) Viewport() Viewport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view
}

// Markers returns the rendered markers ordered by node id.
func (l *Layer) Markers() []Marker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedMarkers()
}

// State returns the layer contents and the bounds of all markers.
func (l *Layer) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{Ready: l.ready, Viewport: l.view, Markers: l.sortedMarkers()}
	positions := make([]geo.LatLng, 0, len(st.Markers))
	for _, m := range st.Markers {
		positions = append(positions, m.Position)
	}
	if b, ok := geo.BoundsOf(positions); ok {
		st.Bounds = &b
	}
	return st
}

func (l *Layer) sortedMarkers() []Marker {
	out := make([]Marker, 0, len(l.markers))
	for _, m := range l.markers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// lookup must be called with mu held.
func (l *Layer) lookup(handle string) (Marker, error) {
	if !l.ready {
		return Marker{}, ErrNotReady
	}
	m, ok := l.markers[handle]
	if !ok {
		return Marker{}, fmt.Errorf("%w: %s", ErrUnknownMarker, handle)
	}
	return m, nil
}

func (l *Layer) publish(ev Event) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	fns := make([]func(Event), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Marker) place(pos geo.LatLng) {
	m.Position = pos
	m.X, m.Y = pos.Mercator()
}
