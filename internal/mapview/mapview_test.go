package mapview

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshspy/dashboard/internal/geo"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func readyLayer(t *testing.T) (*Layer, *recorder) {
	t.Helper()
	l := NewLayer(DefaultCenter, DefaultZoom)
	rec := &recorder{}
	l.Subscribe(rec.add)
	require.NoError(t, l.Init(context.Background()))
	return l, rec
}

func TestLayer_OperationsBeforeInit(t *testing.T) {
	l := NewLayer(DefaultCenter, DefaultZoom)

	assert.False(t, l.Ready())
	_, err := l.AddMarker("n1", geo.LatLng{Lat: 1, Lng: 1}, "n1")
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.True(t, errors.Is(l.FlyTo(geo.LatLng{}, FocusZoom), ErrNotReady))
	assert.True(t, errors.Is(l.OpenPopup("x"), ErrNotReady))
	assert.Empty(t, l.Markers())
}

func TestLayer_InitPublishesViewport(t *testing.T) {
	l, rec := readyLayer(t)

	assert.True(t, l.Ready())
	require.Len(t, rec.events, 1)
	assert.Equal(t, EventInit, rec.events[0].Kind)
	assert.Equal(t, Viewport{Center: DefaultCenter, Zoom: DefaultZoom}, *rec.events[0].Viewport)

	// second init is silent
	require.NoError(t, l.Init(context.Background()))
	assert.Len(t, rec.events, 1)
}

func TestLayer_InitCancelled(t *testing.T) {
	l := NewLayer(DefaultCenter, DefaultZoom)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, l.Init(ctx))
	assert.False(t, l.Ready())
}

func TestLayer_MarkerLifecycle(t *testing.T) {
	l, rec := readyLayer(t)

	h, err := l.AddMarker("n1", geo.LatLng{Lat: 45.07, Lng: 9.65}, "Alpha")
	require.NoError(t, err)
	require.NotEmpty(t, h)

	markers := l.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, "n1", markers[0].NodeID)
	assert.Equal(t, geo.LatLng{Lat: 45.07, Lng: 9.65}, markers[0].Position)
	assert.NotZero(t, markers[0].X)
	assert.NotZero(t, markers[0].Y)

	require.NoError(t, l.MoveMarker(h, geo.LatLng{Lat: 46, Lng: 10}, "Alpha 2"))
	markers = l.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, h, markers[0].Handle, "move keeps the handle")
	assert.Equal(t, "Alpha 2", markers[0].Label)
	assert.Equal(t, 46.0, markers[0].Position.Lat)

	require.NoError(t, l.OpenPopup(h))
	require.NoError(t, l.RemoveMarker(h))
	assert.Empty(t, l.Markers())

	assert.Equal(t, []EventKind{EventInit, EventAdd, EventMove, EventPopup, EventRemove}, rec.kinds())
}

func TestLayer_UnknownHandle(t *testing.T) {
	l, _ := readyLayer(t)

	assert.True(t, errors.Is(l.MoveMarker("nope", geo.LatLng{}, ""), ErrUnknownMarker))
	assert.True(t, errors.Is(l.RemoveMarker("nope"), ErrUnknownMarker))
	assert.True(t, errors.Is(l.OpenPopup("nope"), ErrUnknownMarker))
}

func TestLayer_FlyTo(t *testing.T) {
	l, rec := readyLayer(t)

	target := geo.LatLng{Lat: 45.07, Lng: 9.65}
	require.NoError(t, l.FlyTo(target, FocusZoom))

	assert.Equal(t, Viewport{Center: target, Zoom: FocusZoom}, l.Viewport())
	assert.Equal(t, []EventKind{EventInit, EventFlyTo}, rec.kinds())
}

func TestLayer_StateBounds(t *testing.T) {
	l, _ := readyLayer(t)

	st := l.State()
	assert.True(t, st.Ready)
	assert.Empty(t, st.Markers)
	assert.Nil(t, st.Bounds)

	_, err := l.AddMarker("b", geo.LatLng{Lat: 44, Lng: 11}, "B")
	require.NoError(t, err)
	_, err = l.AddMarker("a", geo.LatLng{Lat: 43, Lng: 10}, "A")
	require.NoError(t, err)

	st = l.State()
	require.Len(t, st.Markers, 2)
	assert.Equal(t, "a", st.Markers[0].NodeID)
	require.NotNil(t, st.Bounds)
	assert.Equal(t, geo.LatLng{Lat: 43, Lng: 10}, st.Bounds.SouthWest)
	assert.Equal(t, geo.LatLng{Lat: 44, Lng: 11}, st.Bounds.NorthEast)
}

func TestLayer_Unsubscribe(t *testing.T) {
	l := NewLayer(DefaultCenter, DefaultZoom)
	rec := &recorder{}
	unsubscribe := l.Subscribe(rec.add)
	unsubscribe()

	require.NoError(t, l.Init(context.Background()))
	assert.Empty(t, rec.kinds())
}
