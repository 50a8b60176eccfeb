// Package viewstate holds the dashboard's shared view state and pushes every
// committed change to its subscribers.
package viewstate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshspy/dashboard/internal/api"
	"github.com/meshspy/dashboard/internal/node"
)

// FetchState is the lifecycle of a polled resource.
type FetchState string

const (
	FetchLoading FetchState = "loading"
	FetchReady   FetchState = "ready"
	FetchError   FetchState = "error"
)

// FetchStatus describes the last poll of a resource.
type FetchStatus struct {
	State     FetchState `json:"state"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt,omitzero"`
}

// Kind is a bitmask of the parts of the state a change touched.
type Kind uint8

const (
	KindNodes Kind = 1 << iota
	KindSelection
	KindNodesStatus
	KindMetrics
	KindMapReady
)

// Has reports whether k includes any of other.
func (k Kind) Has(other Kind) bool {
	return k&other != 0
}

// Snapshot is an immutable copy of the state. Nodes is shared between
// snapshots and must not be modified.
type Snapshot struct {
	Version       uint64       `json:"version"`
	Nodes         []node.Node  `json:"nodes"`
	SelectedID    string       `json:"selectedId,omitempty"`
	NodesStatus   FetchStatus  `json:"nodesStatus"`
	MetricsStatus FetchStatus  `json:"metricsStatus"`
	Metrics       *api.Metrics `json:"metrics,omitempty"`
	MapReady      bool         `json:"mapReady"`
}

// Selected returns the selected node when it is present in Nodes.
func (s Snapshot) Selected() (node.Node, bool) {
	if s.SelectedID == "" {
		return node.Node{}, false
	}
	return node.Find(s.Nodes, s.SelectedID)
}

// Change is delivered to subscribers after every mutation.
type Change struct {
	Kinds    Kind
	Snapshot Snapshot
}

// FetchSink is the write side used by the poller.
type FetchSink interface {
	ReplaceNodes(nodes []node.Node)
	SetNodesError(err error)
	SetMetrics(m api.Metrics)
	SetMetricsError(err error)
}

// Selector is the write side used by interaction handlers.
type Selector interface {
	Select(id string)
}

// ReadinessSink is the write side used by the marker synchronizer.
type ReadinessSink interface {
	SetMapReady()
}

// Store is the single writable view state.
type Store struct {
	mu        sync.RWMutex
	state     Snapshot
	listeners map[string]func(Change)

	// pending changes not yet delivered; draining is set while one goroutine
	// delivers them.
	pending  []Change
	draining bool

	now func() time.Time
}

var (
	_ FetchSink     = (*Store)(nil)
	_ Selector      = (*Store)(nil)
	_ ReadinessSink = (*Store)(nil)
)

// New creates a store with both resources loading and no nodes.
func New() *Store {
	return &Store{
		state: Snapshot{
			Nodes:         []node.Node{},
			NodesStatus:   FetchStatus{State: FetchLoading},
			MetricsStatus: FetchStatus{State: FetchLoading},
		},
		listeners: make(map[string]func(Change)),
		now:       time.Now,
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers fn for every subsequent change and returns a func that
// removes it. Changes are delivered one at a time in commit order. A listener
// may mutate the store; that change is delivered after the current one.
func (s *Store) Subscribe(fn func(Change)) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// ReplaceNodes swaps in a freshly normalized node list.
func (s *Store) ReplaceNodes(nodes []node.Node) {
	cp := make([]node.Node, len(nodes))
	copy(cp, nodes)
	s.commit(KindNodes|KindNodesStatus, func(st *Snapshot) bool {
		st.Nodes = cp
		st.NodesStatus = FetchStatus{State: FetchReady, UpdatedAt: s.now()}
		return true
	})
}

// SetNodesError records a failed node poll. The last node list is kept.
func (s *Store) SetNodesError(err error) {
	s.commit(KindNodesStatus, func(st *Snapshot) bool {
		st.NodesStatus = FetchStatus{State: FetchError, Error: errText(err), UpdatedAt: s.now()}
		return true
	})
}

// SetMetrics stores a freshly polled metrics payload.
func (s *Store) SetMetrics(m api.Metrics) {
	s.commit(KindMetrics, func(st *Snapshot) bool {
		st.Metrics = &m
		st.MetricsStatus = FetchStatus{State: FetchReady, UpdatedAt: s.now()}
		return true
	})
}

// SetMetricsError records a failed metrics poll. The last payload is kept.
func (s *Store) SetMetricsError(err error) {
	s.commit(KindMetrics, func(st *Snapshot) bool {
		st.MetricsStatus = FetchStatus{State: FetchError, Error: errText(err), UpdatedAt: s.now()}
		return true
	})
}

// Select sets the selected node id. Ids absent from the node list are
// accepted; an empty id clears the selection.
func (s *Store) Select(id string) {
	s.commit(KindSelection, func(st *Snapshot) bool {
		st.SelectedID = id
		return true
	})
}

// SetMapReady records that the map surface finished initializing.
// Only the first call produces a change.
func (s *Store) SetMapReady() {
	s.commit(KindMapReady, func(st *Snapshot) bool {
		if st.MapReady {
			return false
		}
		st.MapReady = true
		return true
	})
}

// commit applies mutate and, when it reports a change, queues the change and
// delivers pending changes unless another goroutine is already doing so.
func (s *Store) commit(kinds Kind, mutate func(*Snapshot) bool) {
	s.mu.Lock()
	if !mutate(&s.state) {
		s.mu.Unlock()
		return
	}
	s.state.Version++
	s.pending = append(s.pending, Change{Kinds: kinds, Snapshot: s.state})
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	// a panicking listener unwinds through here; draining must not stay set
	// or every later change would be queued forever
	locked := true
	defer func() {
		if !locked {
			s.mu.Lock()
		}
		s.draining = false
		s.mu.Unlock()
	}()

	for len(s.pending) > 0 {
		ch := s.pending[0]
		s.pending = s.pending[1:]
		fns := make([]func(Change), 0, len(s.listeners))
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		locked = false

		for _, fn := range fns {
			fn(ch)
		}

		s.mu.Lock()
		locked = true
	}
	s.pending = nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
