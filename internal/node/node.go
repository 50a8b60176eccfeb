// Package node turns the backend's loosely structured node feed into canonical
// Node values.
package node

import (
	"encoding/json"

	"github.com/meshspy/dashboard/internal/geo"
)

// Node is one mesh network participant in canonical form.
type Node struct {
	ID        string
	Name      string
	Latitude  *float64
	Longitude *float64

	// Online is nil when the backend did not report it.
	Online *bool

	// Raw is the backend record as received. Diagnostic display only.
	Raw json.RawMessage
}

// HasPosition reports whether both coordinates are known.
func (n Node) HasPosition() bool {
	return n.Latitude != nil && n.Longitude != nil
}

// Position returns the node position. ok is false when HasPosition is false.
func (n Node) Position() (geo.LatLng, bool) {
	if !n.HasPosition() {
		return geo.LatLng{}, false
	}
	return geo.LatLng{Lat: *n.Latitude, Lng: *n.Longitude}, true
}

// IsOffline reports whether the backend explicitly marked the node offline.
func (n Node) IsOffline() bool {
	return n.Online != nil && !*n.Online
}

type nodeJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Latitude    *float64        `json:"latitude"`
	Longitude   *float64        `json:"longitude"`
	HasPosition bool            `json:"hasPosition"`
	Online      *bool           `json:"online,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// MarshalJSON emits hasPosition derived from the coordinates.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{
		ID:          n.ID,
		Name:        n.Name,
		Latitude:    n.Latitude,
		Longitude:   n.Longitude,
		HasPosition: n.HasPosition(),
		Online:      n.Online,
		Raw:         n.Raw,
	})
}

// Find returns the node with the given id.
func Find(nodes []Node, id string) (Node, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Counts aggregates a node list.
type Counts struct {
	Total        int `json:"total"`
	WithPosition int `json:"withPosition"`
	Offline      int `json:"offline"`
}

// Count returns the aggregate counts of nodes.
func Count(nodes []Node) Counts {
	c := Counts{Total: len(nodes)}
	for _, n := range nodes {
		if n.HasPosition() {
			c.WithPosition++
		}
		if n.IsOffline() {
			c.Offline++
		}
	}
	return c
}
