// Package views derives the display surfaces of the dashboard from a view
// state snapshot. Every function here is pure.
package views

import (
	"fmt"

	"github.com/meshspy/dashboard/internal/api"
	"github.com/meshspy/dashboard/internal/node"
	"github.com/meshspy/dashboard/internal/viewstate"
)

// EmptySidebarMessage is shown when there are no nodes.
const EmptySidebarMessage = "No nodes available"

// SidebarEntry is one row of the node list.
type SidebarEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	HasPosition bool   `json:"hasPosition"`
	Selected    bool   `json:"selected"`
}

// Sidebar is the clickable node list.
type Sidebar struct {
	Entries []SidebarEntry `json:"entries"`
	Empty   string         `json:"empty,omitempty"`
}

// BuildSidebar lists the nodes in poll order.
func BuildSidebar(s viewstate.Snapshot) Sidebar {
	if len(s.Nodes) == 0 {
		return Sidebar{Entries: []SidebarEntry{}, Empty: EmptySidebarMessage}
	}
	entries := make([]SidebarEntry, len(s.Nodes))
	for i, n := range s.Nodes {
		entries[i] = SidebarEntry{
			ID:          n.ID,
			Name:        n.Name,
			HasPosition: n.HasPosition(),
			Selected:    n.ID == s.SelectedID,
		}
	}
	return Sidebar{Entries: entries}
}

// Dashboard holds the node counters.
type Dashboard struct {
	State   viewstate.FetchState `json:"state"`
	Counts  node.Counts          `json:"counts"`
	Message string               `json:"message,omitempty"`
}

// BuildDashboard counts nodes. Counters are hidden while loading or failing.
func BuildDashboard(s viewstate.Snapshot) Dashboard {
	d := Dashboard{State: s.NodesStatus.State}
	switch s.NodesStatus.State {
	case viewstate.FetchLoading:
		d.Message = "Loading mesh network metrics..."
	case viewstate.FetchError:
		d.Message = "Error loading metrics"
	default:
		d.Counts = node.Count(s.Nodes)
	}
	return d
}

// BannerLevel grades the health of the mesh network.
type BannerLevel string

const (
	BannerLoading BannerLevel = "loading"
	BannerError   BannerLevel = "error"
	BannerOffline BannerLevel = "offline"
	BannerPartial BannerLevel = "partial"
	BannerOK      BannerLevel = "ok"
)

// Banner is the status line above the map.
type Banner struct {
	Level   BannerLevel `json:"level"`
	Message string      `json:"message"`
}

// BuildBanner grades the snapshot.
func BuildBanner(s viewstate.Snapshot) Banner {
	switch s.NodesStatus.State {
	case viewstate.FetchLoading:
		return Banner{Level: BannerLoading, Message: "Loading mesh network..."}
	case viewstate.FetchError:
		return Banner{Level: BannerError, Message: "Error connecting to the mesh network"}
	}

	c := node.Count(s.Nodes)
	switch {
	case c.Total == 0:
		return Banner{Level: BannerOffline, Message: "No nodes detected, mesh network offline"}
	case c.WithPosition < c.Total:
		return Banner{Level: BannerPartial, Message: fmt.Sprintf("%d nodes detected, %d with a valid position", c.Total, c.WithPosition)}
	default:
		return Banner{Level: BannerOK, Message: fmt.Sprintf("Mesh network operational, %d nodes active", c.Total)}
	}
}

// MetricsPanel shows online nodes and the backend's own metrics.
type MetricsPanel struct {
	Status   viewstate.FetchStatus `json:"status"`
	Online   int                   `json:"online"`
	Total    int                   `json:"total"`
	Families []api.MetricFamily    `json:"families,omitempty"`
	Raw      string                `json:"raw,omitempty"`
}

// BuildMetricsPanel combines node liveness with the last metrics payload.
func BuildMetricsPanel(s viewstate.Snapshot) MetricsPanel {
	p := MetricsPanel{Status: s.MetricsStatus, Total: len(s.Nodes)}
	for _, n := range s.Nodes {
		if n.Online != nil && *n.Online {
			p.Online++
		}
	}
	if s.Metrics != nil {
		p.Families = s.Metrics.Families
		if len(p.Families) == 0 {
			p.Raw = s.Metrics.Raw
		}
	}
	return p
}

// View is every derived surface at once.
type View struct {
	Sidebar   Sidebar      `json:"sidebar"`
	Dashboard Dashboard    `json:"dashboard"`
	Banner    Banner       `json:"banner"`
	Metrics   MetricsPanel `json:"metrics"`
}

// Build derives every surface from s.
func Build(s viewstate.Snapshot) View {
	return View{
		Sidebar:   BuildSidebar(s),
		Dashboard: BuildDashboard(s),
		Banner:    BuildBanner(s),
		Metrics:   BuildMetricsPanel(s),
	}
}
