package fetcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshspy/dashboard/internal/api"
	"github.com/meshspy/dashboard/internal/logtail"
	"github.com/meshspy/dashboard/internal/node"
	"github.com/meshspy/dashboard/internal/telemetry"
	"github.com/meshspy/dashboard/internal/viewstate"
)

// DefaultInterval is the poll period when none is configured.
const DefaultInterval = 5 * time.Second

// Source is the backend the poller reads from.
type Source interface {
	FetchNodes(ctx context.Context) ([]node.RawRecord, error)
	FetchMetrics(ctx context.Context) (api.Metrics, error)
}

// Summary describes one successful node poll.
type Summary struct {
	At       time.Time
	Duration time.Duration
	Counts   node.Counts
	Dropped  int
}

// Observer is told about every successful node poll.
type Observer interface {
	ObservePoll(ctx context.Context, s Summary)
}

// Dependencies holds all dependencies for the poll service
type Dependencies struct {
	Source    Source
	Sink      viewstate.FetchSink
	Log       logtail.Sink
	Logger    *slog.Logger
	Metrics   telemetry.Collector
	Observers []Observer
	Interval  time.Duration
}

// Service polls the backend on a fixed interval. A single goroutine runs
// every poll, so polls never overlap; ticks that fall due during a slow poll
// are dropped.
type Service struct {
	deps    Dependencies
	refresh chan struct{}

	mu        sync.RWMutex
	isRunning bool

	// owned by the poll goroutine
	nodesFailing   bool
	metricsFailing bool
}

// NewService creates a new poll service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.Noop()
	}
	return &Service{
		deps:    deps,
		refresh: make(chan struct{}, 1),
	}
}

// IsRunning returns whether the poll loop is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Interval returns the configured poll period.
func (s *Service) Interval() time.Duration {
	return s.deps.Interval
}

// Refresh requests an immediate poll. Requests made while one is pending
// are coalesced.
func (s *Service) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.isRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	s.deps.Logger.Debug("Starting poll loop", "interval", s.deps.Interval)

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	s.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.PollOnce(ctx)
		case <-s.refresh:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce polls nodes and then metrics. Failures are recorded in the view
// state and the log; they are never returned. It must not be called while Run
// is active; use Refresh instead.
func (s *Service) PollOnce(ctx context.Context) {
	s.pollNodes(ctx)
	s.pollMetrics(ctx)
}

func (s *Service) pollNodes(ctx context.Context) {
	start := time.Now()
	records, err := s.deps.Source.FetchNodes(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.deps.Metrics.ObservePoll("nodes", false, elapsed)
		s.deps.Logger.Warn("Node poll failed", "error", err)
		s.deps.Sink.SetNodesError(err)
		if !s.nodesFailing && s.deps.Log != nil {
			s.deps.Log.Client("error loading nodes: %v", err)
		}
		s.nodesFailing = true
		return
	}

	res := node.Normalize(records)
	for _, d := range res.Dropped {
		s.deps.Logger.Debug("Dropped malformed node record", "node", d.ID, "error", d.Err)
	}
	for _, d := range res.Unplaced {
		s.deps.Logger.Debug("Ignored node coordinates", "node", d.ID, "error", d.Err)
	}
	s.deps.Sink.ReplaceNodes(res.Nodes)

	counts := node.Count(res.Nodes)
	s.deps.Metrics.ObservePoll("nodes", true, elapsed)
	s.deps.Metrics.SetNodeCounts(counts.Total, counts.WithPosition, counts.Offline)
	if s.nodesFailing {
		s.deps.Logger.Info("Node poll recovered")
		s.nodesFailing = false
	}

	summary := Summary{At: start, Duration: elapsed, Counts: counts, Dropped: len(res.Dropped)}
	for _, o := range s.deps.Observers {
		o.ObservePoll(ctx, summary)
	}
}

func (s *Service) pollMetrics(ctx context.Context) {
	start := time.Now()
	m, err := s.deps.Source.FetchMetrics(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.deps.Metrics.ObservePoll("metrics", false, elapsed)
		s.deps.Logger.Warn("Metrics poll failed", "error", err)
		s.deps.Sink.SetMetricsError(err)
		if !s.metricsFailing && s.deps.Log != nil {
			s.deps.Log.Client("error loading metrics: %v", err)
		}
		s.metricsFailing = true
		return
	}

	s.deps.Metrics.ObservePoll("metrics", true, elapsed)
	s.deps.Sink.SetMetrics(m)
	s.metricsFailing = false
}
