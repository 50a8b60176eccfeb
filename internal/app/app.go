// Package app wires the dashboard components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meshspy/dashboard/internal/actions"
	"github.com/meshspy/dashboard/internal/api"
	"github.com/meshspy/dashboard/internal/config"
	"github.com/meshspy/dashboard/internal/database"
	"github.com/meshspy/dashboard/internal/dispatcher"
	"github.com/meshspy/dashboard/internal/fetcher"
	"github.com/meshspy/dashboard/internal/influx"
	"github.com/meshspy/dashboard/internal/logging"
	"github.com/meshspy/dashboard/internal/logtail"
	"github.com/meshspy/dashboard/internal/mapview"
	"github.com/meshspy/dashboard/internal/markers"
	intOtel "github.com/meshspy/dashboard/internal/otel"
	"github.com/meshspy/dashboard/internal/prefs"
	"github.com/meshspy/dashboard/internal/telemetry"
	"github.com/meshspy/dashboard/internal/viewstate"
	"github.com/meshspy/dashboard/internal/web"
)

// Name prefixes session files.
const Name = "meshspy_dashboard"

// Options are the inputs that do not come from the config file.
type Options struct {
	ConfigDir string
	Version   string
	// Stdout receives console logs when logging to a file is disabled.
	Stdout io.Writer
}

// App is a fully wired dashboard.
type App struct {
	opts         Options
	sessionStart time.Time

	slogManager *logging.SlogManager
	logger      *slog.Logger
	zlog        zerolog.Logger
	logFile     *os.File
	gelf        io.WriteCloser
	otel        *intOtel.Provider

	registry   *prometheus.Registry
	collector  telemetry.Collector
	store      *viewstate.Store
	tail       *logtail.Tail
	layer      *mapview.Layer
	sync       *markers.Synchronizer
	client     *api.Client
	dispatcher *dispatcher.Dispatcher
	poller     *fetcher.Service
	stream     *logtail.Stream
	db         *database.Manager
	prefs      *prefs.Store
	influx     *influx.Sink
	server     *web.Server
	listen     string

	unsubs []func()
}

// New loads the configuration and builds every component. Optional sinks
// that cannot be reached are logged and left out.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	a := &App{opts: opts, sessionStart: time.Now()}

	cfgErr := config.Load(opts.ConfigDir)
	if cfgErr != nil && !errors.Is(cfgErr, config.ErrNotFound) {
		return nil, cfgErr
	}

	if err := a.setupLogging(); err != nil {
		return nil, err
	}
	if cfgErr != nil {
		a.logger.Warn("Failed to load config, using defaults!", "error", cfgErr)
	} else {
		a.logger.Info("Loaded config", "dir", opts.ConfigDir)
	}

	if err := a.setupTelemetry(); err != nil {
		a.Close()
		return nil, err
	}
	a.setupCore()
	if err := a.setupDispatcher(); err != nil {
		a.Close()
		return nil, err
	}
	a.setupPoller(ctx)
	a.setupStream()
	a.setupPrefs()
	a.setupServer()

	return a, nil
}

func (a *App) setupLogging() error {
	level := config.GetString("logLevel")
	var out logging.Outputs
	var zw io.Writer = a.opts.Stdout

	if config.GetBool("logToFile") {
		f, err := logging.OpenSessionFile(config.GetString("logsDir"), Name, a.sessionStart)
		if err != nil {
			return err
		}
		a.logFile = f
		out.File = f
		zw = f
	}

	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGELFWriter(gl.Address)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Graylog output disabled: %v\n", err)
		} else {
			a.gelf = w
			out.GELF = w
		}
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		var logWriter io.Writer
		if a.logFile != nil {
			logWriter = a.logFile
		}
		p, err := intOtel.New(intOtel.Config{
			Enabled:        true,
			ServiceName:    otelCfg.ServiceName,
			ServiceVersion: a.opts.Version,
			BatchTimeout:   otelCfg.BatchTimeout,
			LogWriter:      logWriter,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "OTel log export disabled: %v\n", err)
		} else {
			a.otel = p
			out.Provider = p.LoggerProvider()
		}
	}

	out.Console = a.opts.Stdout
	out.Context = a.logContext
	a.slogManager = logging.NewSlogManager()
	a.slogManager.Setup(level, out)
	a.logger = a.slogManager.Logger()
	a.zlog = logging.NewZerolog(zw, level)

	if a.logFile != nil {
		a.logger.Info("Logging to file", "path", a.logFile.Name())
	}
	return nil
}

// logContext adds the dashboard state to every record.
func (a *App) logContext() []slog.Attr {
	if a.store == nil {
		return nil
	}
	snap := a.store.Snapshot()
	attrs := []slog.Attr{
		slog.Int("nodes", len(snap.Nodes)),
		slog.Bool("map_ready", snap.MapReady),
	}
	if snap.SelectedID != "" {
		attrs = append(attrs, slog.String("selected", snap.SelectedID))
	}
	return attrs
}

func (a *App) setupTelemetry() error {
	if !config.GetServerConfig().MetricsEnabled {
		a.collector = telemetry.Noop()
		return nil
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c, err := telemetry.NewPrometheusCollector(a.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	a.collector = c
	return nil
}

func (a *App) setupCore() {
	apiCfg := config.GetAPIConfig()
	tailCfg := config.GetLogTailConfig()

	a.store = viewstate.New()
	a.tail = logtail.New(tailCfg.Capacity)
	a.layer = mapview.NewLayer(mapview.DefaultCenter, mapview.DefaultZoom)
	a.sync = markers.New(a.layer, a.store, a.tail,
		markers.WithLogger(a.logger.With("component", "markers")),
		markers.WithCollector(a.collector),
	)
	a.unsubs = append(a.unsubs,
		a.store.Subscribe(a.sync.HandleChange),
		a.tail.Subscribe(func(l logtail.Line) { a.collector.IncLogLine(string(l.Origin)) }),
	)

	a.client = api.New(apiCfg.BaseURL,
		api.WithNodesPath(apiCfg.NodesPath),
		api.WithRequestLocationPath(apiCfg.RequestLocationPath),
		api.WithTimeout(apiCfg.Timeout),
	)
	a.logger.Info("Backend configured", "baseUrl", apiCfg.BaseURL)
}

func (a *App) setupDispatcher() error {
	d, err := dispatcher.New(logging.NewDispatcherLogger(a.zlog))
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	a.dispatcher = d
	return nil
}

func (a *App) setupPoller(ctx context.Context) {
	var observers []fetcher.Observer
	if ic := config.GetInfluxConfig(); ic.Enabled {
		sink, err := influx.NewSink(ctx, influx.Config{
			URL:          fmt.Sprintf("%s://%s:%s", ic.Protocol, ic.Host, ic.Port),
			Token:        ic.Token,
			Org:          ic.Org,
			Bucket:       ic.Bucket,
			CreateBucket: true,
			BackupPath: filepath.Join(config.GetString("logsDir"),
				fmt.Sprintf("%s_influx.%s.lp.gz", Name, a.sessionStart.Format("20060102_150405"))),
		}, a.zlog.With().Str("component", "influx").Logger())
		if err != nil {
			a.logger.Warn("InfluxDB sink disabled", "error", err)
		} else {
			a.influx = sink
			observers = append(observers, sink)
		}
	}

	a.poller = fetcher.NewService(fetcher.Dependencies{
		Source:    a.client,
		Sink:      a.store,
		Log:       a.tail,
		Logger:    a.logger.With("component", "fetcher"),
		Metrics:   a.collector,
		Observers: observers,
		Interval:  config.GetPollConfig().Interval,
	})

	actCfg := config.GetActionsConfig()
	actions.NewService(actions.Dependencies{
		Backend:   a.client,
		State:     a.store,
		Log:       a.tail,
		Refresher: a.poller,
		Logger:    a.logger.With("component", "actions"),
		Metrics:   a.collector,
		Config: actions.Config{
			RequestPositionOnSelect: actCfg.RequestPositionOnSelect,
			QueueSize:               actCfg.QueueSize,
			Timeout:                 actCfg.Timeout,
		},
	}).Register(a.dispatcher)
}

func (a *App) setupStream() {
	if !config.GetLogTailConfig().Stream {
		return
	}
	url, err := a.client.WebSocketURL(config.GetAPIConfig().LogsPath)
	if err != nil {
		a.logger.Warn("Log channel disabled", "error", err)
		return
	}
	a.stream = logtail.NewStream(url, a.tail, a.logger.With("component", "logtail"))
}

func (a *App) setupPrefs() {
	pc := config.GetPrefsConfig()
	m := database.NewManager(database.Config{
		Driver:   pc.Driver,
		Path:     pc.Path,
		Host:     pc.Host,
		Port:     pc.Port,
		Username: pc.Username,
		Password: pc.Password,
		Database: pc.Database,
	}, a.zlog.With().Str("component", "database").Logger())
	if err := m.Connect(); err != nil {
		a.logger.Warn("Preference store disabled", "error", err)
		return
	}
	store, err := prefs.NewStore(m.DB)
	if err != nil {
		a.logger.Warn("Preference store disabled", "error", err)
		_ = m.Close()
		return
	}
	a.db = m
	a.prefs = store
}

func (a *App) setupServer() {
	deps := web.Dependencies{
		State:    a.store,
		Map:      a.layer,
		Log:      a.tail,
		Actions:  a.dispatcher,
		MapReady: a.sync.SetReady,
		Logger:   a.logger.With("component", "web"),
		Version:  a.opts.Version,
	}
	if a.prefs != nil {
		deps.Prefs = a.prefs
	}
	if a.registry != nil {
		deps.Gatherer = a.registry
	}
	a.server = web.New(deps)
	a.listen = config.GetServerConfig().Listen
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Store returns the shared view state.
func (a *App) Store() *viewstate.Store {
	return a.store
}

// Tail returns the log tail.
func (a *App) Tail() *logtail.Tail {
	return a.tail
}

// Handler returns the HTTP handler of the dashboard.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run starts the poller, the log channel and the HTTP server, and blocks
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.client.Health(ctx); err != nil {
			a.logger.Info("MeshSpy backend is offline", "error", err)
		} else {
			a.logger.Info("MeshSpy backend is online")
		}
		return a.poller.Run(ctx)
	})

	if a.stream != nil {
		g.Go(func() error {
			// a failed channel is reported in the tail and never fatal
			if err := a.stream.Start(ctx); err != nil {
				return nil
			}
			select {
			case <-ctx.Done():
			case <-a.stream.Done():
			}
			return nil
		})
	}

	g.Go(func() error {
		return a.server.Run(ctx, a.listen)
	})

	return g.Wait()
}

// Close releases every resource. It is safe to call on a partially built App.
func (a *App) Close() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil

	if a.server != nil {
		a.server.Close()
	}
	if a.stream != nil {
		_ = a.stream.Close()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.logger.Warn("Failed to close InfluxDB sink", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close preference store", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.slogManager != nil {
		_ = a.slogManager.Flush(ctx)
	}
	if a.otel != nil {
		_ = a.otel.Shutdown(ctx)
	}
	if a.gelf != nil {
		_ = a.gelf.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
