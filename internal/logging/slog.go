package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// InstrumentationName names the dashboard's logger in OTel output.
const InstrumentationName = "meshspy-dashboard"

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

// Outputs selects where log records go. The console receives records only
// when no File is set.
type Outputs struct {
	File     io.Writer
	Console  io.Writer // used when File is nil; defaults to stdout
	GELF     io.Writer
	Provider *sdklog.LoggerProvider
	Context  ContextProvider
}

// SlogManager manages slog-based logging with optional GELF and OTel output.
type SlogManager struct {
	logger *slog.Logger

	// OTel provider for flushing
	logProvider *sdklog.LoggerProvider
}

// NewSlogManager creates a new slog-based logging manager.
func NewSlogManager() *SlogManager {
	return &SlogManager{}
}

// ParseLevel converts a string log level to slog.Level. Unknown levels map
// to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func handlerOptions(lvl slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}
}

// Setup builds the logger. A later call replaces the earlier logger.
func (m *SlogManager) Setup(level string, out Outputs) {
	lvl := ParseLevel(level)
	opts := handlerOptions(lvl)
	m.logProvider = out.Provider

	var handlers []slog.Handler
	if out.File != nil {
		handlers = append(handlers, slog.NewTextHandler(out.File, opts))
	} else {
		console := out.Console
		if console == nil {
			console = stdout
		}
		handlers = append(handlers, slog.NewTextHandler(console, opts))
	}
	if out.GELF != nil {
		// one JSON document per record; the GELF writer turns each into a message
		handlers = append(handlers, slog.NewJSONHandler(out.GELF, opts))
	}
	if out.Provider != nil {
		handlers = append(handlers, otelslog.NewHandler(InstrumentationName, otelslog.WithLoggerProvider(out.Provider)))
	}

	var h slog.Handler = NewMultiHandler(handlers...)
	if out.Context != nil {
		h = NewContextHandler(h, out.Context)
	}

	m.logger = slog.New(h)
	m.logger.Info("Logging initialized", "level", lvl.String())
}

// Logger returns the configured slog.Logger.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces a flush of OTel logs if available.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider != nil {
		return m.logProvider.ForceFlush(ctx)
	}
	return nil
}
