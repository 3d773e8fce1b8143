package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/meterpoint/metersync/internal/infrastructure/config"
)

// Logger is the agent's slog.Logger carrying the service-wide default
// attributes. It embeds *slog.Logger, so the usual Info/Warn/Error
// methods are available directly and remain safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds the agent logger from the logging section of config.yaml.
// Format defaults to JSON (the fleet's log shipper parses it), output
// to stdout, and an unrecognised level to info.
func New(cfg config.LoggingConfig, version string) *Logger {
	sink := os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		sink = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(sink, opts)
	} else {
		h = slog.NewJSONHandler(sink, opts)
	}

	// Every line identifies which agent build wrote it; fleet logs
	// from many gateways land in one aggregator.
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", "metersync"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(h)}
}

// levelFromString accepts anything slog itself can parse ("debug",
// "WARN", even "info+2"). Unknown values mean info rather than a
// failed startup.
func levelFromString(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// With returns a child logger carrying extra default attributes,
// typically a component tag:
//
//	upLog := log.With("component", "uplink")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the bootstrap logger used before config.yaml has been
// read: JSON to stdout at info level, version tagged "dev".
func Default() *Logger {
	return New(config.LoggingConfig{}, "dev")
}
