// Package logging wires slog to a rotating file, an in-memory crash ring,
// and an event aggregator shared by the daemon and the CLI.
package logging

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names attached to every log record via ForComponent.
const (
	CompSession = "session"
	CompManager = "manager"
	CompBridge  = "bridge"
	CompMonitor = "monitor"
	CompWeb     = "web"
	CompTmux    = "tmux"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files (e.g. ~/.agenttray)
	LogDir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	// MaxSizeMB is the max size in MB before rotation (default: 10)
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default: 5)
	MaxBackups int

	// MaxAgeDays is days to keep rotated files (default: 10)
	MaxAgeDays int

	// Compress rotated files (default: true)
	Compress bool

	// RingBufferSize is the in-memory ring buffer size in bytes (default: 10MB)
	RingBufferSize int

	// AggregateIntervalSecs is the aggregation flush interval (default: 30)
	AggregateIntervalSecs int

	// PprofEnabled starts a pprof server on localhost:6060
	PprofEnabled bool

	// Debug indicates whether debug mode is active
	Debug bool
}

// sinks is everything Init builds, swapped atomically under mu so loggers
// created before Init pick up the real destinations.
type sinks struct {
	logger *slog.Logger
	ring   *RingBuffer
	agg    *Aggregator
	rotor  *lumberjack.Logger
}

var (
	mu      sync.RWMutex
	current sinks
	discard = slog.New(slog.NewJSONHandler(io.Discard, nil))
)

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init builds the global sinks. Without debug mode or an explicit log dir
// everything is discarded, so one-shot CLI invocations stay silent.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	cfg.MaxSizeMB = orDefault(cfg.MaxSizeMB, 10)
	cfg.MaxBackups = orDefault(cfg.MaxBackups, 5)
	cfg.MaxAgeDays = orDefault(cfg.MaxAgeDays, 10)
	cfg.RingBufferSize = orDefault(cfg.RingBufferSize, 10<<20)
	cfg.AggregateIntervalSecs = orDefault(cfg.AggregateIntervalSecs, 30)

	if !cfg.Debug && cfg.LogDir == "" {
		current = sinks{
			logger: discard,
			ring:   NewRingBuffer(1024),
			agg:    NewAggregator(nil, cfg.AggregateIntervalSecs),
		}
		return
	}

	rotor := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "agenttray.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	ring := NewRingBuffer(cfg.RingBufferSize)
	w := io.MultiWriter(rotor, ring)

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)

	agg := NewAggregator(logger, cfg.AggregateIntervalSecs)
	agg.Start()

	current = sinks{logger: logger, ring: ring, agg: agg, rotor: rotor}

	if cfg.PprofEnabled {
		startPprof()
	}
}

// Logger returns the global logger; a discard logger before Init.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if current.logger == nil {
		return discard
	}
	return current.logger
}

// ForComponent returns a logger tagging records with the component name.
// The returned logger resolves the global handler at log time, so
// package-level vars created before Init still reach the real sinks.
func ForComponent(name string) *slog.Logger {
	return slog.New(lazyHandler{component: name})
}

// lazyHandler defers handler resolution to each call, rather than capturing
// whatever handler existed when the component logger was built.
type lazyHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h lazyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h lazyHandler) Handle(ctx context.Context, r slog.Record) error {
	target := Logger().Handler().WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		target = target.WithAttrs(h.attrs)
	}
	if h.group != "" {
		target = target.WithGroup(h.group)
	}
	return target.Handle(ctx, r)
}

func (h lazyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return lazyHandler{component: h.component, attrs: merged, group: h.group}
}

func (h lazyHandler) WithGroup(name string) slog.Handler {
	return lazyHandler{component: h.component, attrs: h.attrs, group: name}
}

// Aggregate counts a high-frequency event for the next summary flush.
// No-op before Init.
func Aggregate(component, event string, attrs ...slog.Attr) {
	mu.RLock()
	agg := current.agg
	mu.RUnlock()
	if agg != nil {
		agg.Record(component, event, attrs...)
	}
}

// DumpRingBuffer writes recent log output to a file for crash reports.
func DumpRingBuffer(path string) error {
	mu.RLock()
	ring := current.ring
	mu.RUnlock()
	if ring == nil {
		return nil
	}
	return ring.Dump(path)
}

// Shutdown flushes the aggregator and closes the rotating file.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if current.agg != nil {
		current.agg.Stop()
	}
	if current.rotor != nil {
		current.rotor.Close()
	}
	current = sinks{}
}
