package debug

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvDebug    = "LIVESESSION_DEBUG"
	EnvLogLevel = "LIVESESSION_LOG_LEVEL"
	EnvLogJSON  = "LIVESESSION_LOG_JSON"
)

// Options controls how the process logger is built.
type Options struct {
	Level     zerolog.Level
	JSON      bool
	Timestamp bool
	Out       io.Writer
}

var (
	mu     sync.RWMutex
	root   = zerolog.Nop()
	tested sync.Once
)

// DefaultOptions returns runtime defaults with env overrides applied.
func DefaultOptions() Options {
	opts := Options{
		Level:     zerolog.InfoLevel,
		Timestamp: true,
		Out:       os.Stderr,
	}
	ApplyEnv(&opts)
	return opts
}

// Configure builds the process logger and installs it as the zerolog global.
func Configure(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:          out,
			TimeFormat:   time.RFC3339,
			PartsExclude: partsExclude(opts.Timestamp),
		}
	}

	ctx := zerolog.New(out).Level(opts.Level).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()

	mu.Lock()
	root = logger
	mu.Unlock()
	log.Logger = logger
	return logger
}

// ConfigureTests installs a debug-level logger without timestamps. Safe to call from every test.
func ConfigureTests() {
	tested.Do(func() {
		opts := Options{Level: zerolog.DebugLevel, Out: os.Stderr}
		ApplyEnv(&opts)
		Configure(opts)
	})
}

// Logger returns a child of the process logger tagged with component.
func Logger(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", component).Logger()
}

// ParseLevel maps a config/env level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// ApplyEnv overrides opts from the LIVESESSION_* logging variables.
func ApplyEnv(opts *Options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		opts.JSON = v
	}
	if v, ok := parseBool(os.Getenv(EnvDebug)); ok && v {
		opts.Level = zerolog.TraceLevel
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func partsExclude(timestamp bool) []string {
	if timestamp {
		return nil
	}
	return []string{zerolog.TimestampFieldName}
}
