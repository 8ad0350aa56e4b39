// Package logger owns the process-wide structured logger: JSON records on
// stdout, a level that can change at runtime, and helpers that attach the
// fields the recorder logs with (component, session, frame metadata).
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// EnvLevel names the environment variable read by Init.
const EnvLevel = "LOOPREC_LOG_LEVEL"

var (
	level    = new(slog.LevelVar) // shared by every handler built here
	mu       sync.RWMutex
	global   *slog.Logger
	initOnce sync.Once
)

// Init builds the global logger once. The initial level comes from
// LOOPREC_LOG_LEVEL; an unset or unknown value means info. The CLI applies
// its -log-level flag afterwards through SetLevel.
func Init() {
	initOnce.Do(func() {
		lvl, err := ParseLevel(os.Getenv(EnvLevel))
		if err != nil {
			lvl = slog.LevelInfo
		}
		level.Set(lvl)
		mu.Lock()
		global = New(os.Stdout)
		mu.Unlock()
	})
}

// New returns a JSON logger writing to w that follows the global level.
func New(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// ParseLevel accepts debug, info, warn and error, case-insensitively, plus
// the aliases "warning" and "err". An empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

// SetLevel changes the level of every logger built by this package.
func SetLevel(s string) error {
	Init()
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

// Level returns the current level, e.g. "INFO".
func Level() string {
	Init()
	return level.Level().String()
}

// UseWriter redirects the global logger to w. Tests use it to capture output.
func UseWriter(w io.Writer) {
	Init()
	mu.Lock()
	global = New(w)
	mu.Unlock()
}

// Logger returns the global logger.
func Logger() *slog.Logger {
	Init()
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// WithComponent tags records with the emitting subsystem.
func WithComponent(l *slog.Logger, component string) *slog.Logger {
	return l.With("component", component)
}

// WithSession attaches the recording session identity.
func WithSession(l *slog.Logger, sessionID string) *slog.Logger {
	return l.With("session_id", sessionID)
}

// WithFrameMeta attaches per-frame metadata. pts is the presentation timestamp
// in microseconds; flags is the human readable flag set (e.g. "key").
func WithFrameMeta(l *slog.Logger, pts int64, size int, flags string) *slog.Logger {
	return l.With("pts_us", pts, "size", size, "flags", flags)
}
