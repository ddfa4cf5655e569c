// Package logging defines the narrow logging capability every VaultGate
// component consumes and a charmbracelet/log backed implementation of it.
package logging

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// Level is the severity attached to a log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// ParseLevel maps a configuration string to a Level. Unknown values fall back
// to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Logger is the capability consumed by the pipeline: a level, a message and
// alternating key/value fields.
type Logger interface {
	Log(level Level, msg string, keyvals ...any)
}

// OrNop returns l, or a logger that drops everything when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

// Nop returns a Logger that discards every record.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(Level, string, ...any) {}

// Config controls the charm logger.
type Config struct {
	Level  string
	Prefix string
	// Caller adds file:line to each record; useful with DEBUG=1.
	Caller bool
}

// CharmLogger adapts *log.Logger to the Logger capability.
type CharmLogger struct {
	*log.Logger
}

// New builds a CharmLogger writing to w (stderr when nil).
func New(w io.Writer, cfg Config) *CharmLogger {
	if w == nil {
		w = os.Stderr
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vaultgate"
	}
	base := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		ReportCaller:    cfg.Caller,
		Prefix:          prefix,
	})
	base.SetLevel(toCharm(ParseLevel(cfg.Level)))
	return &CharmLogger{Logger: base}
}

// Log implements Logger.
func (l *CharmLogger) Log(level Level, msg string, keyvals ...any) {
	l.Logger.Log(toCharm(level), msg, keyvals...)
}

// With returns a child logger that always carries keyvals.
func (l *CharmLogger) With(keyvals ...any) *CharmLogger {
	return &CharmLogger{Logger: l.Logger.With(keyvals...)}
}

func toCharm(level Level) log.Level {
	switch level {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// TestLogger records output in memory so tests can assert on it.
type TestLogger struct {
	*CharmLogger
	mu     sync.Mutex
	Buffer *bytes.Buffer
}

// NewTestLogger returns a debug-level logger backed by a buffer.
func NewTestLogger() *TestLogger {
	buf := &bytes.Buffer{}
	tl := &TestLogger{Buffer: buf}
	tl.CharmLogger = New(&lockedWriter{mu: &tl.mu, w: buf}, Config{Level: "debug", Prefix: "test"})
	return tl
}

// GetOutput returns everything logged so far.
func (t *TestLogger) GetOutput() string {
	if t.Buffer == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Buffer.String()
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
