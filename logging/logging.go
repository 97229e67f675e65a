// Package logging provides the leveled, colored logger used across the
// server. Color is disabled automatically when stderr is not a terminal.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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

// ParseLevel maps a config string to a Level. Unknown strings default to
// info so a typo in config never silences errors.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var levelTags = map[Level]string{
	LevelDebug: color.New(color.FgCyan).Sprint("DEBUG"),
	LevelInfo:  color.New(color.FgGreen).Sprint("INFO "),
	LevelWarn:  color.New(color.FgYellow).Sprint("WARN "),
	LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
}

// Logger writes timestamped, tagged lines at or above its level. It is safe
// for concurrent use.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// New returns a logger writing to stderr.
func New(level Level) *Logger {
	return &Logger{out: os.Stderr, level: level}
}

// NewWithWriter returns a logger writing to out, used by tests.
func NewWithWriter(level Level, out io.Writer) *Logger {
	return &Logger{out: out, level: level}
}

// SetLevel changes the threshold at runtime, e.g. on a config reload.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) logf(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.out, "%s %s %s\n", ts, levelTags[level], fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
