package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a log line
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	SILENT
)

var (
	levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "SILENT"}

	levelColors = [...]string{
		"\033[36m",
		"\033[32m",
		"\033[33m",
		"\033[31m",
		"",
	}
)

const resetColor = "\033[0m"

// Logger writes module-tagged lines at or above its level.
// The level is read atomically so the vsync and trigger paths never take a lock
// for a line that is filtered out.
type Logger struct {
	level    atomic.Int32
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger = New(INFO, os.Stderr, false)
	initOnce      sync.Once
)

// Init replaces the process logger. Only the first call has an effect.
func Init(level Level, output io.Writer, useColor bool) {
	initOnce.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New creates a Logger writing to output (stderr when nil)
func New(level Level, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	l := &Logger{
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	l.level.Store(int32(level))
	return l
}

func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *Logger) GetLevel() Level { return Level(l.level.Load()) }

// Enabled reports whether a line at level would be written
func (l *Logger) Enabled(level Level) bool {
	return level < SILENT && level >= l.GetLevel()
}

func (l *Logger) logf(level Level, module, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	prefix := "[" + levelNames[level] + "]"
	if l.useColor {
		prefix = levelColors[level] + prefix + resetColor
	}
	if module != "" {
		prefix += " [" + module + "]"
	}
	l.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(module, format string, args ...any) { l.logf(DEBUG, module, format, args...) }
func (l *Logger) Info(module, format string, args ...any)  { l.logf(INFO, module, format, args...) }
func (l *Logger) Warn(module, format string, args ...any)  { l.logf(WARN, module, format, args...) }
func (l *Logger) Error(module, format string, args ...any) { l.logf(ERROR, module, format, args...) }

// Package-level helpers route to the process logger.

func SetLevel(level Level) { defaultLogger.SetLevel(level) }

func GetLevel() Level { return defaultLogger.GetLevel() }

func Debug(module, format string, args ...any) { defaultLogger.Debug(module, format, args...) }
func Info(module, format string, args ...any)  { defaultLogger.Info(module, format, args...) }
func Warn(module, format string, args ...any)  { defaultLogger.Warn(module, format, args...) }
func Error(module, format string, args ...any) { defaultLogger.Error(module, format, args...) }

// Every throttles a repeating message to at most one line per interval.
// Suppressed lines are counted and reported with the next line that passes.
type Every struct {
	interval   time.Duration
	last       atomic.Int64
	suppressed atomic.Uint64
}

// NewEvery returns a throttle allowing one line per interval
func NewEvery(interval time.Duration) *Every {
	return &Every{interval: interval}
}

// Allow reports whether a line may be written now and how many were dropped since the last one.
func (e *Every) Allow() (bool, uint64) {
	now := time.Now().UnixNano()
	last := e.last.Load()
	if last != 0 && now-last < int64(e.interval) {
		e.suppressed.Add(1)
		return false, 0
	}
	if !e.last.CompareAndSwap(last, now) {
		e.suppressed.Add(1)
		return false, 0
	}
	return true, e.suppressed.Swap(0)
}

// Warn writes a throttled warning through the process logger
func (e *Every) Warn(module, format string, args ...any) {
	ok, dropped := e.Allow()
	if !ok {
		return
	}
	if dropped > 0 {
		format += " (%d similar suppressed)"
		args = append(args, dropped)
	}
	defaultLogger.Warn(module, format, args...)
}

// ParseLevel parses a level name, case-insensitive
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}
