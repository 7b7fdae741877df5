package log

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// Logger is the logging interface consumed by clients, servers and transports.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

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
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel parses a level name as printed by Level.String, case sensitive.
func ParseLevel(s string) (Level, error) {
	for l := LevelDebug; l <= LevelError; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelInfo, errors.Errorf("unknown log level %q", s)
}

type ConsoleLogger struct {
	mu     *sync.Mutex
	w      io.Writer
	level  Level
	prefix string
	colors map[Level]func(a ...interface{}) string
}

func NewConsoleLogger(w io.Writer, level Level) *ConsoleLogger {
	return &ConsoleLogger{
		mu:    &sync.Mutex{},
		w:     w,
		level: level,
		colors: map[Level]func(a ...interface{}) string{
			LevelDebug: color.New(color.FgCyan).SprintFunc(),
			LevelInfo:  color.New(color.FgGreen, color.Bold).SprintFunc(),
			LevelWarn:  color.New(color.FgYellow, color.Bold).SprintFunc(),
			LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
		},
	}
}

// WithPrefix returns a logger sharing the same output that prepends prefix to
// every message.
func (l *ConsoleLogger) WithPrefix(prefix string) *ConsoleLogger {
	return &ConsoleLogger{
		mu:     l.mu,
		w:      l.w,
		level:  l.level,
		prefix: prefix,
		colors: l.colors,
	}
}

func (l *ConsoleLogger) log(level Level, msg string) {
	if level < l.level {
		return
	}
	if l.prefix != "" {
		msg = l.prefix + ": " + msg
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.w, "%s %s %s\n", time.Now().Format("15:04:05.000"), l.colors[level](level.String()), msg)
}

func (l *ConsoleLogger) Debug(msg string) { l.log(LevelDebug, msg) }
func (l *ConsoleLogger) Info(msg string)  { l.log(LevelInfo, msg) }
func (l *ConsoleLogger) Warn(msg string)  { l.log(LevelWarn, msg) }
func (l *ConsoleLogger) Error(msg string) { l.log(LevelError, msg) }

type nopLogger struct{}

func NewNopLogger() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
