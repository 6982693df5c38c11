package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Engine and handler code depends on this interface so tests can inject a
// no-op logger without touching the process-wide sink.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func levelToString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(name string) Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var (
	baseInstance *baseLogger
	baseOnce     sync.Once
)

// baseLogger is the process-wide sink shared by all component loggers.
// It writes to stderr and, when a log file can be opened, to
// ~/.krishi-debug.log as well.
type baseLogger struct {
	file   *os.File
	logger *log.Logger
	level  Level
	mu     sync.Mutex
}

func getBase() *baseLogger {
	baseOnce.Do(func() {
		baseInstance = newBase(ParseLevel(os.Getenv("KRISHI_LOG_LEVEL")))
	})
	return baseInstance
}

func newBase(level Level) *baseLogger {
	b := &baseLogger{level: level}

	home, err := os.UserHomeDir()
	if err != nil {
		return b
	}
	logPath := filepath.Join(home, ".krishi-debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return b
	}
	b.file = file
	b.logger = log.New(file, "", 0) // formatted by hand below
	return b
}

// SetLevel sets the minimum level for the process-wide sink.
func SetLevel(level Level) {
	b := getBase()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.level = level
}

func (b *baseLogger) log(component string, level Level, format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if level < b.level {
		return
	}

	_, file, line, ok := runtime.Caller(3)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// Format: 2025-09-30 12:34:56 [INFO] [engine] file.go:123 - Message
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if component == "" {
		component = "krishi"
	}
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		timestamp, levelToString(level), component, file, line, message)

	if b.logger != nil {
		b.logger.Print(logLine)
	}
	fmt.Fprint(os.Stderr, logLine)
}

// ComponentLogger scopes the shared sink to a named component.
type ComponentLogger struct {
	component string
}

// NewComponentLogger creates a logger for a specific component.
func NewComponentLogger(component string) *ComponentLogger {
	return &ComponentLogger{component: component}
}

func (l *ComponentLogger) Debug(format string, args ...any) {
	getBase().log(l.component, DEBUG, format, args...)
}

func (l *ComponentLogger) Info(format string, args ...any) {
	getBase().log(l.component, INFO, format, args...)
}

func (l *ComponentLogger) Warn(format string, args ...any) {
	getBase().log(l.component, WARN, format, args...)
}

func (l *ComponentLogger) Error(format string, args ...any) {
	getBase().log(l.component, ERROR, format, args...)
}
