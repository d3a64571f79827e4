// Package logger provides the leveled, component-tagged logger used across
// chatrelay. Request handlers attach a ContextLogger carrying the request id
// to the request context so every layer logs under the same id.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
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

// ParseLevel parses a string into a Level
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled logger tagged with a component name. Loggers derived
// through WithComponent share level and output with their parent.
type Logger struct {
	*sink
	component string
}

// sink is the state shared by a logger and everything derived from it
type sink struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
}

// Config holds logger configuration
type Config struct {
	Level     string `yaml:"level"`     // debug, info, warn, error
	Component string // Component name for context
}

// defaultLogger is the package-level logger
var (
	defaultLogger = New(&Config{Level: "info", Component: "chatrelay"})
	defaultMu     sync.RWMutex
)

// New creates a new logger with the given configuration
func New(cfg *Config) *Logger {
	component := cfg.Component
	if component == "" {
		component = "chatrelay"
	}

	return &Logger{
		sink:      &sink{level: ParseLevel(cfg.Level), output: os.Stderr},
		component: component,
	}
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetLevel sets the minimum logging level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// WithComponent returns a logger with a different component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component}
}

// WithRequestID returns a new logger with request context
func (l *Logger) WithRequestID(requestID string) *ContextLogger {
	return &ContextLogger{
		logger:    l,
		requestID: requestID,
	}
}

// write formats and emits one line if level passes the filter
func (s *sink) write(level Level, prefix, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s %s %s %s\n", timestamp, level.String(), prefix, msg)
	s.output.Write([]byte(line))
}

func (l *Logger) log(level Level, format string, args ...any) {
	l.write(level, "["+l.component+"]", format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...any) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...any) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...any) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.log(ERROR, format, args...)
}

// ContextLogger adds a request id and optional key=value fields to every line
type ContextLogger struct {
	logger    *Logger
	requestID string
	fields    string
}

// With returns a copy that also prints key=value on every line
func (cl *ContextLogger) With(key string, value any) *ContextLogger {
	return &ContextLogger{
		logger:    cl.logger,
		requestID: cl.requestID,
		fields:    cl.fields + fmt.Sprintf(" %s=%v", key, value),
	}
}

// RequestID returns the id this logger was created with
func (cl *ContextLogger) RequestID() string {
	return cl.requestID
}

func (cl *ContextLogger) log(level Level, format string, args ...any) {
	prefix := fmt.Sprintf("[%s] [%s]%s", cl.logger.component, cl.requestID, cl.fields)
	cl.logger.write(level, prefix, format, args...)
}

// Debug logs a debug message with context
func (cl *ContextLogger) Debug(format string, args ...any) {
	cl.log(DEBUG, format, args...)
}

// Info logs an info message with context
func (cl *ContextLogger) Info(format string, args ...any) {
	cl.log(INFO, format, args...)
}

// Warn logs a warning message with context
func (cl *ContextLogger) Warn(format string, args ...any) {
	cl.log(WARN, format, args...)
}

// Error logs an error message with context
func (cl *ContextLogger) Error(format string, args ...any) {
	cl.log(ERROR, format, args...)
}

type ctxKey struct{}

// NewContext returns ctx carrying cl
func NewContext(ctx context.Context, cl *ContextLogger) context.Context {
	return context.WithValue(ctx, ctxKey{}, cl)
}

// FromContext returns the request logger stored in ctx, or one with request
// id "-" on the default logger
func FromContext(ctx context.Context) *ContextLogger {
	if cl, ok := ctx.Value(ctxKey{}).(*ContextLogger); ok {
		return cl
	}
	return GetDefaultLogger().WithRequestID("-")
}

// Package-level functions that use the default logger

// SetDefaultLogger sets the package-level default logger
func SetDefaultLogger(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// GetDefaultLogger returns the package-level default logger
func GetDefaultLogger() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetLevel sets the default logger's level
func SetLevel(level Level) {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	l.SetLevel(level)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...any) {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	l.Debug(format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...any) {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	l.Info(format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...any) {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	l.Warn(format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...any) {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	l.Error(format, args...)
}
