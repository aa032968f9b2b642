package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
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

// ParseLevel converts a level name such as "debug" or "WARN" to a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Field is a structured key/value attached to a log message
type Field struct {
	Key   string
	Value interface{}
}

// F is shorthand for constructing a Field
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the logging contract used throughout the application
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithTraceID(traceID string) Logger
	WithContext(ctx context.Context) Logger
	SetLevel(level LogLevel)
	Close() error
}

// LogEntry is the JSON shape written by FileLogger
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"traceId,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

type traceIDKey struct{}

// ContextWithTraceID returns a context carrying traceID
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext extracts a trace ID, or "" when absent
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogConfig contains configuration for the logger factory
type LogConfig struct {
	Level           LogLevel
	OutputFile      string
	EnableConsole   bool
	EnableDebug     bool
	RedactSensitive bool
	EnableColor     bool
	EnableTimestamp bool
	MaxFileSize     int64
	MaxBackups      int
}

// DefaultLogConfig returns the default logging configuration
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:           INFO,
		EnableConsole:   true,
		RedactSensitive: true,
		EnableColor:     term.IsTerminal(int(os.Stderr.Fd())),
		EnableTimestamp: false,
		MaxFileSize:     100 * 1024 * 1024,
		MaxBackups:      3,
	}
}

// NewLogger builds a console, file, multi or no-op logger from config
func NewLogger(config LogConfig) (Logger, error) {
	var loggers []Logger

	if config.EnableConsole {
		loggers = append(loggers, NewConsoleLogger(ConsoleLoggerConfig{
			Writer:           os.Stderr,
			Level:            config.Level,
			ColorEnabled:     config.EnableColor,
			TimestampEnabled: config.EnableTimestamp,
			RedactSensitive:  config.RedactSensitive,
		}))
	}

	if config.OutputFile != "" {
		fileLogger, err := NewFileLogger(FileLoggerConfig{
			FilePath:        config.OutputFile,
			Level:           config.Level,
			MaxFileSize:     config.MaxFileSize,
			MaxBackups:      config.MaxBackups,
			RotateEnabled:   config.MaxFileSize > 0,
			RedactSensitive: config.RedactSensitive,
		})
		if err != nil {
			return nil, err
		}
		loggers = append(loggers, fileLogger)
	}

	switch len(loggers) {
	case 0:
		return NewNoOpLogger(), nil
	case 1:
		return loggers[0], nil
	default:
		return NewMultiLogger(loggers...), nil
	}
}

// NewDebugLoggerWithTransport returns a logger and, when EnableDebug is set,
// an HTTP transport that logs every request through it.
func NewDebugLoggerWithTransport(config LogConfig) (Logger, *DebugTransport, error) {
	if config.EnableDebug {
		config.Level = DEBUG
	}
	logger, err := NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	if !config.EnableDebug {
		return logger, nil, nil
	}
	return logger, NewDebugTransport(nil, logger), nil
}

// MultiLogger fans out every call to a set of loggers
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger writing to all of loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Debug(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Debug(msg, fields...)
	}
}

func (m *MultiLogger) Info(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Info(msg, fields...)
	}
}

func (m *MultiLogger) Warn(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Warn(msg, fields...)
	}
}

func (m *MultiLogger) Error(msg string, fields ...Field) {
	for _, l := range m.loggers {
		l.Error(msg, fields...)
	}
}

func (m *MultiLogger) WithTraceID(traceID string) Logger {
	traced := make([]Logger, len(m.loggers))
	for i, l := range m.loggers {
		traced[i] = l.WithTraceID(traceID)
	}
	return &MultiLogger{loggers: traced}
}

func (m *MultiLogger) WithContext(ctx context.Context) Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		return m
	}
	return m.WithTraceID(traceID)
}

func (m *MultiLogger) SetLevel(level LogLevel) {
	for _, l := range m.loggers {
		l.SetLevel(level)
	}
}

// Close closes every logger and returns the first error
func (m *MultiLogger) Close() error {
	var firstErr error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NoOpLogger discards everything
type NoOpLogger struct{}

func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (n *NoOpLogger) Debug(string, ...Field)             {}
func (n *NoOpLogger) Info(string, ...Field)              {}
func (n *NoOpLogger) Warn(string, ...Field)              {}
func (n *NoOpLogger) Error(string, ...Field)             {}
func (n *NoOpLogger) WithTraceID(string) Logger          { return n }
func (n *NoOpLogger) WithContext(context.Context) Logger { return n }
func (n *NoOpLogger) SetLevel(LogLevel)                  {}
func (n *NoOpLogger) Close() error                       { return nil }
