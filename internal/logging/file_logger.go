package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// fileSink is the rotating writer shared by a FileLogger and its traced copies
type fileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// FileLogger implements Logger interface for file-based logging
type FileLogger struct {
	sink     *fileSink
	filePath string
	level    *levelVar
	traceID  string
	redact   bool
}

type levelVar struct {
	mu    sync.RWMutex
	level LogLevel
}

func (v *levelVar) get() LogLevel {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.level
}

func (v *levelVar) set(level LogLevel) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.level = level
}

// FileLoggerConfig contains configuration for file logger
type FileLoggerConfig struct {
	FilePath        string
	Level           LogLevel
	MaxFileSize     int64 // in bytes, 0 means no rotation
	MaxBackups      int
	RotateEnabled   bool
	RedactSensitive bool // masks tokens in messages and string field values
}

// NewFileLogger creates a new file logger
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	dir := filepath.Dir(config.FilePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Touch the file so open errors surface here instead of on first write
	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close log file: %w", err)
	}

	var w io.WriteCloser
	if config.RotateEnabled && config.MaxFileSize > 0 {
		maxMB := int(config.MaxFileSize / (1024 * 1024))
		if maxMB < 1 {
			maxMB = 1
		}
		w = &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxMB,
			MaxBackups: config.MaxBackups,
		}
	} else {
		f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
	}

	return &FileLogger{
		sink:     &fileSink{w: w},
		filePath: config.FilePath,
		level:    &levelVar{level: config.Level},
		redact:   config.RedactSensitive,
	}, nil
}

// log writes a log entry to the file
func (l *FileLogger) log(level LogLevel, msg string, fields ...Field) {
	if level < l.level.get() {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   l.scrub(msg),
		TraceID:   l.traceID,
	}
	if len(fields) > 0 {
		entry.Fields = make(map[string]interface{}, len(fields))
		for _, field := range fields {
			switch v := field.Value.(type) {
			case error:
				entry.Fields[field.Key] = l.scrub(v.Error())
			case string:
				entry.Fields[field.Key] = l.scrub(v)
			default:
				entry.Fields[field.Key] = v
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.w == nil {
		return
	}
	if _, err := l.sink.w.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log entry: %v\n", err)
	}
}

func (l *FileLogger) scrub(s string) string {
	if l.redact {
		return Redact(s)
	}
	return s
}

// Debug logs a debug-level message
func (l *FileLogger) Debug(msg string, fields ...Field) {
	l.log(DEBUG, msg, fields...)
}

// Info logs an info-level message
func (l *FileLogger) Info(msg string, fields ...Field) {
	l.log(INFO, msg, fields...)
}

// Warn logs a warning-level message
func (l *FileLogger) Warn(msg string, fields ...Field) {
	l.log(WARN, msg, fields...)
}

// Error logs an error-level message
func (l *FileLogger) Error(msg string, fields ...Field) {
	l.log(ERROR, msg, fields...)
}

// WithTraceID returns a new logger with the trace ID set
func (l *FileLogger) WithTraceID(traceID string) Logger {
	return &FileLogger{
		sink:     l.sink,
		filePath: l.filePath,
		level:    l.level,
		traceID:  traceID,
		redact:   l.redact,
	}
}

// WithContext returns a new logger that extracts trace ID from context
func (l *FileLogger) WithContext(ctx context.Context) Logger {
	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		return l
	}
	return l.WithTraceID(traceID)
}

// SetLevel sets the minimum log level
func (l *FileLogger) SetLevel(level LogLevel) {
	l.level.set(level)
}

// Close closes the log file
func (l *FileLogger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.w == nil {
		return nil
	}
	err := l.sink.w.Close()
	l.sink.w = nil
	return err
}
