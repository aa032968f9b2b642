package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
)

var levelColors = map[LogLevel]string{
	DEBUG: ansiBlue,
	INFO:  ansiReset,
	WARN:  ansiYellow,
	ERROR: ansiRed,
}

// consoleSink serialises writes from a ConsoleLogger and its traced copies
type consoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// ConsoleLogger writes one human-readable line per message, usually to stderr
// so that sync reports on stdout stay machine-readable.
type ConsoleLogger struct {
	sink    *consoleSink
	level   *levelVar
	traceID string
	opts    ConsoleLoggerConfig
}

// ConsoleLoggerConfig contains configuration for console logger
type ConsoleLoggerConfig struct {
	Writer           io.Writer
	Level            LogLevel
	ColorEnabled     bool
	TimestampEnabled bool
	RedactSensitive  bool
}

// NewConsoleLogger creates a console logger; a nil Writer means os.Stderr.
func NewConsoleLogger(config ConsoleLoggerConfig) *ConsoleLogger {
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	return &ConsoleLogger{
		sink:  &consoleSink{w: config.Writer},
		level: &levelVar{level: config.Level},
		opts:  config,
	}
}

func (l *ConsoleLogger) paint(sb *strings.Builder, color, s string) {
	if l.opts.ColorEnabled && color != "" {
		sb.WriteString(color)
		sb.WriteString(s)
		sb.WriteString(ansiReset)
		return
	}
	sb.WriteString(s)
}

func (l *ConsoleLogger) line(level LogLevel, msg string, fields []Field) string {
	var sb strings.Builder
	if l.opts.TimestampEnabled {
		l.paint(&sb, ansiGray, time.Now().Format("2006-01-02 15:04:05"))
		sb.WriteByte(' ')
	}
	l.paint(&sb, levelColors[level], fmt.Sprintf("%-5s", level))
	sb.WriteByte(' ')
	if l.traceID != "" {
		l.paint(&sb, ansiGray, "["+shortTraceID(l.traceID)+"]")
		sb.WriteByte(' ')
	}
	sb.WriteString(l.scrub(msg))
	for _, f := range fields {
		sb.WriteByte(' ')
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		sb.WriteString(formatValue(f.Value, l.scrub))
	}
	return sb.String()
}

func (l *ConsoleLogger) scrub(s string) string {
	if l.opts.RedactSensitive {
		return Redact(s)
	}
	return s
}

// formatValue renders a field value as a single logfmt-style token. Text
// values pass through scrub before quoting.
func formatValue(v interface{}, scrub func(string) string) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case error:
		s = x.Error()
	case time.Duration:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339)
	case []string:
		s = strings.Join(x, ",")
	case fmt.Stringer:
		s = x.String()
	case string:
		s = x
	default:
		return fmt.Sprintf("%v", x)
	}
	s = scrub(s)
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func shortTraceID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (l *ConsoleLogger) log(level LogLevel, msg string, fields []Field) {
	if level < l.level.get() {
		return
	}
	out := l.line(level, msg, fields)

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	_, _ = io.WriteString(l.sink.w, out+"\n")
}

func (l *ConsoleLogger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields) }
func (l *ConsoleLogger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields) }
func (l *ConsoleLogger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields) }
func (l *ConsoleLogger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields) }

// WithTraceID returns a copy tagged with traceID. The copy shares the
// writer and level with l.
func (l *ConsoleLogger) WithTraceID(traceID string) Logger {
	c := *l
	c.traceID = traceID
	return &c
}

// WithContext tags the logger with the trace ID carried by ctx, if any
func (l *ConsoleLogger) WithContext(ctx context.Context) Logger {
	if id := TraceIDFromContext(ctx); id != "" {
		return l.WithTraceID(id)
	}
	return l
}

func (l *ConsoleLogger) SetLevel(level LogLevel) { l.level.set(level) }

func (l *ConsoleLogger) Close() error { return nil }
