package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MozGangster/ydsync/internal/logging"
)

// LogRecord is one message captured by RecordingLogger
type LogRecord struct {
	Level   logging.LogLevel
	Message string
	Fields  map[string]interface{}
}

// RecordingLogger keeps every message in memory for assertions
type RecordingLogger struct {
	mu      sync.Mutex
	records []LogRecord
}

func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) log(level logging.LogLevel, msg string, fields []logging.Field) {
	rec := LogRecord{Level: level, Message: msg, Fields: make(map[string]interface{})}
	for _, f := range fields {
		rec.Fields[f.Key] = f.Value
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

func (l *RecordingLogger) Debug(msg string, fields ...logging.Field) {
	l.log(logging.DEBUG, msg, fields)
}
func (l *RecordingLogger) Info(msg string, fields ...logging.Field) {
	l.log(logging.INFO, msg, fields)
}
func (l *RecordingLogger) Warn(msg string, fields ...logging.Field) {
	l.log(logging.WARN, msg, fields)
}
func (l *RecordingLogger) Error(msg string, fields ...logging.Field) {
	l.log(logging.ERROR, msg, fields)
}
func (l *RecordingLogger) WithTraceID(string) logging.Logger         { return l }
func (l *RecordingLogger) WithContext(context.Context) logging.Logger { return l }
func (l *RecordingLogger) SetLevel(logging.LogLevel)                  {}
func (l *RecordingLogger) Close() error                               { return nil }

// Records returns a copy of the captured messages
func (l *RecordingLogger) Records() []LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogRecord(nil), l.records...)
}

// Count returns how many messages at level contain substr
func (l *RecordingLogger) Count(level logging.LogLevel, substr string) int {
	n := 0
	for _, r := range l.Records() {
		if r.Level == level && strings.Contains(r.Message, substr) {
			n++
		}
	}
	return n
}

// Dump formats all records, handy in failure messages
func (l *RecordingLogger) Dump() string {
	var b strings.Builder
	for _, r := range l.Records() {
		fmt.Fprintf(&b, "%s %s %v\n", r.Level, r.Message, r.Fields)
	}
	return b.String()
}
