package logging

import (
	"net/http"
	"time"
)

// DebugTransport logs each HTTP round trip at DEBUG level
type DebugTransport struct {
	base   http.RoundTripper
	logger Logger
}

// NewDebugTransport wraps base (http.DefaultTransport when nil)
func NewDebugTransport(base http.RoundTripper, logger Logger) *DebugTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DebugTransport{base: base, logger: logger}
}

// Wrap returns a copy of t that delegates to base
func (t *DebugTransport) Wrap(base http.RoundTripper) *DebugTransport {
	return NewDebugTransport(base, t.logger)
}

func (t *DebugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	logger := t.logger.WithContext(req.Context())

	fields := []Field{
		F("method", req.Method),
		F("url", Redact(req.URL.Redacted())),
	}
	if rng := req.Header.Get("Range"); rng != "" {
		fields = append(fields, F("range", rng))
	}
	if req.Header.Get("Authorization") != "" {
		fields = append(fields, F("authorization", "[REDACTED]"))
	}
	logger.Debug("HTTP request", fields...)

	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start)
	if err != nil {
		logger.Debug("HTTP request failed",
			F("method", req.Method),
			F("error", err.Error()),
			F("durationMs", elapsed.Milliseconds()),
		)
		return nil, err
	}

	logger.Debug("HTTP response",
		F("method", req.Method),
		F("status", resp.StatusCode),
		F("contentLength", resp.ContentLength),
		F("durationMs", elapsed.Milliseconds()),
	)
	return resp, nil
}
