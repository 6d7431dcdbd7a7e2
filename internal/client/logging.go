package client

import (
	"log/slog"
	"net/http"
	"time"
)

// maxQueryLogLen is the maximum length for logged query strings before truncation.
const maxQueryLogLen = 200

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = 2 * time.Second

// loggingTransport logs every request with timing.
// Slow requests are logged at WARN level, failures at ERROR.
type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	duration := time.Since(start)

	attrs := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"duration_ms", duration.Milliseconds(),
	}
	if q := req.URL.RawQuery; q != "" {
		attrs = append(attrs, "query", truncate(q, maxQueryLogLen))
	}

	switch {
	case err != nil:
		attrs = append(attrs, "error", err.Error())
		t.logger.Error("request failed", attrs...)
	case resp.StatusCode >= http.StatusBadRequest:
		attrs = append(attrs, "status", resp.StatusCode)
		t.logger.Warn("request rejected", attrs...)
	case duration > slowRequestThreshold:
		attrs = append(attrs, "status", resp.StatusCode)
		t.logger.Warn("slow request", attrs...)
	default:
		attrs = append(attrs, "status", resp.StatusCode)
		t.logger.Debug("request completed", attrs...)
	}
	return resp, err
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// WithLogger logs every request the client makes to logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger == nil {
		return c
	}
	next := c.httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	c.httpClient.Transport = &loggingTransport{next: next, logger: logger}
	return c
}
