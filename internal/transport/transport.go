// Package transport opens server-push channels (SSE or WebSocket) for a store key.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// Sentinel errors for channel setup.
var (
	// ErrUnauthorized indicates the backend rejected the bearer credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrClosed is returned by Recv after Close.
	ErrClosed = errors.New("stream closed")
)

// Frame is one raw payload delivered by a push channel.
type Frame struct {
	// Name is the optional event name (SSE "event:" field).
	Name string
	Data []byte
}

// Stream is an open push channel. Recv blocks until the next frame, an error,
// or io.EOF when the server ends the stream. Close releases the underlying
// connection and is safe to call more than once.
type Stream interface {
	Recv() (Frame, error)
	Close() error
}

// Dialer opens a push channel for a key.
type Dialer interface {
	Dial(ctx context.Context, key models.Key) (Stream, error)
}

// StreamPath returns the backend path of the push channel for key.
func StreamPath(key models.Key) (string, error) {
	switch key.Kind {
	case models.KeyJobs:
		return "/jobs/stream?type=" + url.QueryEscape(key.Scope), nil
	case models.KeyRun:
		return "/runs/" + url.PathEscape(key.Scope) + "/stream", nil
	case models.KeyConversation:
		return "/conversations/" + url.PathEscape(key.Scope) + "/stream", nil
	}
	return "", fmt.Errorf("no stream for key %s", key)
}

// authorize sets the bearer credential from ts on header, if ts is set.
func authorize(ts oauth2.TokenSource, header http.Header) error {
	if ts == nil {
		return nil
	}
	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return nil
}

// statusError maps a failed handshake status to an error.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	}
	return fmt.Errorf("stream handshake failed: %s", resp.Status)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
