package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// WebSocketDialer opens push channels over WebSocket; each text message is one frame.
type WebSocketDialer struct {
	BaseURL          string
	TokenSource      oauth2.TokenSource
	HandshakeTimeout time.Duration
}

// Dial connects to the stream endpoint of key, converting http(s) to ws(s).
func (d *WebSocketDialer) Dial(ctx context.Context, key models.Key) (Stream, error) {
	path, err := StreamPath(key)
	if err != nil {
		return nil, err
	}

	endpoint := joinURL(d.BaseURL, path)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)

	header := http.Header{}
	if err := authorize(d.TokenSource, header); err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	s := &wsStream{conn: conn, done: make(chan struct{})}

	// Close the connection when ctx ends so a blocked Recv returns.
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// Recv returns the next text or binary message.
func (s *wsStream) Recv() (Frame, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return Frame{}, ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("read message: %w", err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return Frame{Data: data}, nil
		}
	}
}

func (s *wsStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close sends a close frame and releases the connection.
func (s *wsStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}
