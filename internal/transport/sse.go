package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
)

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 4 << 20

// SSEDialer opens HTTP streaming channels framed as server-sent events.
// Bare JSON lines (newline-delimited JSON) are accepted as frames too.
type SSEDialer struct {
	BaseURL     string
	HTTPClient  *http.Client
	TokenSource oauth2.TokenSource
}

// Dial issues the streaming GET for key.
func (d *SSEDialer) Dial(ctx context.Context, key models.Key) (Stream, error) {
	path, err := StreamPath(key)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(d.BaseURL, path), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := authorize(d.TokenSource, req.Header); err != nil {
		cancel()
		return nil, err
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &sseStream{body: resp.Body, cancel: cancel, scanner: scanner}, nil
}

type sseStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	scanner *bufio.Scanner

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// Recv reads lines until a complete event is assembled.
func (s *sseStream) Recv() (Frame, error) {
	var (
		name string
		data bytes.Buffer
	)
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		switch {
		case len(line) == 0:
			if data.Len() > 0 {
				return Frame{Name: name, Data: bytes.Clone(data.Bytes())}, nil
			}
			name = ""
		case line[0] == ':':
			// comment / keep-alive
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
		case bytes.HasPrefix(line, []byte("id:")), bytes.HasPrefix(line, []byte("retry:")):
		case line[0] == '{' || line[0] == '[':
			return Frame{Data: bytes.Clone(line)}, nil
		}
	}

	if s.isClosed() {
		return Frame{}, ErrClosed
	}
	if err := s.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read stream: %w", err)
	}
	if data.Len() > 0 {
		return Frame{Name: name, Data: bytes.Clone(data.Bytes())}, nil
	}
	return Frame{}, io.EOF
}

func (s *sseStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close cancels the request and closes the body.
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		err = s.body.Close()
	})
	return err
}
