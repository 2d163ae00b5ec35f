// Package eventstream writes text/event-stream frames to an HTTP response.
package eventstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

var (
	// ErrFlushUnsupported is returned when the response cannot be streamed.
	ErrFlushUnsupported = errors.New("streaming unsupported: response writer does not implement http.Flusher")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("event stream closed")
)

// SetHeaders sets the headers every event-stream response carries.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer serialises frames onto a flushable response. Writes after the
// request context ends or after Close fail without touching the response.
type Writer struct {
	w   io.Writer
	f   http.Flusher
	ctx context.Context

	mu     sync.Mutex
	closed bool
}

func NewWriter(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlushUnsupported
	}
	return &Writer{w: w, f: f, ctx: ctx}, nil
}

// WriteEvent writes one frame. event and id are omitted when empty.
func (s *Writer) WriteEvent(event, id string, payload []byte) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return s.write(b.String())
}

// WriteComment writes a comment line, used as a keep-alive.
func (s *Writer) WriteComment(text string) error {
	return s.write(": " + text + "\n\n")
}

func (s *Writer) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return fmt.Errorf("write event frame: %w", err)
	}
	s.f.Flush()
	return nil
}

// Flush sends buffered headers and data to the client.
func (s *Writer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// Close waits for an in-flight write and rejects later ones.
func (s *Writer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
