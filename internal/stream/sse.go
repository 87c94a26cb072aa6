package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hai-labs/haigate/internal/model"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("stream: response writer does not support flushing")

// SSEWriter writes StreamEvents as server-sent events: one
// "data: <json>\n\n" frame per event, flushed immediately.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	buf     bytes.Buffer
}

// NewSSEWriter wraps w. Headers set on w before the first Emit are sent with
// the stream.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSEWriter{w: w, flusher: f}, nil
}

// Start sends the stream headers. It is called by the first Emit.
func (s *SSEWriter) Start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)

	// Streams outlive the server's WriteTimeout.
	rc := http.NewResponseController(s.w)
	_ = rc.SetWriteDeadline(time.Time{})
	s.flusher.Flush()
}

// Started reports whether headers have been sent.
func (s *SSEWriter) Started() bool {
	return s.started
}

// Emit writes one event and flushes it. It satisfies Emitter.
func (s *SSEWriter) Emit(ev model.StreamEvent) error {
	s.Start()

	s.buf.Reset()
	enc := json.NewEncoder(&s.buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("stream: encode event: %w", err)
	}
	payload := bytes.TrimRight(s.buf.Bytes(), "\n")

	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
