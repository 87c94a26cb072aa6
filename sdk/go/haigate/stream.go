package haigate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxEventBytes = 1 << 20

// Stream reads server-sent events from a chat response. It is not safe for
// concurrent use. Close must be called when the caller stops reading early.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool

	// Notice is the moderation notice sent with a masked message, if any.
	Notice string
}

func newStream(body io.ReadCloser, notice string) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), maxEventBytes)
	return &Stream{body: body, scanner: sc, Notice: notice}
}

// Next returns the next event. After the terminal done or error event it
// returns io.EOF. A connection that ends without a terminal event yields
// io.ErrUnexpectedEOF.
func (s *Stream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	var data []byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			if len(data) == 0 {
				continue
			}
			return s.decode(data)
		}
		if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimPrefix(payload, []byte(" "))...)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("haigate: read stream: %w", err)
	}
	if len(data) > 0 {
		return s.decode(data)
	}
	s.done = true
	return Event{}, io.ErrUnexpectedEOF
}

func (s *Stream) decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("haigate: decode event: %w", err)
	}
	if ev.Type == EventDone || ev.Type == EventError {
		s.done = true
	}
	return ev, nil
}

// Collect reads the stream to its end and returns the concatenated text and
// any citations. An error event is returned as a *StreamError together with
// the text received before it.
func (s *Stream) Collect() (string, []Citation, error) {
	defer func() { _ = s.Close() }()

	var (
		b         strings.Builder
		citations []Citation
	)
	for {
		ev, err := s.Next()
		if err == io.EOF {
			return b.String(), citations, nil
		}
		if err != nil {
			return b.String(), citations, err
		}
		switch ev.Type {
		case EventContent:
			b.WriteString(ev.Text)
		case EventCitations:
			citations = append(citations, ev.Data...)
		case EventError:
			return b.String(), citations, &StreamError{Message: ev.Message}
		}
	}
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
