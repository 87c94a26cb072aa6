// Package stream turns provider chunk iterators into the client event
// protocol: content, tool_call, citations, done and error events, written to
// the wire as server-sent events.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/telemetry"
)

// DefaultBufferSize is the buffered-mode flush threshold in characters.
const DefaultBufferSize = 10

// ErrClientGone is returned when the client disconnected before the stream
// finished. No terminal event was delivered and the completion callback was
// not invoked.
var ErrClientGone = errors.New("stream: client disconnected")

// Emitter delivers one event to the client. An error means the client is
// gone.
type Emitter func(model.StreamEvent) error

// CompleteFunc receives the full generated text after a clean finish.
type CompleteFunc func(ctx context.Context, fullText string) error

// Options configures a Normalizer.
type Options struct {
	// BufferSize is the number of characters held before a content event is
	// emitted. Zero emits every delta as it arrives.
	BufferSize int
}

// Normalizer runs the per-request streaming state machine.
type Normalizer struct {
	opts   Options
	logger *slog.Logger
	events metric.Int64Counter
}

// NewNormalizer creates a Normalizer. A negative BufferSize is treated as 0.
func NewNormalizer(opts Options, logger *slog.Logger) *Normalizer {
	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}
	return &Normalizer{
		opts:   opts,
		logger: logger,
		events: telemetry.Counter("haigate/stream", "haigate.stream.events", "Stream events emitted by type"),
	}
}

// Unbuffered returns a copy of n that emits every delta immediately.
func (n *Normalizer) Unbuffered() *Normalizer {
	c := *n
	c.opts.BufferSize = 0
	return &c
}

// Run pulls src until it ends and emits the canonical event sequence:
// content events in arrival order, then citations if any were seen, then
// exactly one done or error event. src is always closed.
//
// onComplete (which may be nil) runs once, synchronously, after a clean
// finish and before done; its failures are logged and never reach the
// client. Run returns ErrClientGone when the client went away, the provider
// error when an error event was emitted, and nil after done.
func (n *Normalizer) Run(ctx context.Context, src llm.ChunkIterator, emit Emitter, onComplete CompleteFunc) error {
	defer func() {
		if err := src.Close(); err != nil {
			n.logger.Debug("stream: close source", "error", err)
		}
	}()

	r := run{n: n, ctx: ctx, emit: emit}
	for {
		if ctx.Err() != nil {
			return ErrClientGone
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ErrClientGone
			}
			n.logger.Warn("stream: provider error", "error", err, "emitted_chars", r.total)
			if emitErr := r.send(model.ErrorEvent(ClientMessage(err))); emitErr != nil {
				return ErrClientGone
			}
			return fmt.Errorf("stream: provider: %w", err)
		}

		switch chunk.Kind {
		case llm.ChunkText:
			if err := r.text(chunk.Text); err != nil {
				return err
			}
		case llm.ChunkCitation:
			r.citations = append(r.citations, chunk.Citation)
		case llm.ChunkStop:
			return r.finish(onComplete)
		}
	}
	return r.finish(onComplete)
}

// run is the mutable state of one Run call.
type run struct {
	n    *Normalizer
	ctx  context.Context
	emit Emitter

	full      strings.Builder
	total     int // runes in full
	buf       strings.Builder
	bufRunes  int
	citations []model.Citation
}

func (r *run) send(ev model.StreamEvent) error {
	if err := r.emit(ev); err != nil {
		return ErrClientGone
	}
	r.n.events.Add(r.ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
	return nil
}

func (r *run) text(delta string) error {
	if delta == "" {
		return nil
	}
	runes := utf8.RuneCountInString(delta)
	r.full.WriteString(delta)
	r.total += runes

	if r.n.opts.BufferSize == 0 {
		return r.send(model.ContentEvent(delta))
	}
	r.buf.WriteString(delta)
	r.bufRunes += runes
	if r.bufRunes >= r.n.opts.BufferSize {
		return r.flush()
	}
	return nil
}

func (r *run) flush() error {
	if r.buf.Len() == 0 {
		return nil
	}
	text := r.buf.String()
	r.buf.Reset()
	r.bufRunes = 0
	return r.send(model.ContentEvent(text))
}

func (r *run) finish(onComplete CompleteFunc) error {
	if r.ctx.Err() != nil {
		return ErrClientGone
	}
	if err := r.flush(); err != nil {
		return err
	}
	if len(r.citations) > 0 {
		if err := r.send(model.CitationsEvent(r.citations)); err != nil {
			return err
		}
	}
	r.complete(onComplete)
	return r.send(model.DoneEvent(r.total))
}

// complete invokes the callback, containing any failure. The callback runs
// on a context detached from the request so a disconnect at this point does
// not abort persistence of a finished answer.
func (r *run) complete(onComplete CompleteFunc) {
	if onComplete == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.n.logger.Error("stream: completion callback panicked", "panic", p)
		}
	}()
	if err := onComplete(context.WithoutCancel(r.ctx), r.full.String()); err != nil {
		r.n.logger.Error("stream: completion callback failed", "error", err)
	}
}

// ClientMessage is the text placed in an error event for err. Provider
// details stay in the logs.
func ClientMessage(err error) string {
	if errors.Is(err, llm.ErrThrottled) {
		return "the model is busy, please try again shortly"
	}
	return "generation failed"
}
