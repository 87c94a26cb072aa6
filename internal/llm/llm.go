// Package llm defines the generation and classification backends the gateway
// talks to, and their Bedrock and echo implementations.
package llm

import (
	"context"
	"errors"
	"io"

	"github.com/hai-labs/haigate/internal/model"
)

// ErrThrottled is returned when the backend refuses a call for capacity
// reasons. Callers may retry later.
var ErrThrottled = errors.New("llm: backend throttled")

// ChunkKind tags a Chunk.
type ChunkKind int

const (
	ChunkText ChunkKind = iota + 1
	ChunkCitation
	ChunkStop
)

// Chunk is one element pulled from a provider stream.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	Citation model.Citation
}

// ChunkIterator is a blocking, pull-based provider stream. Next returns
// io.EOF once the stream is exhausted. Close releases the underlying
// connection and is safe to call more than once.
type ChunkIterator interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// GenerateRequest is a long-form generation call.
type GenerateRequest struct {
	System        string
	Messages      []model.Message
	MaxTokens     int
	Temperature   float64
	StopSequences []string
}

// Generator streams generated text.
type Generator interface {
	Stream(ctx context.Context, req GenerateRequest) (ChunkIterator, error)
}

// ToolSpec declares a callable tool: a name, a description and a JSON
// schema for its parameters.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ClassifyRequest is a single-shot function-calling call.
type ClassifyRequest struct {
	System  string
	Message string
	Tools   []ToolSpec
}

// ClassificationKind tags a Classification.
type ClassificationKind string

const (
	ClassToolUse ClassificationKind = "tool_use"
	ClassText    ClassificationKind = "text"
)

// Classification is the backend's decision: either a tool invocation or
// plain text.
type Classification struct {
	Kind ClassificationKind
	Tool model.ToolInvocation
	Text string
}

// Classifier performs intent classification.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Classification, error)
}

// SliceIterator replays a fixed list of chunks. It is used by the echo
// backend and by tests.
type SliceIterator struct {
	chunks []Chunk
	err    error
	pos    int
	closed bool
}

// NewSliceIterator returns an iterator over chunks.
func NewSliceIterator(chunks ...Chunk) *SliceIterator {
	return &SliceIterator{chunks: chunks}
}

// WithError makes the iterator fail with err after the chunks are consumed.
func (it *SliceIterator) WithError(err error) *SliceIterator {
	it.err = err
	return it
}

// Next implements ChunkIterator.
func (it *SliceIterator) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if it.closed {
		return Chunk{}, io.EOF
	}
	if it.pos < len(it.chunks) {
		c := it.chunks[it.pos]
		it.pos++
		return c, nil
	}
	if it.err != nil {
		return Chunk{}, it.err
	}
	return Chunk{}, io.EOF
}

// Close implements ChunkIterator.
func (it *SliceIterator) Close() error {
	it.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (it *SliceIterator) Closed() bool {
	return it.closed
}

// Pulled returns how many chunks have been handed out.
func (it *SliceIterator) Pulled() int {
	return it.pos
}

// Text builds a text chunk.
func Text(s string) Chunk { return Chunk{Kind: ChunkText, Text: s} }

// Stop builds a stop chunk.
func Stop() Chunk { return Chunk{Kind: ChunkStop} }

// Cite builds a citation chunk.
func Cite(c model.Citation) Chunk { return Chunk{Kind: ChunkCitation, Citation: c} }
