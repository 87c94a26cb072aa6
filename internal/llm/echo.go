package llm

import (
	"context"
	"strings"

	"github.com/hai-labs/haigate/internal/model"
)

// Echo is a development backend that streams the last user message back
// word by word and never selects a tool. It needs no credentials.
type Echo struct{}

// Stream implements Generator.
func (Echo) Stream(_ context.Context, req GenerateRequest) (ChunkIterator, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}

	var chunks []Chunk
	for _, w := range strings.SplitAfter(last, " ") {
		if w != "" {
			chunks = append(chunks, Text(w))
		}
	}
	chunks = append(chunks, Stop())
	return NewSliceIterator(chunks...), nil
}

// Classify implements Classifier.
func (Echo) Classify(_ context.Context, req ClassifyRequest) (Classification, error) {
	return Classification{Kind: ClassText, Text: req.Message}, nil
}
