package stream

import (
	"context"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
)

// OpenFunc starts a provider stream.
type OpenFunc func(ctx context.Context) (llm.ChunkIterator, error)

// Serve opens a source, pulls it on a pool worker and runs it through n.
// A source that fails to open, or a pool that has no free worker before ctx
// ends, yields a single error event and returns the cause.
func (n *Normalizer) Serve(ctx context.Context, pool *WorkerPool, open OpenFunc, emit Emitter, onComplete CompleteFunc) error {
	src, err := open(ctx)
	if err != nil {
		return n.failStart(ctx, err, emit)
	}
	pumped, err := pool.Pump(ctx, src, DefaultDepth)
	if err != nil {
		return n.failStart(ctx, err, emit)
	}
	return n.Run(ctx, pumped, emit, onComplete)
}

func (n *Normalizer) failStart(ctx context.Context, err error, emit Emitter) error {
	if ctx.Err() != nil {
		return ErrClientGone
	}
	n.logger.Error("stream: start", "error", err)
	if emitErr := emit(model.ErrorEvent(ClientMessage(err))); emitErr != nil {
		return ErrClientGone
	}
	return err
}
