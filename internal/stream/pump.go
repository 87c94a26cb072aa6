package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/telemetry"
)

// DefaultWorkers bounds concurrent provider pulls per process.
const DefaultWorkers = 256

// DefaultDepth is the number of chunks a pump may read ahead.
const DefaultDepth = 8

// WorkerPool bounds how many blocking provider iterators are pulled at once.
type WorkerPool struct {
	sem  *semaphore.Weighted
	size int64
	busy atomic.Int64
}

// NewWorkerPool creates a pool with size slots.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	p := &WorkerPool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
	telemetry.Gauge("haigate/stream", "haigate.stream.workers_busy", "Provider pulls in progress", p.Busy)
	return p
}

// Busy returns the number of occupied slots.
func (p *WorkerPool) Busy() int64 {
	return p.busy.Load()
}

// Size returns the pool capacity.
func (p *WorkerPool) Size() int64 {
	return p.size
}

type pulled struct {
	chunk llm.Chunk
	err   error
}

// Pump moves src onto a pooled worker and returns an iterator reading from a
// channel of at most depth chunks. The worker stops at the first error
// (io.EOF included) or when the returned iterator is closed, so it never
// reads more than depth chunks ahead of the consumer. Pump blocks until a
// slot is free or ctx is done.
func (p *WorkerPool) Pump(ctx context.Context, src llm.ChunkIterator, depth int) (llm.ChunkIterator, error) {
	if depth < 0 {
		depth = 0
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("stream: acquire worker: %w", err)
	}
	p.busy.Add(1)

	pctx, cancel := context.WithCancel(ctx)
	it := &pumpIterator{
		ch:     make(chan pulled, depth),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer func() {
			it.closeErr = src.Close()
			p.busy.Add(-1)
			p.sem.Release(1)
			close(it.ch)
			close(it.done)
		}()
		for {
			c, err := src.Next(pctx)
			select {
			case it.ch <- pulled{chunk: c, err: err}:
			case <-pctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return it, nil
}

// pumpIterator is the consumer side of a pump.
type pumpIterator struct {
	ch       chan pulled
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	closeErr error
}

func (it *pumpIterator) Next(ctx context.Context) (llm.Chunk, error) {
	select {
	case <-ctx.Done():
		return llm.Chunk{}, ctx.Err()
	case r, ok := <-it.ch:
		if !ok {
			if err := ctx.Err(); err != nil {
				return llm.Chunk{}, err
			}
			return llm.Chunk{}, io.EOF
		}
		return r.chunk, r.err
	}
}

// Close stops the worker and waits for it to release its slot.
func (it *pumpIterator) Close() error {
	it.once.Do(func() {
		it.cancel()
		<-it.done
	})
	return it.closeErr
}
