package sdruntime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ContextFactory creates a Context on demand. The pool calls it lazily,
// up to its maximum size.
type ContextFactory func() (*Context, error)

// Progress is a snapshot of sampling progress.
type Progress struct {
	Completed int
	Total     int
}

// ProgressFunc receives progress after every sampling step. It runs on the
// generating goroutine and should return quickly.
type ProgressFunc func(Progress)

// Generation is the outcome of one Pool.Generate call.
type Generation struct {
	Image         GeneratedImage
	Params        SamplerParams // resolved, including the seed used
	Mode          string
	UpscalePasses int
	Duration      time.Duration
}

// ContextPool hands out Contexts, each with its own copy of the model.
// Contexts are created lazily on first demand and reused after Release.
//
// Public API:
//   - NewContextPool(): create a pool
//   - Generate(): acquire, stream, post-process, release
//   - Close(): free every context
type ContextPool struct {
	mu       sync.Mutex
	contexts chan *Context
	factory  ContextFactory
	maxSize  int
	closed   bool
	created  int
}

// NewContextPool creates a pool of at most maxSize contexts.
func NewContextPool(maxSize int, factory ContextFactory) (*ContextPool, error) {
	if maxSize <= 0 || factory == nil {
		return nil, ErrInvalidParams
	}
	return &ContextPool{
		contexts: make(chan *Context, maxSize),
		factory:  factory,
		maxSize:  maxSize,
	}, nil
}

// Generate runs a full generation on a pooled context: it creates a
// stream, advances it to completion reporting progress after each step,
// and post-processes the result. Cancelling ctx between steps abandons
// the stream and returns ctx.Err().
func (p *ContextPool) Generate(ctx context.Context, prompt string, params SamplerParams, onProgress ProgressFunc) (*Generation, error) {
	start := time.Now()

	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire context: %w", err)
	}
	defer p.Release(c)

	stream, err := c.CreateStream(ctx, prompt, params)
	if err != nil {
		return nil, err
	}
	defer stream.Release()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		more := stream.Advance()
		if onProgress != nil {
			done, total := stream.Progress()
			onProgress(Progress{Completed: done, Total: total})
		}
		if !more {
			break
		}
	}

	img, passes, err := c.finish(stream)
	if err != nil {
		return nil, err
	}
	return &Generation{
		Image:         img,
		Params:        stream.Params(),
		Mode:          ModeName(stream.Conditioning()),
		UpscalePasses: passes,
		Duration:      time.Since(start),
	}, nil
}

// Acquire returns an idle context, creating one if the pool is below
// capacity, or waits for one to be released.
//
// Returns ErrContextPoolClosed if the pool is closed and ErrAcquireTimeout
// if ctx is done first.
func (p *ContextPool) Acquire(ctx context.Context) (*Context, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrContextPoolClosed
	}

	select {
	case c := <-p.contexts:
		p.mu.Unlock()
		return c, nil
	default:
	}

	if p.created < p.maxSize {
		p.created++
		p.mu.Unlock()

		c, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}
		return c, nil
	}
	p.mu.Unlock()

	select {
	case c, ok := <-p.contexts:
		if !ok {
			return nil, ErrContextPoolClosed
		}
		p.mu.Lock()
		if p.closed {
			p.created--
			p.mu.Unlock()
			c.Close()
			return nil, ErrContextPoolClosed
		}
		p.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}
}

// Release returns a context to the pool. If the pool is closed the
// context is closed instead. Passing nil is a no-op.
func (p *ContextPool) Release(c *Context) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || c.IsClosed() {
		p.created--
		c.Close()
		return
	}
	select {
	case p.contexts <- c:
	default:
		p.created--
		c.Close()
	}
}

// Warm creates one context up front so model load errors surface at
// startup instead of on the first request.
func (p *ContextPool) Warm(ctx context.Context) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	p.Release(c)
	return nil
}

// Close frees every idle context. Contexts still acquired are closed when
// they are released. Close is safe to call more than once.
func (p *ContextPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.contexts)
	for c := range p.contexts {
		c.Close()
		p.created--
	}
	return nil
}

// Size returns the number of idle contexts.
func (p *ContextPool) Size() int {
	return len(p.contexts)
}

// Created returns the number of live contexts, idle or acquired.
func (p *ContextPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// MaxSize returns the maximum capacity of the pool.
func (p *ContextPool) MaxSize() int {
	return p.maxSize
}

// IsClosed returns whether the pool has been closed.
func (p *ContextPool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
