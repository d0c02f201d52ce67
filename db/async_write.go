package db

import (
	"context"
	"sync"
	"time"
)

// DefaultChannelCapacity is the default buffer size for queued writes.
const DefaultChannelCapacity = 100

// DefaultDrainTimeout is the maximum time to wait for pending writes during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// WriteOperation is one queued write.
type WriteOperation struct {
	Data      interface{}
	Timestamp time.Time
}

// WriteHandler processes one queued write.
type WriteHandler func(op WriteOperation) error

// AsyncWriter moves history writes off the request path. Writes are queued
// on a buffered channel and applied in order by one goroutine, so a slow
// disk never delays a generation response.
type AsyncWriter struct {
	writeChan chan WriteOperation
	handler   WriteHandler
	onError   func(WriteOperation, error)
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	ChannelCapacity int
	DrainTimeout    time.Duration
	// OnError is called with every failed write. Nil drops failures.
	OnError func(WriteOperation, error)
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// NewAsyncWriter creates an async writer with default configuration.
func NewAsyncWriter(handler WriteHandler) *AsyncWriter {
	return NewAsyncWriterWithConfig(handler, DefaultAsyncWriterConfig())
}

// NewAsyncWriterWithConfig creates an async writer with custom configuration.
func NewAsyncWriterWithConfig(handler WriteHandler, config AsyncWriterConfig) *AsyncWriter {
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan: make(chan WriteOperation, config.ChannelCapacity),
		handler:   handler,
		onError:   config.OnError,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins background processing. Calling it twice is a no-op.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.closed {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processWrites()
}

func (w *AsyncWriter) processWrites() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.drainChannel()
			return
		case op := <-w.writeChan:
			w.apply(op)
		}
	}
}

// drainChannel applies whatever is still buffered.
func (w *AsyncWriter) drainChannel() {
	for {
		select {
		case op := <-w.writeChan:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	if err := w.handler(op); err != nil && w.onError != nil {
		w.onError(op, err)
	}
}

// Write queues data without blocking. It returns false when the buffer is
// full or the writer has been closed.
func (w *AsyncWriter) Write(data interface{}) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}

	select {
	case w.writeChan <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

// Pending returns the number of operations waiting in the buffer.
func (w *AsyncWriter) Pending() int {
	return len(w.writeChan)
}

// IsStarted reports whether the background processor is running.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.closed
}

// Close stops accepting writes, drains the buffer and waits for the
// processor to exit. Calling it twice is a no-op.
func (w *AsyncWriter) Close() {
	w.StopWithTimeout(0)
}

// StopWithTimeout is Close with an upper bound on the drain. A timeout of
// zero waits indefinitely. It returns false if the drain timed out.
func (w *AsyncWriter) StopWithTimeout(timeout time.Duration) bool {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
