// Package shutdown coordinates graceful shutdown of the llama-box server:
// it stops new generations, waits for running ones to hand their model
// contexts back, and then releases components in priority order.
package shutdown

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTrackerClosed is returned when an operation starts after shutdown began.
var ErrTrackerClosed = errors.New("operation tracker is closed")

// ErrWaitTimeout is returned when Wait times out before all operations complete.
var ErrWaitTimeout = errors.New("wait timeout: operations did not complete in time")

// OperationTracker counts in-flight generations.
//
//	if !tracker.Start() {
//	    return ErrTrackerClosed
//	}
//	defer tracker.Done()
type OperationTracker struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	active atomic.Int64
	closed bool
}

// NewOperationTracker creates an open tracker.
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{}
}

// Start registers an operation. It returns false once Close has been
// called; otherwise the caller must call Done exactly once.
func (t *OperationTracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.wg.Add(1)
	t.active.Add(1)
	return true
}

// Done marks an operation as complete.
func (t *OperationTracker) Done() {
	t.active.Add(-1)
	t.wg.Done()
}

// Wait blocks until every operation is done or timeout elapses.
func (t *OperationTracker) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}

// Close rejects new operations. Running operations are unaffected.
func (t *OperationTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// ActiveCount returns the current number of active operations.
func (t *OperationTracker) ActiveCount() int64 {
	return t.active.Load()
}

// IsClosed reports whether Close has been called.
func (t *OperationTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
