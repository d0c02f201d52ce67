package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ShutdownFunc releases one component. It should return promptly once ctx
// is done.
type ShutdownFunc func(ctx context.Context) error

// Handler priorities used by llama-box. Lower values run first: stop taking
// requests, then let in-flight generations release their contexts, then
// close storage, then flush logs.
const (
	PriorityServer   = 10
	PriorityPool     = 20
	PriorityHistory  = 30
	PriorityDatabase = 35
	PriorityLogger   = 90
)

type shutdownEntry struct {
	name     string
	fn       ShutdownFunc
	priority int
	seq      int
}

// ShutdownRegistry runs registered functions once, in priority order.
// Entries with equal priority run in registration order.
type ShutdownRegistry struct {
	mu      sync.Mutex
	entries []shutdownEntry
	closed  bool
}

// NewShutdownRegistry creates an empty registry.
func NewShutdownRegistry() *ShutdownRegistry {
	return &ShutdownRegistry{}
}

// Register adds fn. Registration after Shutdown is ignored.
func (r *ShutdownRegistry) Register(name string, priority int, fn ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.entries = append(r.entries, shutdownEntry{name: name, fn: fn, priority: priority, seq: len(r.entries)})
}

// Shutdown calls every function even when some fail and returns their
// errors, each prefixed with the handler name. Later calls return nil.
func (r *ShutdownRegistry) Shutdown(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sorted := r.sortedLocked()
	r.mu.Unlock()

	var errs []error
	for _, entry := range sorted {
		if err := entry.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		}
	}
	return errs
}

// Names returns handler names in execution order.
func (r *ShutdownRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := r.sortedLocked()
	names := make([]string, len(sorted))
	for i, entry := range sorted {
		names[i] = entry.name
	}
	return names
}

func (r *ShutdownRegistry) sortedLocked() []shutdownEntry {
	sorted := make([]shutdownEntry, len(r.entries))
	copy(sorted, r.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})
	return sorted
}

// Count returns the number of registered functions.
func (r *ShutdownRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
