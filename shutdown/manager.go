package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/linyinli/llama-box/core"
)

// DefaultTimeout bounds the whole shutdown sequence. A generation at high
// step counts can take minutes, so this is generous.
const DefaultTimeout = 60 * time.Second

// Manager ties signal handling, in-flight generation tracking and ordered
// cleanup together.
//
//	manager := shutdown.NewManager(logger)
//	manager.Register("pool", shutdown.PriorityPool, func(ctx context.Context) error {
//	    return pool.Close()
//	})
//	manager.Start()
//	<-manager.Context().Done()
//	err := manager.Shutdown()
type Manager struct {
	logger   *zap.Logger
	timeout  time.Duration
	mu       sync.Mutex
	started  bool
	shutdown bool

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *ShutdownRegistry
	signals  *SignalCounter
	exit     func(code int)

	sigChan chan os.Signal
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the shutdown timeout. The default is DefaultTimeout.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// WithExitFunc replaces os.Exit for the forced shutdown path.
func WithExitFunc(exit func(code int)) ManagerOption {
	return func(m *Manager) {
		m.exit = exit
	}
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:   logger,
		timeout:  DefaultTimeout,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewShutdownRegistry(),
		exit:     os.Exit,
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("received second signal, forcing immediate shutdown")
		m.exit(core.ExitCodeError)
	})
	return m
}

// Context is cancelled when a shutdown signal arrives or Trigger is called.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup function. Lower priority values run first; see
// the Priority constants.
func (m *Manager) Register(name string, priority int, fn ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Start listens for SIGINT and SIGTERM. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()

	m.logger.Debug("shutdown manager listening for signals")
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Increment() == 1 {
		m.logger.Info("received shutdown signal, initiating graceful shutdown",
			zap.String("signal", sig.String()),
		)
		m.cancel()
	}
}

// Trigger starts shutdown without a signal, for example when the service
// manager asks the program to stop.
func (m *Manager) Trigger() {
	m.cancel()
}

// Shutdown rejects new generations, waits for running ones, then runs the
// cleanup functions with whatever time remains. It is idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	startTime := time.Now()
	m.logger.Info("initiating graceful shutdown",
		zap.Duration("timeout", m.timeout),
		zap.Int("registered_handlers", m.registry.Count()),
	)

	m.tracker.Close()
	if active := m.tracker.ActiveCount(); active > 0 {
		m.logger.Info("waiting for in-flight generations", zap.Int64("active_count", active))
	}
	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("timeout waiting for in-flight generations",
			zap.Duration("waited", time.Since(startTime)),
			zap.Int64("remaining", m.tracker.ActiveCount()),
		)
	}

	remaining := m.timeout - time.Since(startTime)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	m.logger.Debug("executing cleanup functions", zap.Strings("handlers", m.registry.Names()))
	errs := m.registry.Shutdown(ctx)
	for _, err := range errs {
		m.logger.Error("cleanup function failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}

	duration := time.Since(startTime)
	if len(errs) > 0 {
		m.logger.Error("shutdown completed with errors",
			zap.Duration("duration", duration),
			zap.Int("error_count", len(errs)),
		)
		return fmt.Errorf("shutdown had %d errors: %w", len(errs), errs[0])
	}
	m.logger.Info("graceful shutdown completed", zap.Duration("duration", duration))
	return nil
}

// WrapOperation runs fn as a tracked operation. It returns
// ErrTrackerClosed without calling fn once shutdown has begun.
func (m *Manager) WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	if m.ctx.Err() != nil || !m.tracker.Start() {
		m.logger.Debug("operation rejected, shutting down", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// ActiveOperations returns the count of in-flight operations.
func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether shutdown has begun.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown || m.ctx.Err() != nil
}

// RegisteredHandlers returns handler names in execution order.
func (m *Manager) RegisteredHandlers() []string {
	return m.registry.Names()
}
