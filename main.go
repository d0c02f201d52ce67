package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/linyinli/llama-box/core"
	"github.com/linyinli/llama-box/core/validation"
	"github.com/linyinli/llama-box/db"
	"github.com/linyinli/llama-box/logging"
	"github.com/linyinli/llama-box/metrics"
	"github.com/linyinli/llama-box/sdruntime"
	"github.com/linyinli/llama-box/server"
	"github.com/linyinli/llama-box/shutdown"
)

// pruneInterval is how often the history table is trimmed to
// LLAMA_BOX_HISTORY_MAX_ROWS.
const pruneInterval = time.Hour

func main() {
	if handled, err := HandleServiceCommand(os.Args, os.Stdout); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(core.ExitCodeError)
		}
		return
	}

	isService, err := RunAsService()
	if isService {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(core.ExitCodeError)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: service detection failed: %v\n", err)
	}

	code := run(context.Background(), os.Stdout)
	if code != core.ExitCodeSuccess {
		fmt.Fprintf(os.Stderr, "llama-box exited: %s\n", core.ExitCodeName(code))
	}
	os.Exit(code)
}

// run starts llama-box and blocks until it shuts down, either on SIGINT or
// SIGTERM or when ctx is cancelled. It returns the process exit code.
func run(ctx context.Context, out io.Writer) int {
	if err := godotenv.Load(); err != nil {
		// Logger isn't initialized yet
		fmt.Fprintf(out, "Warning: .env file not loaded: %v\n", err)
	}

	cfg, err := core.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Configuration error: %v\n", err)
		return core.ExitCodeFor(err)
	}
	gen, err := sdruntime.LoadGenerationConfig()
	if err != nil {
		fmt.Fprintf(out, "Configuration error: %v\n", err)
		return core.ExitCodeFor(err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(out, "Failed to initialize logger: %v\n", err)
		return core.ExitCodeError
	}
	defer logger.Sync()

	logger.Info("starting llama-box",
		zap.String("version", core.Version),
		zap.String("backend", sdruntime.BackendName),
		zap.Stringer("config", cfg),
		zap.String("model", gen.ModelPath),
	)

	if code := runStartupValidation(logger, cfg, &gen, out); code != core.ExitCodeSuccess {
		return code
	}

	manager := shutdown.NewManager(logger.Zap().Named("shutdown"))
	a, err := newApp(ctx, cfg, gen, sdruntime.NewEngine(), logger, manager)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return startupExitCode(err)
	}
	a.registerShutdown(manager)
	manager.Start()

	stop := context.AfterFunc(ctx, manager.Trigger)
	defer stop()

	if err := a.serve(manager); err != nil {
		logger.Error("llama-box stopped with an error", zap.Error(err))
		return core.ExitCodeError
	}
	logger.Info("goodbye")
	return core.ExitCodeSuccess
}

func newLogger(cfg *core.Config) (*logging.Logger, error) {
	defaultLevel := zapcore.InfoLevel
	if cfg.Development {
		defaultLevel = zapcore.DebugLevel
	}
	level := logging.ParseLogLevelString(cfg.LogLevel, defaultLevel)
	return logging.NewLogger(logging.Options{
		Development: cfg.Development,
		FilePath:    cfg.LogFile,
		Level:       &level,
	})
}

// runStartupValidation runs the validation suite before any weights are
// loaded. Failures are logged step by step.
func runStartupValidation(logger *logging.Logger, cfg *core.Config, gen *sdruntime.GenerationConfig, out io.Writer) int {
	result := validation.NewValidationSuite(cfg, gen).
		WithOutput(out).
		Validate()

	if !result.Success {
		logger.Error("startup validation failed",
			zap.Int("passed", result.PassedSteps),
			zap.Int("failed", result.FailedSteps),
			zap.Duration("duration", result.Duration),
		)
		for _, step := range result.Steps {
			if step.Status == validation.StepFailed {
				logger.Error("validation step failed",
					zap.String("step", step.Name),
					zap.String("message", step.Message),
					zap.Error(step.Error),
				)
			}
		}
		return core.ExitCodeConfig
	}

	logger.Info("startup validation passed",
		zap.Int("checks_passed", result.PassedSteps),
		zap.Int("warnings", result.Warnings),
		zap.Duration("duration", result.Duration),
	)
	return core.ExitCodeSuccess
}

// startupExitCode separates model load failures from other startup errors.
func startupExitCode(err error) int {
	switch {
	case errors.Is(err, sdruntime.ErrModelNotFound),
		errors.Is(err, sdruntime.ErrModelLoadFailed),
		errors.Is(err, sdruntime.ErrUpscalerLoadFailed),
		errors.Is(err, sdruntime.ErrAdapterApplyFailed),
		errors.Is(err, sdruntime.ErrBackendUnavailable):
		return core.ExitCodeModelLoad
	default:
		return core.ExitCodeFor(err)
	}
}

// app holds the long-lived components of a running llama-box.
type app struct {
	config *core.Config
	logger *logging.Logger

	pool     *sdruntime.ContextPool
	database *db.Database
	writer   *db.AsyncWriter
	history  *db.Repository
	gpu      *metrics.GPUCollector
	server   *server.Server
}

// newApp loads the model into the first pooled context, opens the history
// database and builds the HTTP server. Nothing is started yet. On error
// everything already created is released.
func newApp(ctx context.Context, cfg *core.Config, gen sdruntime.GenerationConfig, engine sdruntime.Engine, logger *logging.Logger, ops server.Operations) (*app, error) {
	a := &app{config: cfg, logger: logger}
	zl := logger.Zap()

	pool, err := sdruntime.NewContextPool(cfg.PoolSize, func() (*sdruntime.Context, error) {
		return sdruntime.NewContext(engine, gen, zl.Named("sdruntime"))
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool

	loadStart := time.Now()
	if err := pool.Warm(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("load model: %w", err)
	}
	logger.Info("model loaded",
		zap.String("model", gen.ModelPath),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("duration", time.Since(loadStart)),
	)

	deps := server.Dependencies{
		Generator:  pool,
		Generation: gen,
		Operations: ops,
	}

	if cfg.DatabasePath != "" {
		database, err := db.Open(cfg.DatabasePath)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open history database: %w", err)
		}
		a.database = database

		direct := db.NewRepository(database, nil)
		a.writer = db.NewAsyncWriterWithConfig(direct.AsyncWriteHandler(), db.AsyncWriterConfig{
			OnError: func(op db.WriteOperation, err error) {
				zl.Warn("failed to write generation history", zap.Error(err))
			},
		})
		a.writer.Start()
		a.history = db.NewRepository(database, a.writer)
		deps.History = a.history

		logger.Info("generation history enabled",
			zap.String("path", database.Path()),
			zap.Int("max_rows", cfg.HistoryMaxRows),
		)
	}

	srv, err := server.New(server.ConfigFromCore(cfg), deps, zl.Named("server"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.server = srv

	if cfg.GPUMetricsInterval > 0 {
		gpuCfg := metrics.DefaultGPUCollectorConfig()
		gpuCfg.Interval = cfg.GPUMetricsInterval
		gpuCfg.Index = gen.MainGPU
		store, hub := srv.Metrics(), srv.Hub()
		a.gpu = metrics.NewGPUCollector(gpuCfg, func(m metrics.GPUMetrics) {
			store.UpdateGPU(m)
			hub.PublishGPU(m)
		})
	}

	return a, nil
}

// registerShutdown hands every component to the shutdown manager: the
// server stops taking requests first, the pool frees model memory, and the
// history writer drains before the database closes.
func (a *app) registerShutdown(manager *shutdown.Manager) {
	manager.Register("http-server", shutdown.PriorityServer, a.server.Shutdown)
	if a.gpu != nil {
		manager.Register("gpu-collector", shutdown.PriorityServer, func(context.Context) error {
			a.gpu.Stop()
			return nil
		})
	}
	manager.Register("context-pool", shutdown.PriorityPool, func(context.Context) error {
		return a.pool.Close()
	})
	if a.writer != nil {
		manager.Register("history-writer", shutdown.PriorityHistory, func(ctx context.Context) error {
			timeout := db.DefaultDrainTimeout
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			if !a.writer.StopWithTimeout(timeout) {
				return fmt.Errorf("history writer did not drain within %s (%d pending)", timeout, a.writer.Pending())
			}
			return nil
		})
	}
	if a.database != nil {
		manager.Register("database", shutdown.PriorityDatabase, func(context.Context) error {
			return a.database.Close()
		})
	}
	manager.Register("logger", shutdown.PriorityLogger, func(context.Context) error {
		// Sync on a terminal stdout fails with EINVAL; nothing is lost.
		_ = a.logger.Sync()
		return nil
	})
}

// serve runs the HTTP server and the background collectors until the
// manager's context is done, then runs the shutdown sequence. A server
// that fails to start triggers the same sequence.
func (a *app) serve(manager *shutdown.Manager) error {
	ctx := manager.Context()

	if a.gpu != nil {
		a.gpu.Start()
	}
	if a.history != nil {
		a.history.StartPruneScheduler(ctx, a.config.HistoryMaxRows, pruneInterval, func(err error) {
			a.logger.Warn("history prune failed", zap.Error(err))
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return manager.Shutdown()
	})
	return g.Wait()
}

// close releases what newApp created when startup fails part way.
func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.writer != nil {
		a.writer.Close()
	}
	if a.database != nil {
		a.database.Close()
	}
}
