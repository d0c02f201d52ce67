package sdruntime

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Context owns one loaded model and at most one upscaler, together with
// the configuration they were loaded with. It serves one sampling stream
// at a time; CreateStream waits for the previous stream to be released.
//
// A Context is safe for use by multiple goroutines.
type Context struct {
	mu       sync.Mutex
	model    Model
	upscaler Upscaler
	closed   bool
	applied  []LoraAdapter

	cfg     GenerationConfig
	logger  *zap.Logger
	encoder Encoder

	// slot admits one active stream. The model holds mutable state while
	// sampling, and the upscaler runs under the same slot.
	slot *semaphore.Weighted
}

// Option customises a Context.
type Option func(*Context)

// WithEncoder replaces the PNG encoder used by the post-processing pipeline.
func WithEncoder(e Encoder) Option {
	return func(c *Context) {
		if e != nil {
			c.encoder = e
		}
	}
}

// NewContext loads the model described by cfg and, if configured, the
// upscaler. Either everything loads or nothing is held: an upscaler or
// adapter failure releases the model before the error is returned.
func NewContext(engine Engine, cfg GenerationConfig, logger *zap.Logger, opts ...Option) (*Context, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine is nil", ErrModelLoadFailed)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generation config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Context{
		cfg:     cfg,
		logger:  logger,
		encoder: PNGEncoder{Text: ProvenanceText},
		slot:    semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(c)
	}

	model, err := engine.LoadModel(modelOptions(cfg))
	if err != nil {
		logger.Error("failed to create stable diffusion context",
			zap.String("model", cfg.ModelPath), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrModelLoadFailed, err)
	}
	c.model = model

	if cfg.UpscaleModelPath != "" {
		upscaler, err := engine.LoadUpscaler(UpscalerOptions{
			ModelPath: cfg.UpscaleModelPath,
			Threads:   cfg.Threads,
			MainGPU:   cfg.MainGPU,
		})
		if err != nil {
			logger.Error("failed to create upscaler context",
				zap.String("model", cfg.UpscaleModelPath), zap.Error(err))
			c.release()
			return nil, fmt.Errorf("%w: %w", ErrUpscalerLoadFailed, err)
		}
		c.upscaler = upscaler
	}

	if cfg.ApplyLorasAtLoad && len(cfg.LoraAdapters) > 0 {
		if err := c.applyLoras(cfg.LoraAdapters); err != nil {
			c.release()
			return nil, err
		}
	}

	logger.Info("stable diffusion context ready",
		zap.String("model", cfg.ModelAlias),
		zap.Bool("upscaler", c.upscaler != nil),
		zap.Int("loras_applied", len(c.applied)),
		zap.Stringer("text_encoder", cfg.TextEncoderResidency),
		zap.Stringer("vae", cfg.LatentDecoderResidency),
		zap.Stringer("control_net", cfg.ControlNetResidency))
	return c, nil
}

func modelOptions(cfg GenerationConfig) ModelOptions {
	return ModelOptions{
		ModelPath:     cfg.ModelPath,
		ClipLPath:     cfg.ClipLPath,
		ClipGPath:     cfg.ClipGPath,
		T5XXLPath:     cfg.T5XXLPath,
		VAEPath:       cfg.VAEPath,
		TAESDPath:     cfg.TAESDPath,
		ControlNet:    cfg.ControlNetPath,
		VAETiling:     cfg.VAETiling,
		Threads:       cfg.Threads,
		Schedule:      cfg.Schedule,
		MainGPU:       cfg.MainGPU,
		TextEncoder:   cfg.TextEncoderResidency,
		LatentDecoder: cfg.LatentDecoderResidency,
		ControlNetRes: cfg.ControlNetResidency,
	}
}

// Config returns the configuration the context was created with.
func (c *Context) Config() GenerationConfig {
	return c.cfg
}

// HasUpscaler reports whether an upscaler model is loaded.
func (c *Context) HasUpscaler() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upscaler != nil
}

// AppliedLoras returns the adapters applied so far, in application order.
func (c *Context) AppliedLoras() []LoraAdapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LoraAdapter, len(c.applied))
	copy(out, c.applied)
	return out
}

// DefaultSampleMethod forwards to the loaded model.
func (c *Context) DefaultSampleMethod() SampleMethod {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == nil {
		return SampleEulerA
	}
	return c.model.DefaultSampleMethod()
}

// DefaultSampleSteps forwards to the loaded model.
func (c *Context) DefaultSampleSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == nil {
		return DefaultSteps
	}
	return c.model.DefaultSampleSteps()
}

// DefaultCFGScale forwards to the loaded model.
func (c *Context) DefaultCFGScale() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model == nil {
		return DefaultCFGScale
	}
	return c.model.DefaultCFGScale()
}

// ApplyLoras blends adapters into the model weights at their scales.
// Earlier applications are not undone. It waits until no stream is active.
func (c *Context) ApplyLoras(ctx context.Context, adapters []LoraAdapter) error {
	if len(adapters) == 0 {
		return nil
	}
	if err := c.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.slot.Release(1)
	return c.applyLoras(adapters)
}

func (c *Context) applyLoras(adapters []LoraAdapter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.model == nil {
		return ErrContextClosed
	}
	if err := c.model.ApplyLoras(adapters); err != nil {
		c.logger.Error("failed to apply lora adapters", zap.Int("count", len(adapters)), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrAdapterApplyFailed, err)
	}
	for _, la := range adapters {
		c.logger.Info("applied lora adapter", zap.String("path", la.Path), zap.Float32("scale", la.Scale))
	}
	c.applied = append(c.applied, adapters...)
	return nil
}

// Close releases the upscaler and then the model. It waits for an active
// stream to be released first. Calling Close more than once is safe.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Waiters in CreateStream wake after Release and observe closed.
	_ = c.slot.Acquire(context.Background(), 1)
	defer c.slot.Release(1)

	c.release()
	c.logger.Debug("stable diffusion context closed")
	return nil
}

// release frees both handles, tolerating either being absent.
func (c *Context) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upscaler != nil {
		c.upscaler.Free()
		c.upscaler = nil
	}
	if c.model != nil {
		c.model.Free()
		c.model = nil
	}
}

// IsClosed reports whether Close has been called.
func (c *Context) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
