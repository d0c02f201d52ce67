package sdruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linyinli/llama-box/logging"
)

type streamState int

const (
	stateCreated streamState = iota
	stateSampling
	stateCompleted
	stateExtracted
)

func (s streamState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateSampling:
		return "sampling"
	case stateCompleted:
		return "completed"
	case stateExtracted:
		return "extracted"
	default:
		return "unknown"
	}
}

// Stream is one incremental generation. It moves through
// created, sampling, completed and extracted, and is consumed once.
//
// Advance, Progress, Result and Release are safe on a nil *Stream.
type Stream struct {
	mu       sync.Mutex
	owner    *Context
	engine   EngineStream
	state    streamState
	released bool

	completed int
	total     int

	params  SamplerParams
	cond    Conditioning
	started time.Time
}

// CreateStream resolves params against the configuration and model
// defaults, picks text-to-image or image-to-image from the presence of an
// init image, and starts sampling. Init and control buffers are copied,
// so the caller may reuse them as soon as CreateStream returns.
//
// CreateStream blocks until the context's previous stream is released or
// ctx is done. On any failure it returns a nil stream.
func (c *Context) CreateStream(ctx context.Context, prompt string, params SamplerParams) (*Stream, error) {
	if err := ValidatePrompt(prompt); err != nil {
		return nil, err
	}
	if err := c.slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for stream slot: %w", err)
	}

	s, err := c.startStream(prompt, params)
	if err != nil {
		c.slot.Release(1)
		return nil, err
	}
	return s, nil
}

func (c *Context) startStream(prompt string, params SamplerParams) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.model == nil {
		return nil, ErrContextClosed
	}

	params = ResolveParams(params, c.cfg, c.model)
	if err := ValidateSamplerParams(params); err != nil {
		return nil, err
	}

	cond := conditioningFor(params)
	req := StreamRequest{
		Prompt:          prompt,
		NegativePrompt:  params.NegativePrompt,
		ClipSkip:        clipSkipFull,
		CFGScale:        params.CFGScale,
		Guidance:        c.cfg.Guidance,
		Width:           params.Width,
		Height:          params.Height,
		Method:          params.Method,
		Steps:           params.Steps,
		Seed:            params.Seed,
		Conditioning:    cond,
		ControlStrength: c.cfg.ControlStrength,
	}
	if _, ok := cond.(ImageToImage); ok {
		req.Strength = c.cfg.Strength
	}

	fields := logging.GenerationFields{
		Mode:     ModeName(cond),
		Width:    params.Width,
		Height:   params.Height,
		Steps:    params.Steps,
		Sampler:  params.Method.String(),
		CFGScale: params.CFGScale,
		Seed:     params.Seed,
		Control:  cond.Control() != nil,
	}

	es, err := c.model.StartStream(req)
	if err != nil || es == nil {
		if es != nil {
			es.Free()
		}
		c.logger.Warn("engine rejected sampling stream", logging.Generation(fields), zap.Error(err))
		if err == nil {
			return nil, ErrStreamCreateFailed
		}
		return nil, fmt.Errorf("%w: %w", ErrStreamCreateFailed, err)
	}

	c.logger.Debug("sampling stream created", logging.Generation(fields))
	return &Stream{
		owner:   c,
		engine:  es,
		state:   stateCreated,
		total:   es.Steps(),
		params:  params,
		cond:    cond,
		started: time.Now(),
	}, nil
}

// Advance runs exactly one sampling step and reports whether more remain.
// It returns false once sampling has completed, and for a nil or released
// stream without touching the engine.
func (s *Stream) Advance() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.state >= stateCompleted {
		return false
	}
	s.state = stateSampling
	more := s.engine.Sample()
	s.completed = s.engine.SampledSteps()
	s.total = s.engine.Steps()
	if !more {
		s.state = stateCompleted
		s.owner.logger.Debug("sampling completed",
			logging.StepFields(s.completed, s.total, time.Since(s.started))...)
	}
	return more
}

// Progress returns completed and total steps. It is valid at any point,
// including after Result and Release, and returns (0, 0) for a nil stream.
func (s *Stream) Progress() (completed, total int) {
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.total
}

// Done reports whether sampling has completed.
func (s *Stream) Done() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state >= stateCompleted
}

// Params returns the resolved sampler parameters, including the seed
// actually used.
func (s *Stream) Params() SamplerParams {
	if s == nil {
		return SamplerParams{}
	}
	return s.params
}

// Conditioning returns the generation mode chosen at creation.
func (s *Stream) Conditioning() Conditioning {
	if s == nil {
		return nil
	}
	return s.cond
}

// Result returns the raw pixel buffer of a completed stream. Calling it
// before the last Advance has returned false yields ErrStreamNotCompleted
// rather than a partially denoised image. A stream yields its result once;
// later calls return ErrStreamExtracted.
//
// Extraction ends the stream: the engine's working buffers and the
// context's stream slot are released, so the image can go straight to
// PostProcess. The caller owns the returned image and must Release it, or
// hand it to PostProcess which does so. Release on the stream stays safe.
func (s *Stream) Result() (*Image, error) {
	return s.extract(true)
}

// extract returns the result and, when release is set, frees the stream
// once it has reached the Extracted state.
func (s *Stream) extract(release bool) (*Image, error) {
	if s == nil {
		return nil, ErrEmptyResult
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == stateExtracted:
		return nil, ErrStreamExtracted
	case s.released:
		return nil, ErrEmptyResult
	case s.state != stateCompleted:
		return nil, ErrStreamNotCompleted
	}

	s.state = stateExtracted
	img := s.engine.Image()
	if release {
		s.releaseLocked()
	}
	if !img.Valid() {
		img.Release()
		return nil, ErrEmptyResult
	}
	return img, nil
}

// Release frees the engine's working buffers and lets the context start
// its next stream. Abandoning a stream mid-sampling is done by calling
// Release without further Advance calls. Release is idempotent.
func (s *Stream) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Stream) releaseLocked() {
	if s.released {
		return
	}
	s.released = true
	s.engine.Free()
	s.engine = nil
	s.owner.slot.Release(1)
}

// Finish extracts the result of a completed stream, runs it through the
// post-processing pipeline and releases the stream.
func (c *Context) Finish(s *Stream) (GeneratedImage, error) {
	out, _, err := c.finish(s)
	return out, err
}

func (c *Context) finish(s *Stream) (GeneratedImage, int, error) {
	defer s.Release()
	// The slot stays held through post-processing so the upscaler does not
	// overlap the next stream.
	img, err := s.extract(false)
	if err != nil {
		return GeneratedImage{}, 0, err
	}
	return c.postProcess(img)
}
