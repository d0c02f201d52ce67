package sdruntime

import (
	"fmt"
	"os"
)

// Engine is the inference backend the runtime drives. The production
// implementation binds stable-diffusion.cpp through cgo (NewEngine); tests
// substitute an in-memory fake.
//
// Load methods report failure with an error and never return a usable
// handle alongside one.
type Engine interface {
	LoadModel(opts ModelOptions) (Model, error)
	LoadUpscaler(opts UpscalerOptions) (Upscaler, error)
}

// ModelOptions carries everything the engine needs to build a model context.
type ModelOptions struct {
	ModelPath  string
	ClipLPath  string
	ClipGPath  string
	T5XXLPath  string
	VAEPath    string
	TAESDPath  string
	ControlNet string
	VAETiling  bool
	Threads    int
	Schedule   Schedule
	MainGPU    int

	TextEncoder   Residency
	LatentDecoder Residency
	ControlNetRes Residency
}

// UpscalerOptions carries the upscaler model location and device selection.
type UpscalerOptions struct {
	ModelPath string
	Threads   int
	MainGPU   int
}

// Model is a loaded diffusion model. It is not safe for concurrent use.
type Model interface {
	DefaultSampleMethod() SampleMethod
	DefaultSampleSteps() int
	DefaultCFGScale() float32

	// ApplyLoras blends the adapters into the current weights.
	ApplyLoras(adapters []LoraAdapter) error

	// StartStream begins a sampling stream. It returns an error and no
	// stream when the engine rejects the request.
	StartStream(req StreamRequest) (EngineStream, error)

	// Free releases the model. Calling it more than once is a no-op.
	Free()
}

// StreamRequest is a fully resolved request as handed to the engine.
type StreamRequest struct {
	Prompt         string
	NegativePrompt string
	ClipSkip       int
	CFGScale       float32
	Guidance       float32
	Width          int
	Height         int
	Method         SampleMethod
	Steps          int
	Seed           int64

	// Conditioning is TextToImage or ImageToImage. Strength is only
	// meaningful for ImageToImage and is zero otherwise.
	Conditioning    Conditioning
	Strength        float32
	ControlStrength float32
}

// EngineStream is an in-progress sampling run inside the engine.
type EngineStream interface {
	// Sample runs one step and reports whether more steps remain.
	Sample() bool
	SampledSteps() int
	Steps() int
	// Image decodes the current latent. It returns nil when no image is available.
	Image() *Image
	// Free releases the engine's working buffers. Calling it more than once is a no-op.
	Free()
}

// Upscaler is a loaded super-resolution model.
type Upscaler interface {
	// Upscale returns a new buffer factor times larger on each axis, or nil
	// when the pass fails. The input is not released.
	Upscale(img *Image, factor int) *Image
	Free()
}

// checkModelFile reports ErrModelNotFound for a configured path that does
// not exist. An empty path is an unset optional component.
func checkModelFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrModelNotFound, path)
	} else if err != nil {
		return fmt.Errorf("unable to access %s: %w", path, err)
	}
	return nil
}
