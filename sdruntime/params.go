package sdruntime

import "fmt"

// Request validation constants. The serving layer uses them to bound
// requests; the runtime itself only requires positive values.
const (
	MinImageSize      = 64
	ImageSizeMultiple = 8

	MaxSteps = 150

	MaxPromptLength = 4096
)

// clipSkipFull disables "skip last N layers": conditioning always runs the
// text encoder to full depth.
const clipSkipFull = -1

// defaultsSource is the part of Model the resolver consults.
type defaultsSource interface {
	DefaultSampleMethod() SampleMethod
	DefaultSampleSteps() int
	DefaultCFGScale() float32
}

// ResolveParams fills unspecified sampler fields. Each field is taken from
// the request, then the configuration, then the model's own default.
// A negative seed becomes a random one.
func ResolveParams(params SamplerParams, cfg GenerationConfig, model defaultsSource) SamplerParams {
	if params.Method == SampleMethodDefault || params.Method < 0 {
		params.Method = cfg.SampleMethod
		if params.Method == SampleMethodDefault && model != nil {
			params.Method = model.DefaultSampleMethod()
		}
	}
	if params.Steps <= 0 {
		params.Steps = cfg.SampleSteps
		if params.Steps <= 0 && model != nil {
			params.Steps = model.DefaultSampleSteps()
		}
	}
	if params.CFGScale <= 0 {
		params.CFGScale = cfg.CFGScale
		if params.CFGScale <= 0 && model != nil {
			params.CFGScale = model.DefaultCFGScale()
		}
	}
	if params.Seed < 0 {
		params.Seed = RandomSeed()
	}
	return params
}

// ValidateSamplerParams checks a resolved request.
func ValidateSamplerParams(p SamplerParams) error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d must be positive", ErrInvalidParams, p.Width, p.Height)
	}
	if p.Steps < 1 {
		return fmt.Errorf("%w: steps %d must be at least 1", ErrInvalidParams, p.Steps)
	}
	if p.Method < 0 || p.Method >= SampleMethodDefault {
		return fmt.Errorf("%w: sample method %d is not concrete", ErrInvalidParams, p.Method)
	}
	if p.CFGScale < 0 {
		return fmt.Errorf("%w: cfg scale %.2f must not be negative", ErrInvalidParams, p.CFGScale)
	}
	if len(p.NegativePrompt) > MaxPromptLength {
		return fmt.Errorf("%w: negative prompt length %d exceeds maximum %d",
			ErrInvalidParams, len(p.NegativePrompt), MaxPromptLength)
	}
	buffers := []struct {
		name string
		img  *Image
	}{
		{"init", p.InitImage},
		{"control", p.ControlImage},
	}
	for _, buf := range buffers {
		name, img := buf.name, buf.img
		if img == nil {
			continue
		}
		if !img.Valid() {
			return fmt.Errorf("%w: %s image buffer is malformed", ErrInvalidParams, name)
		}
		if img.Width != p.Width || img.Height != p.Height {
			return fmt.Errorf("%w: %s image is %dx%d, request is %dx%d",
				ErrInvalidParams, name, img.Width, img.Height, p.Width, p.Height)
		}
	}
	return nil
}

// ValidateRequestBounds checks a request against the configured maxima.
// The runtime does not call this; it is for the serving layer.
func ValidateRequestBounds(p SamplerParams, cfg GenerationConfig) error {
	if p.Width < MinImageSize || p.Width > cfg.MaxWidth {
		return fmt.Errorf("%w: width %d must be between %d and %d",
			ErrInvalidParams, p.Width, MinImageSize, cfg.MaxWidth)
	}
	if p.Height < MinImageSize || p.Height > cfg.MaxHeight {
		return fmt.Errorf("%w: height %d must be between %d and %d",
			ErrInvalidParams, p.Height, MinImageSize, cfg.MaxHeight)
	}
	if p.Width%ImageSizeMultiple != 0 || p.Height%ImageSizeMultiple != 0 {
		return fmt.Errorf("%w: size %dx%d must be divisible by %d",
			ErrInvalidParams, p.Width, p.Height, ImageSizeMultiple)
	}
	if p.Steps > MaxSteps {
		return fmt.Errorf("%w: steps %d exceeds maximum %d", ErrInvalidParams, p.Steps, MaxSteps)
	}
	return nil
}
