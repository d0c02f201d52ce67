//go:build !sd || !cgo || stub

// Stub engine for builds without stable-diffusion.cpp.
// Build with: go build -tags stub
// Or simply build without the "sd" tag: go build

package sdruntime

import "fmt"

// BackendName identifies the compiled-in engine.
const BackendName = "stub"

type stubEngine struct{}

// NewEngine returns an engine that validates model paths and then reports
// ErrBackendUnavailable, so configuration mistakes still surface first.
func NewEngine() Engine {
	return stubEngine{}
}

func (stubEngine) LoadModel(opts ModelOptions) (Model, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("%w: no model path", ErrModelNotFound)
	}
	for _, p := range []string{opts.ModelPath, opts.ClipLPath, opts.ClipGPath, opts.T5XXLPath,
		opts.VAEPath, opts.TAESDPath, opts.ControlNet} {
		if err := checkModelFile(p); err != nil {
			return nil, err
		}
	}
	return nil, ErrBackendUnavailable
}

func (stubEngine) LoadUpscaler(opts UpscalerOptions) (Upscaler, error) {
	if err := checkModelFile(opts.ModelPath); err != nil {
		return nil, err
	}
	return nil, ErrBackendUnavailable
}
