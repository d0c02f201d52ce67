package sdruntime

import "errors"

// Sentinel errors for SD runtime operations.
// Callers match them with errors.Is; wrapped variants carry the detail.
var (
	// Model-related errors
	ErrModelNotFound      = errors.New("sdruntime: model file not found")
	ErrModelLoadFailed    = errors.New("sdruntime: failed to load model")
	ErrUpscalerLoadFailed = errors.New("sdruntime: failed to load upscaler")
	ErrAdapterApplyFailed = errors.New("sdruntime: failed to apply lora adapters")
	ErrBackendUnavailable = errors.New("sdruntime: stable-diffusion backend not compiled in")

	// Stream errors
	ErrStreamCreateFailed = errors.New("sdruntime: failed to create sampling stream")
	ErrStreamNotCompleted = errors.New("sdruntime: sampling stream has not completed")
	ErrStreamExtracted    = errors.New("sdruntime: sampling stream result already extracted")
	ErrEmptyResult        = errors.New("sdruntime: sampling stream produced no image")
	ErrEncodeFailed       = errors.New("sdruntime: failed to encode image")

	// Input validation errors
	ErrInvalidPrompt = errors.New("sdruntime: invalid prompt")
	ErrInvalidParams = errors.New("sdruntime: invalid generation parameters")

	// Lifecycle errors
	ErrContextClosed     = errors.New("sdruntime: context is closed")
	ErrContextPoolClosed = errors.New("sdruntime: context pool is closed")
	ErrAcquireTimeout    = errors.New("sdruntime: timeout acquiring context from pool")
)
