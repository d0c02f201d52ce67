package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationFields describes one image generation for structured logs.
// It carries only primitives so any package can fill it in.
type GenerationFields struct {
	RequestID string
	Mode      string // txt2img or img2img
	Width     int
	Height    int
	Steps     int
	Sampler   string
	CFGScale  float32
	Seed      int64
	Control   bool
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (g GenerationFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if g.RequestID != "" {
		enc.AddString("request_id", g.RequestID)
	}
	enc.AddString("mode", g.Mode)
	enc.AddInt("width", g.Width)
	enc.AddInt("height", g.Height)
	enc.AddInt("steps", g.Steps)
	enc.AddString("sampler", g.Sampler)
	enc.AddFloat32("cfg_scale", g.CFGScale)
	enc.AddInt64("seed", g.Seed)
	enc.AddBool("control", g.Control)
	return nil
}

// Generation wraps GenerationFields as a "generation" object field.
//
//	logger.Info("stream created", logging.Generation(fields))
func Generation(g GenerationFields) zap.Field {
	return zap.Object("generation", g)
}

// PostProcessFields describes the post-processing outcome of one image.
type PostProcessFields struct {
	UpscalePasses    int
	UpscaleRequested int
	Width            int
	Height           int
	EncodedBytes     int
	Duration         time.Duration
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Duration is
// encoded in milliseconds.
func (p PostProcessFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("upscale_passes", p.UpscalePasses)
	enc.AddInt("upscale_requested", p.UpscaleRequested)
	enc.AddInt("width", p.Width)
	enc.AddInt("height", p.Height)
	enc.AddInt("encoded_bytes", p.EncodedBytes)
	enc.AddInt64("duration_ms", p.Duration.Milliseconds())
	return nil
}

// PostProcess wraps PostProcessFields as a "postprocess" object field.
func PostProcess(p PostProcessFields) zap.Field {
	return zap.Object("postprocess", p)
}

// StepFields returns the fields logged for one sampling step.
func StepFields(completed, total int, elapsed time.Duration) []zap.Field {
	return []zap.Field{
		zap.Int("completed_steps", completed),
		zap.Int("total_steps", total),
		zap.Duration("elapsed", elapsed),
	}
}
