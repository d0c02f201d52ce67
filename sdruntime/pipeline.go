package sdruntime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/linyinli/llama-box/logging"
)

// PostProcess upscales img when an upscaler is loaded and encodes the
// result. It takes ownership of img and releases it.
//
// Each upscale pass multiplies both dimensions by UpscaleFactor and
// releases its input once the output exists. A failed pass ends the loop
// with a warning; the last good buffer is encoded. Only an encoding
// failure fails the call, returning the empty GeneratedImage.
func (c *Context) PostProcess(img *Image) (GeneratedImage, error) {
	if err := c.slot.Acquire(context.Background(), 1); err != nil {
		img.Release()
		return GeneratedImage{}, err
	}
	defer c.slot.Release(1)
	out, _, err := c.postProcess(img)
	return out, err
}

// postProcess runs the pipeline. The caller holds the stream slot.
// It also returns the number of upscale passes that succeeded.
func (c *Context) postProcess(img *Image) (GeneratedImage, int, error) {
	if !img.Valid() {
		img.Release()
		return GeneratedImage{}, 0, ErrEmptyResult
	}
	start := time.Now()

	c.mu.Lock()
	upscaler := c.upscaler
	c.mu.Unlock()

	passes := 0
	if upscaler != nil && c.cfg.UpscaleRepeats > 0 {
		for u := 0; u < c.cfg.UpscaleRepeats; u++ {
			upscaled := upscaler.Upscale(img, UpscaleFactor)
			if !upscaled.Valid() {
				upscaled.Release()
				c.logger.Warn("failed to upscale image",
					zap.Int("pass", u+1),
					zap.Int("repeats", c.cfg.UpscaleRepeats),
					zap.Int("width", img.Width),
					zap.Int("height", img.Height))
				break
			}
			img.Release()
			img = upscaled
			passes++
		}
	}
	defer img.Release()

	data, err := c.encoder.Encode(img)
	if err != nil || len(data) == 0 {
		c.logger.Error("failed to encode image", zap.Int("upscale_passes", passes), zap.Error(err))
		if err == nil {
			return GeneratedImage{}, passes, ErrEncodeFailed
		}
		return GeneratedImage{}, passes, fmt.Errorf("%w: %w", ErrEncodeFailed, err)
	}

	c.logger.Debug("image post-processed", logging.PostProcess(logging.PostProcessFields{
		UpscalePasses:    passes,
		UpscaleRequested: c.cfg.UpscaleRepeats,
		Width:            img.Width,
		Height:           img.Height,
		EncodedBytes:     len(data),
		Duration:         time.Since(start),
	}))
	return GeneratedImage{Data: data}, passes, nil
}
