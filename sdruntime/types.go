package sdruntime

import (
	"fmt"
	"strings"
)

// SampleMethod is the sampling algorithm used by the diffusion engine.
// The numeric values match the engine's sample_method_t.
type SampleMethod int

const (
	SampleEulerA SampleMethod = iota
	SampleEuler
	SampleHeun
	SampleDPM2
	SampleDPMPP2SA
	SampleDPMPP2M
	SampleDPMPP2Mv2
	SampleIPNDM
	SampleIPNDMV
	SampleLCM

	// SampleMethodDefault asks the loaded model for its preferred method.
	SampleMethodDefault
)

var sampleMethodNames = []string{
	"euler_a",
	"euler",
	"heun",
	"dpm2",
	"dpm++2s_a",
	"dpm++2m",
	"dpm++2mv2",
	"ipndm",
	"ipndm_v",
	"lcm",
	"default",
}

// String returns the engine-facing name of the sample method.
func (m SampleMethod) String() string {
	if int(m) < 0 || int(m) >= len(sampleMethodNames) {
		return "unknown"
	}
	return sampleMethodNames[m]
}

// ParseSampleMethod converts a name such as "euler_a" or "dpm++2m" to a SampleMethod.
// An empty string resolves to SampleMethodDefault.
func ParseSampleMethod(s string) (SampleMethod, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return SampleMethodDefault, nil
	}
	for i, n := range sampleMethodNames {
		if n == name {
			return SampleMethod(i), nil
		}
	}
	return SampleMethodDefault, fmt.Errorf("%w: unknown sample method %q", ErrInvalidParams, s)
}

// Schedule is the noise schedule selection. Values match the engine's schedule_t.
type Schedule int

const (
	ScheduleDefault Schedule = iota
	ScheduleDiscrete
	ScheduleKarras
	ScheduleExponential
	ScheduleAYS
	ScheduleGITS
)

var scheduleNames = []string{"default", "discrete", "karras", "exponential", "ays", "gits"}

func (s Schedule) String() string {
	if int(s) < 0 || int(s) >= len(scheduleNames) {
		return "unknown"
	}
	return scheduleNames[s]
}

// ParseSchedule converts a schedule name to a Schedule.
func ParseSchedule(s string) (Schedule, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return ScheduleDefault, nil
	}
	for i, n := range scheduleNames {
		if n == name {
			return Schedule(i), nil
		}
	}
	return ScheduleDefault, fmt.Errorf("%w: unknown schedule %q", ErrInvalidParams, s)
}

// Residency states where a subsystem's weights live between uses.
type Residency int

const (
	// ResidencyDeferLoad keeps the weights off the primary compute device
	// until they are needed, trading latency for peak memory.
	ResidencyDeferLoad Residency = iota
	// ResidencyKeepResident keeps the weights on the primary device.
	ResidencyKeepResident
)

func (r Residency) String() string {
	if r == ResidencyKeepResident {
		return "keep_resident"
	}
	return "defer_load"
}

// LoraAdapter is a weight adapter file and the scale it is blended at.
type LoraAdapter struct {
	Path  string  `yaml:"path" json:"path"`
	Scale float32 `yaml:"scale" json:"scale"`
}

// Image is a raw, packed pixel buffer as produced or consumed by the engine.
// Pix holds Height rows of Width*Channel bytes.
type Image struct {
	Width   int
	Height  int
	Channel int
	Pix     []byte

	// free returns engine-owned memory. Nil for Go-owned buffers.
	free func()
}

// NewImage wraps a Go-owned RGB buffer. The buffer is not copied.
func NewImage(width, height int, pix []byte) *Image {
	return &Image{Width: width, Height: height, Channel: 3, Pix: pix}
}

// Valid reports whether the buffer is large enough for the declared geometry.
func (img *Image) Valid() bool {
	if img == nil || img.Width <= 0 || img.Height <= 0 || img.Channel <= 0 {
		return false
	}
	return len(img.Pix) >= img.Width*img.Height*img.Channel
}

// Release frees engine-owned pixel memory. It is safe to call more than once
// and on a nil image.
func (img *Image) Release() {
	if img == nil {
		return
	}
	if img.free != nil {
		img.free()
		img.free = nil
	}
	img.Pix = nil
}

// clone returns a Go-owned deep copy of img.
func (img *Image) clone() *Image {
	if img == nil {
		return nil
	}
	pix := make([]byte, len(img.Pix))
	copy(pix, img.Pix)
	return &Image{Width: img.Width, Height: img.Height, Channel: img.Channel, Pix: pix}
}

// SamplerParams are the per-request sampling parameters.
type SamplerParams struct {
	// Seed of the noise generator. Negative picks a random seed.
	Seed int64

	Width  int
	Height int

	// Method is the sampling algorithm. SampleMethodDefault asks the model.
	Method SampleMethod
	// CFGScale of zero asks the model for its default.
	CFGScale float32
	// Steps of zero asks the model for its default.
	Steps int

	NegativePrompt string

	// InitImage switches the request to image-to-image generation.
	InitImage *Image
	// ControlImage steers generation through the control network.
	ControlImage *Image

	// Stream marks a request whose caller wants per-step progress.
	Stream bool
}

// Default sampler values applied when a request leaves them unset.
const (
	DefaultSeed     int64   = -1
	DefaultWidth            = 512
	DefaultHeight           = 512
	DefaultCFGScale float32 = 9.0
	DefaultSteps            = 20
)

// DefaultSamplerParams returns the sampler parameters used when a request
// specifies nothing.
func DefaultSamplerParams() SamplerParams {
	return SamplerParams{
		Seed:     DefaultSeed,
		Width:    DefaultWidth,
		Height:   DefaultHeight,
		Method:   SampleEulerA,
		CFGScale: DefaultCFGScale,
		Steps:    DefaultSteps,
	}
}

// Conditioning is the generation mode, resolved once when a stream is created.
// It is either TextToImage or ImageToImage.
type Conditioning interface {
	// Control returns the control image, or nil when none was supplied.
	Control() *Image
	mode() string
}

// TextToImage is unconditioned generation from the prompt alone.
type TextToImage struct {
	ControlImage *Image
}

func (c TextToImage) Control() *Image { return c.ControlImage }
func (TextToImage) mode() string      { return "txt2img" }

// ImageToImage is generation conditioned on an initial image.
type ImageToImage struct {
	Init         *Image
	ControlImage *Image
}

func (c ImageToImage) Control() *Image { return c.ControlImage }
func (ImageToImage) mode() string      { return "img2img" }

// ModeName returns "txt2img" or "img2img" for the given conditioning.
func ModeName(c Conditioning) string {
	if c == nil {
		return ""
	}
	return c.mode()
}

// conditioningFor selects the generation mode from the presence of an
// initial image. Buffers are copied so callers may reuse theirs immediately.
func conditioningFor(params SamplerParams) Conditioning {
	control := params.ControlImage.clone()
	if params.InitImage != nil {
		return ImageToImage{Init: params.InitImage.clone(), ControlImage: control}
	}
	return TextToImage{ControlImage: control}
}

// GeneratedImage is the encoded artifact handed to the caller.
// The zero value is the empty sentinel that signals failure.
type GeneratedImage struct {
	Data []byte
}

// Empty reports whether g is the failure sentinel.
func (g GeneratedImage) Empty() bool {
	return len(g.Data) == 0
}

// Len returns the encoded size in bytes.
func (g GeneratedImage) Len() int {
	return len(g.Data)
}
