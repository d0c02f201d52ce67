//go:build sd && cgo && !stub

// CGo bindings to the stable-diffusion.cpp streaming API shipped with llama-box.
//
// Build Requirements:
// - stable-diffusion.cpp (llama-box fork with sd_sampling_stream_*) under deps/
// - libstable-diffusion in lib/ or on the system library path
//
// Build Tags:
// - sd: selects this file; without it the stub engine is compiled
// - stub: forces the stub even when sd is set
//
//	CGO_ENABLED=1 go build -tags sd .

package sdruntime

/*
#cgo CFLAGS: -I${SRCDIR}/../deps/stable-diffusion.cpp
#cgo CXXFLAGS: -std=c++17 -I${SRCDIR}/../deps/stable-diffusion.cpp
#cgo LDFLAGS: -L${SRCDIR}/../lib -lstable-diffusion -lm -lstdc++
#cgo linux LDFLAGS: -Wl,-rpath,${SRCDIR}/../lib

#include <stdlib.h>
#include <stdbool.h>
#include <stdint.h>

// Forward declarations; these must match stable-diffusion.h.

typedef struct sd_ctx_t sd_ctx_t;
typedef struct upscaler_ctx_t upscaler_ctx_t;
typedef struct sd_sampling_stream_t sd_sampling_stream_t;

typedef struct {
    uint32_t width;
    uint32_t height;
    uint32_t channel;
    uint8_t * data;
} sd_image_t;

typedef struct {
    const char * path;
    float scale;
} sd_lora_adapter_container_t;

extern sd_ctx_t * new_sd_ctx(const char * model_path, const char * clip_l_path, const char * clip_g_path,
                             const char * t5xxl_path, const char * diffusion_model_path, const char * vae_path,
                             const char * taesd_path, const char * control_net_path, const char * lora_model_dir,
                             const char * embed_dir, const char * stacked_id_embed_dir, bool vae_decode_only,
                             bool vae_tiling, bool free_params_immediately, int n_threads, int wtype, int rng_type,
                             int schedule, bool keep_clip_on_cpu, bool keep_control_net_cpu, bool keep_vae_on_cpu,
                             int main_gpu);
extern void sd_ctx_free(sd_ctx_t * ctx);

extern int sd_get_default_sample_method(const sd_ctx_t * ctx);
extern int sd_get_default_sample_steps(const sd_ctx_t * ctx);
extern float sd_get_default_cfg_scale(const sd_ctx_t * ctx);

extern sd_sampling_stream_t * txt2img_stream(sd_ctx_t * ctx, const char * prompt, const char * negative_prompt,
                                             int clip_skip, float cfg_scale, float guidance, int width, int height,
                                             int sample_method, int sample_steps, int64_t seed,
                                             const sd_image_t * control_cond, float control_strength);
extern sd_sampling_stream_t * img2img_stream(sd_ctx_t * ctx, sd_image_t init_image, const char * prompt,
                                             const char * negative_prompt, int clip_skip, float cfg_scale,
                                             float guidance, int width, int height, int sample_method,
                                             int sample_steps, float strength, int64_t seed,
                                             const sd_image_t * control_cond, float control_strength);
extern bool sd_sampling_stream_sample(sd_ctx_t * ctx, sd_sampling_stream_t * stream);
extern int sd_sampling_stream_sampled_steps(sd_sampling_stream_t * stream);
extern int sd_sampling_stream_steps(sd_sampling_stream_t * stream);
extern sd_image_t sd_samping_stream_get_image(sd_ctx_t * ctx, sd_sampling_stream_t * stream);
extern void sd_sampling_stream_free(sd_sampling_stream_t * stream);

extern upscaler_ctx_t * new_upscaler_ctx(const char * esrgan_path, int n_threads, int wtype, int main_gpu);
extern void upscaler_ctx_free(upscaler_ctx_t * ctx);
extern sd_image_t upscale(upscaler_ctx_t * ctx, sd_image_t input_image, uint32_t upscale_factor);

// Implemented in sd_shim.cpp.
extern int llama_box_sd_wtype_auto(void);
extern int llama_box_sd_rng_cuda(void);
extern bool llama_box_sd_lora_adapters_apply(sd_ctx_t * ctx, const sd_lora_adapter_container_t * adapters, size_t n);
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// BackendName identifies the compiled-in engine.
const BackendName = "stable-diffusion.cpp"

type cgoEngine struct{}

// NewEngine returns the stable-diffusion.cpp engine.
func NewEngine() Engine {
	return cgoEngine{}
}

// cStrings converts values to C strings for the engine. An unset optional
// path is passed as "" and never as NULL: the engine copies every path
// argument into a std::string. The returned func frees them all.
func cStrings(values ...string) ([]*C.char, func()) {
	out := make([]*C.char, len(values))
	for i, v := range values {
		out[i] = C.CString(v)
	}
	return out, func() {
		for _, p := range out {
			C.free(unsafe.Pointer(p))
		}
	}
}

func (cgoEngine) LoadModel(opts ModelOptions) (Model, error) {
	for _, p := range []string{opts.ModelPath, opts.ClipLPath, opts.ClipGPath, opts.T5XXLPath,
		opts.VAEPath, opts.TAESDPath, opts.ControlNet} {
		if err := checkModelFile(p); err != nil {
			return nil, err
		}
	}

	paths, free := cStrings(opts.ModelPath, opts.ClipLPath, opts.ClipGPath,
		opts.T5XXLPath, opts.VAEPath, opts.TAESDPath, opts.ControlNet, "")
	defer free()
	empty := paths[7]

	// The engine's flags read "keep on CPU"; deferred residency maps to true.
	ptr := C.new_sd_ctx(
		paths[0], paths[1], paths[2], paths[3],
		empty, // diffusion model
		paths[4], paths[5], paths[6],
		empty, empty, empty, // lora dir, embeddings, stacked id embeddings
		C.bool(false), // vae_decode_only
		C.bool(opts.VAETiling),
		C.bool(false), // free_params_immediately: streams reuse the weights
		C.int(opts.Threads),
		C.llama_box_sd_wtype_auto(),
		C.llama_box_sd_rng_cuda(),
		C.int(opts.Schedule),
		C.bool(opts.TextEncoder == ResidencyDeferLoad),
		C.bool(opts.ControlNetRes == ResidencyDeferLoad),
		C.bool(opts.LatentDecoder == ResidencyDeferLoad),
		C.int(opts.MainGPU),
	)
	if ptr == nil {
		return nil, fmt.Errorf("new_sd_ctx returned null for %s", opts.ModelPath)
	}

	m := &sdModel{ptr: ptr}
	runtime.SetFinalizer(m, func(m *sdModel) { m.Free() })
	return m, nil
}

func (cgoEngine) LoadUpscaler(opts UpscalerOptions) (Upscaler, error) {
	if err := checkModelFile(opts.ModelPath); err != nil {
		return nil, err
	}
	cPath := C.CString(opts.ModelPath)
	defer C.free(unsafe.Pointer(cPath))

	ptr := C.new_upscaler_ctx(cPath, C.int(opts.Threads), C.llama_box_sd_wtype_auto(), C.int(opts.MainGPU))
	if ptr == nil {
		return nil, fmt.Errorf("new_upscaler_ctx returned null for %s", opts.ModelPath)
	}
	u := &sdUpscaler{ptr: ptr}
	runtime.SetFinalizer(u, func(u *sdUpscaler) { u.Free() })
	return u, nil
}

// sdModel wraps sd_ctx_t with exactly-once release.
type sdModel struct {
	mu  sync.Mutex
	ptr *C.sd_ctx_t
}

func (m *sdModel) DefaultSampleMethod() SampleMethod {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr == nil {
		return SampleEulerA
	}
	return SampleMethod(C.sd_get_default_sample_method(m.ptr))
}

func (m *sdModel) DefaultSampleSteps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr == nil {
		return DefaultSteps
	}
	return int(C.sd_get_default_sample_steps(m.ptr))
}

func (m *sdModel) DefaultCFGScale() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr == nil {
		return DefaultCFGScale
	}
	return float32(C.sd_get_default_cfg_scale(m.ptr))
}

func (m *sdModel) ApplyLoras(adapters []LoraAdapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr == nil {
		return ErrContextClosed
	}
	if len(adapters) == 0 {
		return nil
	}

	n := len(adapters)
	arr := (*C.sd_lora_adapter_container_t)(C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(C.sd_lora_adapter_container_t{}))))
	defer C.free(unsafe.Pointer(arr))
	items := unsafe.Slice(arr, n)
	for i, la := range adapters {
		items[i].path = C.CString(la.Path)
		items[i].scale = C.float(la.Scale)
	}
	defer func() {
		for i := range items {
			C.free(unsafe.Pointer(items[i].path))
		}
	}()

	if !C.llama_box_sd_lora_adapters_apply(m.ptr, arr, C.size_t(n)) {
		return fmt.Errorf("engine rejected %d adapter(s)", n)
	}
	return nil
}

func (m *sdModel) StartStream(req StreamRequest) (EngineStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr == nil {
		return nil, ErrContextClosed
	}

	cPrompt := C.CString(req.Prompt)
	defer C.free(unsafe.Pointer(cPrompt))
	cNegative := C.CString(req.NegativePrompt)
	defer C.free(unsafe.Pointer(cNegative))

	// Engine copies what it needs from the images during stream creation;
	// the C copies below live only for this call.
	var control *C.sd_image_t
	if img := req.Conditioning.Control(); img != nil {
		c, free := toCImage(img)
		defer free()
		control = &c
	}

	var ptr *C.sd_sampling_stream_t
	switch cond := req.Conditioning.(type) {
	case ImageToImage:
		initImg, free := toCImage(cond.Init)
		defer free()
		ptr = C.img2img_stream(m.ptr, initImg, cPrompt, cNegative,
			C.int(req.ClipSkip), C.float(req.CFGScale), C.float(req.Guidance),
			C.int(req.Width), C.int(req.Height), C.int(req.Method), C.int(req.Steps),
			C.float(req.Strength), C.int64_t(req.Seed), control, C.float(req.ControlStrength))
	default:
		ptr = C.txt2img_stream(m.ptr, cPrompt, cNegative,
			C.int(req.ClipSkip), C.float(req.CFGScale), C.float(req.Guidance),
			C.int(req.Width), C.int(req.Height), C.int(req.Method), C.int(req.Steps),
			C.int64_t(req.Seed), control, C.float(req.ControlStrength))
	}
	if ptr == nil {
		return nil, fmt.Errorf("engine returned no stream")
	}
	s := &sdStream{model: m, ptr: ptr}
	runtime.SetFinalizer(s, func(s *sdStream) { s.Free() })
	return s, nil
}

func (m *sdModel) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ptr != nil {
		C.sd_ctx_free(m.ptr)
		m.ptr = nil
	}
}

// sdStream wraps sd_sampling_stream_t.
type sdStream struct {
	mu    sync.Mutex
	model *sdModel
	ptr   *C.sd_sampling_stream_t
}

func (s *sdStream) Sample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptr == nil {
		return false
	}
	s.model.mu.Lock()
	defer s.model.mu.Unlock()
	if s.model.ptr == nil {
		return false
	}
	return bool(C.sd_sampling_stream_sample(s.model.ptr, s.ptr))
}

func (s *sdStream) SampledSteps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptr == nil {
		return 0
	}
	return int(C.sd_sampling_stream_sampled_steps(s.ptr))
}

func (s *sdStream) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptr == nil {
		return 0
	}
	return int(C.sd_sampling_stream_steps(s.ptr))
}

func (s *sdStream) Image() *Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptr == nil {
		return nil
	}
	s.model.mu.Lock()
	defer s.model.mu.Unlock()
	if s.model.ptr == nil {
		return nil
	}
	return fromCImage(C.sd_samping_stream_get_image(s.model.ptr, s.ptr))
}

func (s *sdStream) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptr != nil {
		C.sd_sampling_stream_free(s.ptr)
		s.ptr = nil
	}
}

// sdUpscaler wraps upscaler_ctx_t.
type sdUpscaler struct {
	mu  sync.Mutex
	ptr *C.upscaler_ctx_t
}

func (u *sdUpscaler) Upscale(img *Image, factor int) *Image {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ptr == nil || !img.Valid() {
		return nil
	}
	in, free := toCImage(img)
	defer free()
	return fromCImage(C.upscale(u.ptr, in, C.uint32_t(factor)))
}

func (u *sdUpscaler) Free() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ptr != nil {
		C.upscaler_ctx_free(u.ptr)
		u.ptr = nil
	}
}

// toCImage copies img into C memory. The returned func frees the copy.
func toCImage(img *Image) (C.sd_image_t, func()) {
	data := C.CBytes(img.Pix)
	return C.sd_image_t{
		width:   C.uint32_t(img.Width),
		height:  C.uint32_t(img.Height),
		channel: C.uint32_t(img.Channel),
		data:    (*C.uint8_t)(data),
	}, func() { C.free(data) }
}

// fromCImage wraps engine-allocated pixels without copying; Release frees them.
func fromCImage(c C.sd_image_t) *Image {
	if c.data == nil {
		return nil
	}
	n := int(c.width) * int(c.height) * int(c.channel)
	ptr := unsafe.Pointer(c.data)
	return &Image{
		Width:   int(c.width),
		Height:  int(c.height),
		Channel: int(c.channel),
		Pix:     unsafe.Slice((*byte)(ptr), n),
		free:    func() { C.free(ptr) },
	}
}
