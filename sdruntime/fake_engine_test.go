package sdruntime

import (
	"errors"
	"sync"
)

// fakeEngine is an in-memory Engine. It records every call so tests can
// assert ownership and release order.
type fakeEngine struct {
	mu sync.Mutex

	modelErr    error
	upscalerErr error

	// upscaleFailPass makes the Nth upscale call (1-based) fail. Zero never fails.
	upscaleFailPass int
	applyErr        error
	startErr        error
	nilImage        bool

	defaultMethod SampleMethod
	defaultSteps  int
	defaultCFG    float32

	models    []*fakeModel
	upscalers []*fakeUpscaler
	frees     []string
	buffers   *bufferTracker
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		defaultMethod: SampleEuler,
		defaultSteps:  DefaultSteps,
		defaultCFG:    7.0,
		buffers:       &bufferTracker{},
	}
}

func (e *fakeEngine) LoadModel(opts ModelOptions) (Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.modelErr != nil {
		return nil, e.modelErr
	}
	m := &fakeModel{engine: e, opts: opts}
	e.models = append(e.models, m)
	return m, nil
}

func (e *fakeEngine) LoadUpscaler(opts UpscalerOptions) (Upscaler, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.upscalerErr != nil {
		return nil, e.upscalerErr
	}
	u := &fakeUpscaler{engine: e, opts: opts}
	e.upscalers = append(e.upscalers, u)
	return u, nil
}

func (e *fakeEngine) recordFree(what string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frees = append(e.frees, what)
}

func (e *fakeEngine) freeOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.frees))
	copy(out, e.frees)
	return out
}

func (e *fakeEngine) lastModel() *fakeModel {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.models) == 0 {
		return nil
	}
	return e.models[len(e.models)-1]
}

// bufferTracker counts engine-owned image buffers that are still alive.
type bufferTracker struct {
	mu        sync.Mutex
	allocated int
	freed     int
}

func (b *bufferTracker) alloc(width, height, channel int) *Image {
	b.mu.Lock()
	b.allocated++
	b.mu.Unlock()
	pix := make([]byte, width*height*channel)
	for i := range pix {
		pix[i] = byte(i % 251)
	}
	img := &Image{Width: width, Height: height, Channel: channel, Pix: pix}
	img.free = func() {
		b.mu.Lock()
		b.freed++
		b.mu.Unlock()
	}
	return img
}

func (b *bufferTracker) live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated - b.freed
}

type fakeModel struct {
	engine *fakeEngine
	opts   ModelOptions

	mu       sync.Mutex
	freed    int
	applied  [][]LoraAdapter
	requests []StreamRequest
	streams  []*fakeStream
}

func (m *fakeModel) DefaultSampleMethod() SampleMethod { return m.engine.defaultMethod }
func (m *fakeModel) DefaultSampleSteps() int           { return m.engine.defaultSteps }
func (m *fakeModel) DefaultCFGScale() float32          { return m.engine.defaultCFG }

func (m *fakeModel) ApplyLoras(adapters []LoraAdapter) error {
	if m.engine.applyErr != nil {
		return m.engine.applyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, append([]LoraAdapter(nil), adapters...))
	return nil
}

func (m *fakeModel) StartStream(req StreamRequest) (EngineStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.engine.startErr != nil {
		return nil, m.engine.startErr
	}
	s := &fakeStream{model: m, steps: req.Steps, width: req.Width, height: req.Height}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeModel) Free() {
	m.mu.Lock()
	m.freed++
	first := m.freed == 1
	m.mu.Unlock()
	if first {
		m.engine.recordFree("model")
	}
}

func (m *fakeModel) lastRequest() StreamRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return StreamRequest{}
	}
	return m.requests[len(m.requests)-1]
}

type fakeStream struct {
	model  *fakeModel
	steps  int
	width  int
	height int

	sampled     int
	sampleCalls int
	freed       int
}

func (s *fakeStream) Sample() bool {
	s.sampleCalls++
	if s.sampled < s.steps {
		s.sampled++
	}
	return s.sampled < s.steps
}

func (s *fakeStream) SampledSteps() int { return s.sampled }
func (s *fakeStream) Steps() int        { return s.steps }

func (s *fakeStream) Image() *Image {
	if s.model.engine.nilImage {
		return nil
	}
	return s.model.engine.buffers.alloc(s.width, s.height, 3)
}

func (s *fakeStream) Free() { s.freed++ }

type fakeUpscaler struct {
	engine *fakeEngine
	opts   UpscalerOptions

	mu    sync.Mutex
	calls int
	freed int
}

func (u *fakeUpscaler) Upscale(img *Image, factor int) *Image {
	u.mu.Lock()
	u.calls++
	pass := u.calls
	u.mu.Unlock()
	if u.engine.upscaleFailPass == pass || !img.Valid() {
		return nil
	}
	return u.engine.buffers.alloc(img.Width*factor, img.Height*factor, img.Channel)
}

func (u *fakeUpscaler) Free() {
	u.mu.Lock()
	u.freed++
	first := u.freed == 1
	u.mu.Unlock()
	if first {
		u.engine.recordFree("upscaler")
	}
}

// failingEncoder always fails, or returns no bytes when empty is set.
type failingEncoder struct {
	empty bool
}

var errEncoderBroken = errors.New("encoder broken")

func (f failingEncoder) Encode(*Image) ([]byte, error) {
	if f.empty {
		return nil, nil
	}
	return nil, errEncoderBroken
}

func testConfig() GenerationConfig {
	cfg := DefaultGenerationConfig()
	cfg.ModelPath = "/models/sd-v1-5.gguf"
	cfg.ModelAlias = "sd-v1-5"
	return cfg
}

func upscalerConfig(repeats int) GenerationConfig {
	cfg := testConfig()
	cfg.UpscaleModelPath = "/models/realesrgan-x4.gguf"
	cfg.UpscaleRepeats = repeats
	return cfg
}
