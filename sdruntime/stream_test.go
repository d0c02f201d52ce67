package sdruntime

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestContext(t *testing.T, engine *fakeEngine, cfg GenerationConfig, opts ...Option) *Context {
	t.Helper()
	c, err := NewContext(engine, cfg, zaptest.NewLogger(t), opts...)
	if err != nil {
		t.Fatalf("NewContext() error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func rgbImage(width, height int) *Image {
	pix := make([]byte, width*height*3)
	for i := range pix {
		pix[i] = 0x80
	}
	return NewImage(width, height, pix)
}

func TestStream_AdvanceCountsExactlyNSteps(t *testing.T) {
	for _, steps := range []int{1, 2, 5, 20} {
		engine := newFakeEngine()
		c := newTestContext(t, engine, testConfig())

		params := DefaultSamplerParams()
		params.Steps = steps
		s, err := c.CreateStream(context.Background(), "a lighthouse at dusk", params)
		if err != nil {
			t.Fatalf("steps=%d: CreateStream() error: %v", steps, err)
		}

		for i := 1; i <= steps; i++ {
			more := s.Advance()
			if i < steps && !more {
				t.Fatalf("steps=%d: Advance() #%d = false, want true", steps, i)
			}
			if i == steps && more {
				t.Fatalf("steps=%d: Advance() #%d = true, want false", steps, i)
			}
		}
		if !s.Done() {
			t.Errorf("steps=%d: Done() = false after final Advance", steps)
		}

		// Further calls are no-ops and do not reach the engine.
		if s.Advance() {
			t.Errorf("steps=%d: Advance() after completion = true", steps)
		}
		if calls := engine.lastModel().streams[0].sampleCalls; calls != steps {
			t.Errorf("steps=%d: engine Sample calls = %d, want %d", steps, calls, steps)
		}
		s.Release()
	}
}

func TestStream_RoundTripTextToImage(t *testing.T) {
	engine := newFakeEngine()
	c := newTestContext(t, engine, testConfig())

	params := SamplerParams{Seed: 42, Width: 512, Height: 512, Method: SampleEulerA, CFGScale: 7, Steps: 20}
	s, err := c.CreateStream(context.Background(), "a castle on a hill", params)
	if err != nil {
		t.Fatalf("CreateStream() error: %v", err)
	}
	defer s.Release()

	advances := 0
	for s.Advance() {
		advances++
	}
	advances++
	if advances != 20 {
		t.Errorf("advance calls = %d, want 20", advances)
	}

	img, err := s.Result()
	if err != nil {
		t.Fatalf("Result() error: %v", err)
	}
	defer img.Release()
	if img.Width != 512 || img.Height != 512 {
		t.Errorf("image size = %dx%d, want 512x512", img.Width, img.Height)
	}
	if len(img.Pix) == 0 {
		t.Error("Result() returned an empty buffer")
	}
}

func TestStream_ProgressSurvivesExtraction(t *testing.T) {
	c := newTestContext(t, newFakeEngine(), testConfig())

	params := DefaultSamplerParams()
	params.Steps = 8
	s, err := c.CreateStream(context.Background(), "a koi pond", params)
	if err != nil {
		t.Fatalf("CreateStream() error: %v", err)
	}

	if done, total := s.Progress(); done != 0 || total != 8 {
		t.Errorf("Progress() before sampling = (%d, %d), want (0, 8)", done, total)
	}
	s.Advance()
	s.Advance()
	if done, total := s.Progress(); done != 2 || total != 8 {
		t.Errorf("Progress() mid-sampling = (%d, %d), want (2, 8)", done, total)
	}
	for s.Advance() {
	}

	img, err := s.Result()
	if err != nil {
		t.Fatalf("Result() error: %v", err)
	}
	img.Release()

	for i := 0; i < 2; i++ {
		if done, total := s.Progress(); done != 8 || total != 8 {
			t.Errorf("Progress() after Result = (%d, %d), want (8, 8)", done, total)
		}
	}
	s.Release()
	if done, total := s.Progress(); done != 8 || total != 8 {
		t.Errorf("Progress() after Release = (%d, %d), want (8, 8)", done, total)
	}
}

func TestStream_NilTolerance(t *testing.T) {
	var s *Stream

	if s.Advance() {
		t.Error("nil Advance() = true")
	}
	if done, total := s.Progress(); done != 0 || total != 0 {
		t.Errorf("nil Progress() = (%d, %d), want (0, 0)", done, total)
	}
	if _, err := s.Result(); !errors.Is(err, ErrEmptyResult) {
		t.Errorf("nil Result() error = %v, want ErrEmptyResult", err)
	}
	if s.Done() {
		t.Error("nil Done() = true")
	}
	if s.Conditioning() != nil {
		t.Error("nil Conditioning() != nil")
	}
	s.Release()
}

func TestStream_ResultStateErrors(t *testing.T) {
	engine := newFakeEngine()
	c := newTestContext(t, engine, testConfig())

	params := DefaultSamplerParams()
	params.Steps = 3
	s, err := c.CreateStream(context.Background(), "a paper boat", params)
	if err != nil {
		t.Fatalf("CreateStream() error: %v", err)
	}
	defer s.Release()

	if _, err := s.Result(); !errors.Is(err, ErrStreamNotCompleted) {
		t.Errorf("Result() before sampling error = %v, want ErrStreamNotCompleted", err)
	}
	s.Advance()
	if _, err := s.Result(); !errors.Is(err, ErrStreamNotCompleted) {
		t.Errorf("Result() mid-sampling error = %v, want ErrStreamNotCompleted", err)
	}
	for s.Advance() {
	}

	img, err := s.Result()
	if err != nil {
		t.Fatalf("Result() error: %v", err)
	}
	img.Release()

	if _, err := s.Result(); !errors.Is(err, ErrStreamExtracted) {
		t.Errorf("second Result() error = %v, want ErrStreamExtracted", err)
	}
	if s.Advance() {
		t.Error("Advance() after extraction = true")
	}
	if live := engine.buffers.live(); live != 0 {
		t.Errorf("%d engine buffers still live", live)
	}
}

func TestStream_ResultEmptyImage(t *testing.T) {
	engine := newFakeEngine()
	engine.nilImage = true
	c := newTestContext(t, engine, testConfig())

	params := DefaultSamplerParams()
	params.Steps = 1
	s, err := c.CreateStream(context.Background(), "nothing", params)
	if err != nil {
		t.Fatalf("CreateStream() error: %v", err)
	}
	defer s.Release()
	s.Advance()

	if _, err := s.Result(); !errors.Is(err, ErrEmptyResult) {
		t.Errorf("Result() error = %v, want ErrEmptyResult", err)
	}
}

func TestStream_ReleaseIdempotent(t *testing.T) {
	engine := newFakeEngine()
	c := newTestContext(t, engine, testConfig())

	s, err := c.CreateStream(context.Background(), "a glass sphere", DefaultSamplerParams())
	if err != nil {
		t.Fatalf("CreateStream() error: %v", err)
	}
	s.Advance()

	s.Release()
	s.Release()

	if freed := engine.lastModel().streams[0].freed; freed != 1 {
		t.Errorf("engine stream freed %d times, want 1", freed)
	}
	if s.Advance() {
		t.Error("Advance() after Release = true")
	}
	if _, err := s.Result(); !errors.Is(err, ErrEmptyResult) {
		t.Errorf("Result() after Release error = %v, want ErrEmptyResult", err)
	}

	// The slot is free again after an abandoned stream.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, err := c.CreateStream(ctx, "another", DefaultSamplerParams())
	if err != nil {
		t.Fatalf("CreateStream() after abandon error: %v", err)
	}
	next.Release()
}

func TestStream_BranchSelection(t *testing.T) {
	tests := []struct {
		name         string
		init         bool
		control      bool
		negative     string
		wantMode     string
		wantStrength float32
	}{
		{name: "negative prompt only", negative: "blurry, low quality", wantMode: "txt2img"},
		{name: "control only", control: true, wantMode: "txt2img"},
		{name: "init image", init: true, wantMode: "img2img", wantStrength: 0.6},
		{name: "init and control", init: true, control: true, wantMode: "img2img", wantStrength: 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			cfg := testConfig()
			cfg.Strength = 0.6
			cfg.ControlStrength = 0.4
			c := newTestContext(t, engine, cfg)

			params := DefaultSamplerParams()
			params.Width, params.Height = 64, 64
			params.NegativePrompt = tt.negative
			if tt.init {
				params.InitImage = rgbImage(64, 64)
			}
			if tt.control {
				params.ControlImage = rgbImage(64, 64)
			}

			s, err := c.CreateStream(context.Background(), "a mountain lake", params)
			if err != nil {
				t.Fatalf("CreateStream() error: %v", err)
			}
			defer s.Release()

			if got := ModeName(s.Conditioning()); got != tt.wantMode {
				t.Errorf("mode = %q, want %q", got, tt.wantMode)
			}

			req := engine.lastModel().lastRequest()
			if req.Strength != tt.wantStrength {
				t.Errorf("request strength = %v, want %v", req.Strength, tt.wantStrength)
			}
			if req.ControlStrength != 0.4 {
				t.Errorf("request control strength = %v, want 0.4", req.ControlStrength)
			}
			if req.ClipSkip != clipSkipFull {
				t.Errorf("clip skip = %d, want %d", req.ClipSkip, clipSkipFull)
			}
			if req.NegativePrompt != tt.negative {
				t.Errorf("negative prompt = %q, want %q", req.NegativePrompt, tt.negative)
			}
			if (req.Conditioning.Control() != nil) != tt.control {
				t.Errorf("control present = %v, want %v", req.Conditioning.Control() != nil, tt.control)
			}
		})
	}
}

func TestStream_CopiesBorrowedBuffers(t *testing.T) {
	engine := newFakeEngine()
	c := newTestContext(t, engine, testConfig())

	params := DefaultSamplerParams()
	params.Width, params.Height = 64, 64
	params.InitImage = rgbImage(64, 64)

	s, err := c.CreateStream(context.Background(), "a teapot", params)
	if err != nil {
		t.Fatalf("CreateStream() error: %v", err)
	}
	defer s.Release()

	for i := range params.InitImage.Pix {
		params.InitImage.Pix[i] = 0
	}

	cond, ok := s.Conditioning().(ImageToImage)
	if !ok {
		t.Fatalf("Conditioning() = %T, want ImageToImage", s.Conditioning())
	}
	if cond.Init.Pix[0] != 0x80 {
		t.Error("stream shares the caller's init buffer")
	}
}

func TestStream_ResolvesDefaults(t *testing.T) {
	engine := newFakeEngine()
	engine.defaultMethod = SampleDPMPP2M
	engine.defaultSteps = 30
	engine.defaultCFG = 5

	cfg := testConfig()
	cfg.SampleSteps = 12
	c := newTestContext(t, engine, cfg)

	params := SamplerParams{Seed: -1, Width: 256, Height: 256, Method: SampleMethodDefault}
	s, err := c.CreateStream(context.Background(), "a bonsai tree", params)
	if err != nil {
		t.Fatalf("CreateStream() error: %v", err)
	}
	defer s.Release()

	got := s.Params()
	if got.Method != SampleDPMPP2M {
		t.Errorf("method = %v, want model default dpm++2m", got.Method)
	}
	if got.Steps != 12 {
		t.Errorf("steps = %d, want configured 12", got.Steps)
	}
	if got.CFGScale != 5 {
		t.Errorf("cfg scale = %v, want model default 5", got.CFGScale)
	}
	if got.Seed < 0 {
		t.Errorf("seed = %d, want a resolved non-negative seed", got.Seed)
	}
	if _, total := s.Progress(); total != 12 {
		t.Errorf("total steps = %d, want 12", total)
	}
}

func TestCreateStream_Failures(t *testing.T) {
	tests := []struct {
		name    string
		prompt  string
		params  func() SamplerParams
		setup   func(e *fakeEngine)
		wantErr error
	}{
		{
			name:    "empty prompt",
			prompt:  "   ",
			params:  DefaultSamplerParams,
			wantErr: ErrInvalidPrompt,
		},
		{
			name:   "zero width",
			prompt: "a cat",
			params: func() SamplerParams {
				p := DefaultSamplerParams()
				p.Width = 0
				return p
			},
			wantErr: ErrInvalidParams,
		},
		{
			name:   "init image size mismatch",
			prompt: "a cat",
			params: func() SamplerParams {
				p := DefaultSamplerParams()
				p.InitImage = rgbImage(64, 64)
				return p
			},
			wantErr: ErrInvalidParams,
		},
		{
			name:    "engine rejects request",
			prompt:  "a cat",
			params:  DefaultSamplerParams,
			setup:   func(e *fakeEngine) { e.startErr = errors.New("unsupported size") },
			wantErr: ErrStreamCreateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			if tt.setup != nil {
				tt.setup(engine)
			}
			c := newTestContext(t, engine, testConfig())

			s, err := c.CreateStream(context.Background(), tt.prompt, tt.params())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateStream() error = %v, want %v", err, tt.wantErr)
			}
			if s != nil {
				t.Error("CreateStream() returned a stream alongside an error")
			}

			// A failed create leaves the slot free.
			engine.startErr = nil
			ok, err := c.CreateStream(context.Background(), "a dog", DefaultSamplerParams())
			if err != nil {
				t.Fatalf("CreateStream() after failure error: %v", err)
			}
			ok.Release()
		})
	}
}

func TestCreateStream_ClosedContext(t *testing.T) {
	c, err := NewContext(newFakeEngine(), testConfig(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewContext() error: %v", err)
	}
	c.Close()

	if _, err := c.CreateStream(context.Background(), "a cat", DefaultSamplerParams()); !errors.Is(err, ErrContextClosed) {
		t.Errorf("CreateStream() on closed context error = %v, want ErrContextClosed", err)
	}
}

func TestCreateStream_OneActiveStream(t *testing.T) {
	c := newTestContext(t, newFakeEngine(), testConfig())

	first, err := c.CreateStream(context.Background(), "first", DefaultSamplerParams())
	if err != nil {
		t.Fatalf("CreateStream(first) error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.CreateStream(ctx, "second", DefaultSamplerParams()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CreateStream() while busy error = %v, want context.DeadlineExceeded", err)
	}

	first.Release()

	second, err := c.CreateStream(context.Background(), "second", DefaultSamplerParams())
	if err != nil {
		t.Fatalf("CreateStream(second) error: %v", err)
	}
	second.Release()
}
