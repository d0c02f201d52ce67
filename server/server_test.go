package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/linyinli/llama-box/core"
	"github.com/linyinli/llama-box/db"
	"github.com/linyinli/llama-box/sdruntime"
	"github.com/linyinli/llama-box/shutdown"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(DefaultConfig(), Dependencies{}, zap.NewNop()); err == nil {
		t.Error("New() without a generator succeeded")
	}

	cfg := DefaultConfig()
	cfg.RequestTimeout = 0
	if _, err := New(cfg, Dependencies{Generator: &fakeGenerator{}}, nil); err == nil {
		t.Error("New() with zero request timeout succeeded")
	}

	cfg = DefaultConfig()
	cfg.APIKey = strings.Repeat("k", 80)
	if _, err := New(cfg, Dependencies{Generator: &fakeGenerator{}}, nil); !errors.Is(err, ErrAPIKeyTooLong) {
		t.Errorf("New() with long key error = %v, want ErrAPIKeyTooLong", err)
	}

	srv, err := New(DefaultConfig(), Dependencies{Generator: &fakeGenerator{}}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if srv.gen.MaxBatchCount != sdruntime.DefaultMaxBatchCount || srv.gen.MaxWidth != sdruntime.DefaultMaxImageSize {
		t.Errorf("generation bounds not defaulted: %+v", srv.gen)
	}
	if srv.Metrics() == nil || srv.Hub() == nil {
		t.Error("metrics store or hub missing")
	}
}

func TestConfigFromCore(t *testing.T) {
	c := &core.Config{
		Host:           "0.0.0.0",
		Port:           9090,
		APIKey:         "key",
		RequestTimeout: 90 * time.Second,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
	cfg := ConfigFromCore(c)
	if cfg.Addr != "0.0.0.0:9090" || cfg.APIKey != "key" || cfg.RequestTimeout != 90*time.Second {
		t.Errorf("ConfigFromCore() = %+v", cfg)
	}
	if cfg.RateLimitRPS != 5 || cfg.RateLimitBurst != 10 {
		t.Errorf("rate limit = %v/%d", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.MaxBodyBytes == 0 || cfg.Hub.PingInterval == 0 {
		t.Error("defaults not carried over")
	}
}

func TestModelID(t *testing.T) {
	tests := []struct {
		alias, path, want string
	}{
		{"turbo", "/m/sdxl.gguf", "turbo"},
		{"", "/m/sd_xl_turbo_1.0.q8_0.gguf", "sd_xl_turbo_1.0.q8_0"},
		{"", "", "llama-box"},
	}
	for _, tt := range tests {
		s := &Server{gen: sdruntime.GenerationConfig{ModelAlias: tt.alias, ModelPath: tt.path}}
		if got := s.modelID(); got != tt.want {
			t.Errorf("modelID(%q, %q) = %q, want %q", tt.alias, tt.path, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{sdruntime.ErrInvalidPrompt, http.StatusBadRequest},
		{shutdown.ErrTrackerClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, statusClientClosedRequest},
		{errors.New("engine exploded"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := classifyError(tt.err); got != tt.wantStatus {
			t.Errorf("classifyError(%v) = %d, want %d", tt.err, got, tt.wantStatus)
		}
	}
}

func TestServeAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	srv, err := New(cfg, Dependencies{Generator: &fakeGenerator{steps: 1}}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	waitFor(t, func() bool {
		resp, err := http.Get(url + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("Serve() returned %v after graceful shutdown", err)
	}
}

func TestStart_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.Addr = ln.Addr().String()
	srv, err := New(cfg, Dependencies{Generator: &fakeGenerator{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("Start() on a taken port succeeded")
	}
}

// stubEngine drives the real context pool without a native backend. Each
// stream produces a flat grey image after the requested number of steps.
type stubEngine struct{}

func (stubEngine) LoadModel(sdruntime.ModelOptions) (sdruntime.Model, error) { return &stubModel{}, nil }

func (stubEngine) LoadUpscaler(sdruntime.UpscalerOptions) (sdruntime.Upscaler, error) {
	return nil, errors.New("no upscaler")
}

type stubModel struct{}

func (*stubModel) DefaultSampleMethod() sdruntime.SampleMethod { return sdruntime.SampleEulerA }
func (*stubModel) DefaultSampleSteps() int                     { return 3 }
func (*stubModel) DefaultCFGScale() float32                    { return 7 }
func (*stubModel) ApplyLoras([]sdruntime.LoraAdapter) error    { return nil }
func (*stubModel) Free()                                       {}
func (*stubModel) StartStream(req sdruntime.StreamRequest) (sdruntime.EngineStream, error) {
	return &stubStream{steps: req.Steps, width: req.Width, height: req.Height}, nil
}

type stubStream struct {
	mu            sync.Mutex
	done, steps   int
	width, height int
}

func (s *stubStream) Sample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done < s.steps {
		s.done++
	}
	return s.done < s.steps
}

func (s *stubStream) SampledSteps() int { return s.done }
func (s *stubStream) Steps() int        { return s.steps }
func (s *stubStream) Free()             {}

func (s *stubStream) Image() *sdruntime.Image {
	pix := make([]byte, s.width*s.height*3)
	for i := range pix {
		pix[i] = 128
	}
	return sdruntime.NewImage(s.width, s.height, pix)
}

func TestEndToEnd_ContextPool(t *testing.T) {
	logger := zaptest.NewLogger(t)
	gen := sdruntime.DefaultGenerationConfig()
	gen.ModelPath = "/models/sd-turbo.gguf"

	pool, err := sdruntime.NewContextPool(1, func() (*sdruntime.Context, error) {
		return sdruntime.NewContext(stubEngine{}, gen, logger)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	database, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("db.Open() error: %v", err)
	}
	defer database.Close()

	manager := shutdown.NewManager(logger)
	env := newTestEnv(t, func(_ *Config, d *Dependencies) {
		d.Generator = pool
		d.Generation = gen
		d.History = db.NewRepository(database, nil)
		d.Operations = manager
	})

	resp, err := env.client("").CreateImage(context.Background(), openai.ImageRequest{
		Prompt: "a grey square",
		N:      2,
		Size:   "64x64",
	})
	if err != nil {
		t.Fatalf("CreateImage() error: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2", len(resp.Data))
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := sdruntime.PNGTextChunks(raw)
	if err != nil {
		t.Fatalf("PNGTextChunks() error: %v", err)
	}
	if !strings.Contains(chunks[sdruntime.ProvenanceKeyword], "llama-box") {
		t.Errorf("provenance chunk = %q", chunks[sdruntime.ProvenanceKeyword])
	}

	records, err := db.NewRepository(database, nil).List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("history has %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != db.StatusCompleted || rec.Steps != 3 || rec.Sampler != "euler_a" || rec.Model != "sd-turbo" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Seed < 0 {
		t.Errorf("record seed = %d, want the resolved seed", rec.Seed)
	}

	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	_, err = env.client("").CreateImage(context.Background(), openai.ImageRequest{Prompt: "late", Size: "64x64"})
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusServiceUnavailable {
		t.Errorf("request after shutdown error = %v, want 503", err)
	}
}
