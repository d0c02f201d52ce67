package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/linyinli/llama-box/db"
	"github.com/linyinli/llama-box/sdruntime"
)

type generateCall struct {
	prompt string
	params sdruntime.SamplerParams
}

// fakeGenerator stands in for the context pool. It reports steps progress
// callbacks per image and returns a tiny PNG of the requested size.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []generateCall
	steps   int
	err     error
	block   chan struct{}
	maxSize int
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, params sdruntime.SamplerParams, onProgress sdruntime.ProgressFunc) (*sdruntime.Generation, error) {
	g.mu.Lock()
	g.calls = append(g.calls, generateCall{prompt: prompt, params: params})
	steps, err, block := g.steps, g.err, g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	if params.Seed < 0 {
		params.Seed = 4242
	}
	if params.Steps == 0 {
		params.Steps = steps
	}
	for i := 1; i <= steps; i++ {
		if onProgress != nil {
			onProgress(sdruntime.Progress{Completed: i, Total: steps})
		}
	}
	mode := "txt2img"
	if params.InitImage != nil {
		mode = "img2img"
	}
	return &sdruntime.Generation{
		Image:    sdruntime.GeneratedImage{Data: testPNG(params.Width, params.Height, color.RGBA{R: 200, A: 255})},
		Params:   params,
		Mode:     mode,
		Duration: time.Millisecond,
	}, nil
}

// set changes the fake's behavior under its lock, so handlers running on
// server goroutines see the change without a race.
func (g *fakeGenerator) set(fn func(g *fakeGenerator)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGenerator) MaxSize() int { return g.maxSize }
func (g *fakeGenerator) Created() int { return 1 }

func (g *fakeGenerator) recorded() []generateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generateCall(nil), g.calls...)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []db.GenerationRecord
	listErr error
}

func (h *fakeHistory) Insert(_ context.Context, rec db.GenerationRecord) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	return rec.ID, nil
}

func (h *fakeHistory) List(_ context.Context, limit int) ([]db.GenerationRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	out := make([]db.GenerationRecord, 0, limit)
	for i := len(h.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.records[i])
	}
	return out, nil
}

func (h *fakeHistory) failList(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listErr = err
}

func (h *fakeHistory) all() []db.GenerationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]db.GenerationRecord(nil), h.records...)
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	gen     *fakeGenerator
	history *fakeHistory
}

// newTestEnv starts an httptest server around a Server with a fake
// generator and history. Rate limiting is off unless an option turns it on.
func newTestEnv(t *testing.T, opts ...func(*Config, *Dependencies)) *testEnv {
	t.Helper()

	gen := &fakeGenerator{steps: 3, maxSize: 1}
	history := &fakeHistory{}

	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0
	cfg.RequestTimeout = 10 * time.Second
	deps := Dependencies{
		Generator:  gen,
		Generation: sdruntime.DefaultGenerationConfig(),
		History:    history,
	}
	deps.Generation.ModelPath = "/models/sd-v1-5.gguf"
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	srv, err := New(cfg, deps, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, gen: gen, history: history}
}

func (e *testEnv) client(token string) *openai.Client {
	cfg := openai.DefaultConfig(token)
	cfg.BaseURL = e.ts.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testPNG(width, height int, c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
