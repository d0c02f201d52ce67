// Package server exposes the image runtime over an OpenAI-compatible HTTP
// API, with websocket progress, generation history and metrics.
//
// Routes:
//   - POST /v1/images/generations  text-to-image (JSON, optional SSE)
//   - POST /v1/images/edits        image-to-image (multipart)
//   - GET  /v1/models              the loaded model
//   - GET  /v1/images/history      recent generations
//   - GET  /v1/metrics             generation and GPU metrics
//   - GET  /health                 liveness, no auth
//   - GET  /ws                     progress events over websocket
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/linyinli/llama-box/core"
	"github.com/linyinli/llama-box/db"
	"github.com/linyinli/llama-box/metrics"
	"github.com/linyinli/llama-box/sdruntime"
)

// Generator runs one image generation. *sdruntime.ContextPool implements it.
type Generator interface {
	Generate(ctx context.Context, prompt string, params sdruntime.SamplerParams, onProgress sdruntime.ProgressFunc) (*sdruntime.Generation, error)
	MaxSize() int
	Created() int
}

// History stores finished generations. *db.Repository implements it.
type History interface {
	Insert(ctx context.Context, rec db.GenerationRecord) (string, error)
	List(ctx context.Context, limit int) ([]db.GenerationRecord, error)
}

// Operations tracks in-flight work for graceful shutdown.
// *shutdown.Manager implements it.
type Operations interface {
	WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error
	IsShuttingDown() bool
}

// Config configures the HTTP server.
type Config struct {
	Addr           string
	APIKey         string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxBodyBytes      int64
	MaxUploadBytes    int64

	Version      string
	LogSkipPaths []string
	Hub          HubConfig
}

// DefaultConfig returns the server defaults. WriteTimeout is not set on
// the http.Server because generations stream for minutes; RequestTimeout
// bounds them instead.
func DefaultConfig() Config {
	return Config{
		Addr:              net.JoinHostPort(core.DefaultHost, fmt.Sprint(core.DefaultPort)),
		RequestTimeout:    core.DefaultRequestTimeout * time.Second,
		RateLimitRPS:      core.DefaultRateLimitRPS,
		RateLimitBurst:    core.DefaultRateLimitBurst,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxBodyBytes:      1 << 20,
		MaxUploadBytes:    32 << 20,
		Version:           core.Version,
		LogSkipPaths:      []string{"/health"},
		Hub:               DefaultHubConfig(),
	}
}

// ConfigFromCore derives the server configuration from the process config.
func ConfigFromCore(c *core.Config) Config {
	cfg := DefaultConfig()
	cfg.Addr = c.ListenAddr()
	cfg.APIKey = c.APIKey
	cfg.RequestTimeout = c.RequestTimeout
	cfg.RateLimitRPS = c.RateLimitRPS
	cfg.RateLimitBurst = c.RateLimitBurst
	return cfg
}

// Dependencies are the components the server drives. Generator is
// required; the rest are optional.
type Dependencies struct {
	Generator  Generator
	Generation sdruntime.GenerationConfig
	History    History
	Metrics    *metrics.Store
	Operations Operations
}

// Server is the HTTP front end of the image runtime.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *zap.Logger

	generator Generator
	gen       sdruntime.GenerationConfig
	history   History
	metrics   *metrics.Store
	ops       Operations
	hub       *ProgressHub
	limiter   *RateLimiter
	started   time.Time
}

// New builds a server. It does not start listening.
func New(config Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if deps.Generator == nil {
		return nil, errors.New("server: generator is required")
	}
	if config.RequestTimeout <= 0 {
		return nil, core.ErrInvalidValue("LLAMA_BOX_REQUEST_TIMEOUT_SECONDS", config.RequestTimeout, "must be positive")
	}
	if deps.Generation.MaxBatchCount < 1 {
		deps.Generation.MaxBatchCount = sdruntime.DefaultMaxBatchCount
	}
	if deps.Generation.MaxWidth < sdruntime.MinImageSize {
		deps.Generation.MaxWidth = sdruntime.DefaultMaxImageSize
	}
	if deps.Generation.MaxHeight < sdruntime.MinImageSize {
		deps.Generation.MaxHeight = sdruntime.DefaultMaxImageSize
	}
	def := DefaultConfig()
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = def.MaxBodyBytes
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = def.MaxUploadBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	auth, err := NewAPIKeyAuth(config.APIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("configure API key: %w", err)
	}

	s := &Server{
		config:    config,
		logger:    logger,
		generator: deps.Generator,
		gen:       deps.Generation,
		history:   deps.History,
		metrics:   deps.Metrics,
		ops:       deps.Operations,
		hub:       NewProgressHub(config.Hub, logger.Named("ws")),
		limiter:   NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst),
		started:   time.Now(),
	}
	if s.metrics == nil {
		s.metrics = metrics.NewStore(metrics.StoreConfig{Version: config.Version, Model: s.modelID()}, s.started)
	}
	if s.ops == nil {
		s.ops = untracked{}
	}

	s.handler = s.routes(auth)
	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	logger.Info("HTTP server created",
		zap.String("addr", config.Addr),
		zap.Bool("auth_enabled", auth != nil),
		zap.Bool("rate_limited", s.limiter != nil),
		zap.Bool("history", s.history != nil))
	return s, nil
}

func (s *Server) routes(auth *APIKeyAuth) http.Handler {
	mux := http.NewServeMux()
	generate := func(h http.HandlerFunc) http.Handler {
		return s.limiter.Middleware(h)
	}

	mux.Handle("POST /v1/images/generations", generate(s.handleGenerations))
	mux.Handle("POST /v1/images/edits", generate(s.handleEdits))
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/images/history", s.handleHistory)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws", s.hub.HandleConnection)

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/", auth.Middleware(mux))

	return chain(root, requestLogger(s.logger, s.config.LogSkipPaths), recoverer(s.logger))
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the progress hub, for publishing events from outside the
// request path such as GPU samples.
func (s *Server) Hub() *ProgressHub {
	return s.hub
}

// Metrics returns the store the server records generations in.
func (s *Server) Metrics() *metrics.Store {
	return s.metrics
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the progress hub and serves HTTP until Shutdown. It returns
// nil after a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Start(ctx)
	if s.limiter != nil {
		s.limiter.StartCleanupTicker(ctx, 5*time.Minute)
	}

	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for active ones within ctx
// and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	err := s.httpServer.Shutdown(ctx)
	s.hub.Close()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// modelID is the name reported to clients: the alias, or the model file
// name without extension.
func (s *Server) modelID() string {
	if s.gen.ModelAlias != "" {
		return s.gen.ModelAlias
	}
	if s.gen.ModelPath == "" {
		return "llama-box"
	}
	base := filepath.Base(s.gen.ModelPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// untracked runs operations directly when no shutdown manager is wired.
type untracked struct{}

func (untracked) WrapOperation(ctx context.Context, _ string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (untracked) IsShuttingDown() bool { return false }
