package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/linyinli/llama-box/db"
	"github.com/linyinli/llama-box/logging"
	"github.com/linyinli/llama-box/metrics"
	"github.com/linyinli/llama-box/sdruntime"
	"github.com/linyinli/llama-box/vision"
)

// samplerOptions are the request fields beyond the OpenAI image API.
type samplerOptions struct {
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
	SampleSteps    int     `json:"sample_steps,omitempty"`
	Sampler        string  `json:"sampler,omitempty"`
	CFGScale       float32 `json:"cfg_scale,omitempty"`
	Stream         bool    `json:"stream,omitempty"`
}

// imageGenerationRequest is the body of POST /v1/images/generations.
type imageGenerationRequest struct {
	openai.ImageRequest
	samplerOptions
}

// generationJob is a validated request ready to run.
type generationJob struct {
	requestID string
	prompt    string
	params    sdruntime.SamplerParams
	n         int
	stream    bool
}

func (j generationJob) mode() string {
	if j.params.InitImage != nil {
		return "img2img"
	}
	return "txt2img"
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req imageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	job, err := s.buildJob(req.Prompt, req.Size, req.N, req.ResponseFormat, req.samplerOptions)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}
	s.respond(w, r, job)
}

func (s *Server) handleEdits(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	initData, err := formFile(r.MultipartForm, "image")
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}
	if initData == nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "image is required")
		return
	}
	controlData, err := formFile(r.MultipartForm, "control")
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	opts, n, err := samplerOptionsFromForm(r)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	size := r.FormValue("size")
	if size == "" {
		width, height, err := vision.ImageSize(initData)
		if err != nil {
			s.writeGenerationError(w, fmt.Errorf("%w: image: %v", sdruntime.ErrInvalidParams, err))
			return
		}
		width, height = fitSize(width, height, s.gen.MaxWidth, s.gen.MaxHeight)
		size = fmt.Sprintf("%dx%d", width, height)
	}

	job, err := s.buildJob(r.FormValue("prompt"), size, n, r.FormValue("response_format"), opts)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}

	width, height := job.params.Width, job.params.Height
	initPix, err := vision.ToRGB(initData, width, height)
	if err != nil {
		s.writeGenerationError(w, fmt.Errorf("%w: image: %v", sdruntime.ErrInvalidParams, err))
		return
	}
	job.params.InitImage = sdruntime.NewImage(width, height, initPix)

	if controlData != nil {
		controlPix, err := vision.ToRGB(controlData, width, height)
		if err == nil && s.gen.ControlCanny {
			controlPix, err = vision.Canny(controlPix, width, height, vision.DefaultCannyOptions())
		}
		if err != nil {
			s.writeGenerationError(w, fmt.Errorf("%w: control: %v", sdruntime.ErrInvalidParams, err))
			return
		}
		job.params.ControlImage = sdruntime.NewImage(width, height, controlPix)
	}

	s.respond(w, r, job)
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, job generationJob) {
	if job.stream {
		s.streamGeneration(w, r, job)
		return
	}
	resp, err := s.generate(r.Context(), job, nil)
	if err != nil {
		s.writeGenerationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamGeneration answers with server-sent events: a "progress" event per
// sampling step, then the image response as a plain data event, then
// [DONE]. A failure after the headers are sent becomes an "error" event.
func (s *Server) streamGeneration(w http.ResponseWriter, r *http.Request, job generationJob) {
	sse := newSSEWriter(w)
	resp, err := s.generate(r.Context(), job, func(ev ProgressEvent) {
		sse.send("progress", ev)
	})
	if err != nil {
		status, errType := classifyError(err)
		sse.send("error", openai.ErrorResponse{Error: newAPIError(status, errType, err.Error())})
	} else {
		sse.send("", resp)
	}
	sse.done()
}

func (s *Server) writeGenerationError(w http.ResponseWriter, err error) {
	status, errType := classifyError(err)
	writeError(w, status, errType, err.Error())
}

// buildJob validates the request fields shared by both endpoints.
func (s *Server) buildJob(prompt, size string, n int, format string, opts samplerOptions) (generationJob, error) {
	prompt = sdruntime.SanitizePrompt(prompt)
	if err := sdruntime.ValidatePrompt(prompt); err != nil {
		return generationJob{}, err
	}
	if format != "" && format != openai.CreateImageResponseFormatB64JSON {
		return generationJob{}, fmt.Errorf("%w: response_format %q is not supported, use %q",
			sdruntime.ErrInvalidParams, format, openai.CreateImageResponseFormatB64JSON)
	}
	if n == 0 {
		n = 1
	}
	if n < 1 || n > s.gen.MaxBatchCount {
		return generationJob{}, fmt.Errorf("%w: n must be between 1 and %d", sdruntime.ErrInvalidParams, s.gen.MaxBatchCount)
	}
	width, height, err := parseSize(size)
	if err != nil {
		return generationJob{}, err
	}
	method, err := sdruntime.ParseSampleMethod(opts.Sampler)
	if err != nil {
		return generationJob{}, err
	}
	if opts.SampleSteps < 0 {
		return generationJob{}, fmt.Errorf("%w: sample_steps must not be negative", sdruntime.ErrInvalidParams)
	}
	if opts.CFGScale < 0 {
		return generationJob{}, fmt.Errorf("%w: cfg_scale must not be negative", sdruntime.ErrInvalidParams)
	}

	params := sdruntime.SamplerParams{
		Seed:           sdruntime.DefaultSeed,
		Width:          width,
		Height:         height,
		Method:         method,
		CFGScale:       opts.CFGScale,
		Steps:          opts.SampleSteps,
		NegativePrompt: sdruntime.SanitizePrompt(opts.NegativePrompt),
		Stream:         opts.Stream,
	}
	if opts.Seed != nil {
		params.Seed = *opts.Seed
	}
	if err := sdruntime.ValidateRequestBounds(params, s.gen); err != nil {
		return generationJob{}, err
	}

	return generationJob{
		requestID: uuid.NewString(),
		prompt:    prompt,
		params:    params,
		n:         n,
		stream:    opts.Stream,
	}, nil
}

// generate runs the n images of job one after another on the pool. Image
// i uses the resolved seed of the first image plus i. onProgress, when
// set, runs on the calling goroutine after every sampling step.
func (s *Server) generate(ctx context.Context, job generationJob, onProgress func(ProgressEvent)) (openai.ImageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	record := s.metrics.Begin()
	s.hub.Publish(NewEvent(EventGenerationStarted, GenerationEvent{
		RequestID: job.requestID,
		Mode:      job.mode(),
		Prompt:    job.prompt,
		Images:    job.n,
	}))

	resp := openai.ImageResponse{Created: start.Unix()}
	resolved := job.params
	passes := 0

	err := s.ops.WrapOperation(ctx, "image-generation", func(ctx context.Context) error {
		params := job.params
		for i := 0; i < job.n; i++ {
			index := i
			progress := func(p sdruntime.Progress) {
				ev := ProgressEvent{RequestID: job.requestID, Index: index, Completed: p.Completed, Total: p.Total}
				s.hub.Publish(NewEvent(EventGenerationProgress, ev))
				if onProgress != nil {
					onProgress(ev)
				}
			}

			gen, err := s.generator.Generate(ctx, job.prompt, params, progress)
			if err != nil {
				return err
			}
			if i == 0 {
				resolved = gen.Params
				passes = gen.UpscalePasses
			}
			params.Seed = nextSeed(gen.Params.Seed)
			resp.Data = append(resp.Data, openai.ImageResponseDataInner{
				B64JSON: base64.StdEncoding.EncodeToString(gen.Image.Data),
			})
		}
		return nil
	})

	duration := time.Since(start)
	status := db.StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = db.StatusCanceled
	default:
		status = db.StatusFailed
	}

	sample := metrics.GenerationSample{
		ID:            job.requestID,
		Mode:          job.mode(),
		Status:        status,
		Images:        len(resp.Data),
		Steps:         resolved.Steps,
		UpscalePasses: passes,
		StartTime:     start,
		Duration:      duration,
	}
	if err != nil {
		sample.Error = err.Error()
	}
	record(sample)

	s.publishFinished(job, status, len(resp.Data), duration, err)
	s.recordHistory(ctx, job, resolved, passes, status, duration, err)
	s.logFinished(job, resolved, passes, status, duration, err)
	return resp, err
}

func (s *Server) publishFinished(job generationJob, status string, images int, duration time.Duration, err error) {
	ev := GenerationEvent{
		RequestID:  job.requestID,
		Mode:       job.mode(),
		Images:     images,
		Status:     status,
		DurationMS: duration.Milliseconds(),
	}
	eventType := EventGenerationCompleted
	if err != nil {
		eventType = EventGenerationFailed
		ev.Error = err.Error()
	}
	s.hub.Publish(NewEvent(eventType, ev))
}

func (s *Server) recordHistory(ctx context.Context, job generationJob, params sdruntime.SamplerParams, passes int, status string, duration time.Duration, genErr error) {
	if s.history == nil {
		return
	}
	rec := db.GenerationRecord{
		ID:             job.requestID,
		Prompt:         job.prompt,
		NegativePrompt: params.NegativePrompt,
		Mode:           job.mode(),
		Model:          s.modelID(),
		Width:          params.Width,
		Height:         params.Height,
		Steps:          params.Steps,
		Seed:           params.Seed,
		Sampler:        params.Method.String(),
		CFGScale:       params.CFGScale,
		BatchCount:     job.n,
		UpscalePasses:  passes,
		DurationMS:     duration.Milliseconds(),
		Status:         status,
	}
	if genErr != nil {
		rec.ErrorMessage = genErr.Error()
	}

	// The request context may already be done; history is still written.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.history.Insert(writeCtx, rec); err != nil {
		s.logger.Warn("failed to record generation history",
			zap.String("request_id", job.requestID), zap.Error(err))
	}
}

func (s *Server) logFinished(job generationJob, params sdruntime.SamplerParams, passes int, status string, duration time.Duration, err error) {
	fields := []zap.Field{
		logging.Generation(logging.GenerationFields{
			RequestID: job.requestID,
			Mode:      job.mode(),
			Width:     params.Width,
			Height:    params.Height,
			Steps:     params.Steps,
			Sampler:   params.Method.String(),
			CFGScale:  params.CFGScale,
			Seed:      params.Seed,
			Control:   params.ControlImage != nil,
		}),
		zap.Int("images", job.n),
		zap.Int("upscale_passes", passes),
		zap.String("status", status),
		zap.Duration("duration", duration),
	}
	if err != nil {
		s.logger.Warn("image generation failed", append(fields, zap.Error(err))...)
		return
	}
	s.logger.Info("image generation finished", fields...)
}

// parseSize parses "WIDTHxHEIGHT". Empty selects the default size.
func parseSize(size string) (int, int, error) {
	if size == "" {
		return sdruntime.DefaultWidth, sdruntime.DefaultHeight, nil
	}
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(size)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: size %q must be WIDTHxHEIGHT", sdruntime.ErrInvalidParams, size)
	}
	width, werr := strconv.Atoi(ws)
	height, herr := strconv.Atoi(hs)
	if werr != nil || herr != nil {
		return 0, 0, fmt.Errorf("%w: size %q must be WIDTHxHEIGHT", sdruntime.ErrInvalidParams, size)
	}
	return width, height, nil
}

// nextSeed returns the seed for the next image of a batch. It wraps within
// the non-negative range, since a negative seed asks for a random one.
func nextSeed(seed int64) int64 {
	return (seed + 1) & math.MaxInt64
}

// fitSize scales width x height down to fit the maxima, keeping the aspect
// ratio, and rounds both sides down to the engine's size multiple.
func fitSize(width, height, maxWidth, maxHeight int) (int, int) {
	if width > maxWidth || height > maxHeight {
		scale := min(float64(maxWidth)/float64(width), float64(maxHeight)/float64(height))
		width = int(float64(width) * scale)
		height = int(float64(height) * scale)
	}
	width -= width % sdruntime.ImageSizeMultiple
	height -= height % sdruntime.ImageSizeMultiple
	return max(width, sdruntime.MinImageSize), max(height, sdruntime.MinImageSize)
}

// formFile returns the named upload, or nil when it is absent.
func formFile(form *multipart.Form, field string) ([]byte, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, nil
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sdruntime.ErrInvalidParams, field, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", sdruntime.ErrInvalidParams, field, err)
	}
	return data, nil
}

// samplerOptionsFromForm reads n and the extension fields of a multipart
// edit request. Empty fields are left unset.
func samplerOptionsFromForm(r *http.Request) (samplerOptions, int, error) {
	var opts samplerOptions
	opts.NegativePrompt = r.FormValue("negative_prompt")
	opts.Sampler = r.FormValue("sampler")

	n, err := formInt(r, "n")
	if err != nil {
		return opts, 0, err
	}
	if opts.SampleSteps, err = formInt(r, "sample_steps"); err != nil {
		return opts, 0, err
	}
	if v := r.FormValue("seed"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return opts, 0, fmt.Errorf("%w: seed %q is not an integer", sdruntime.ErrInvalidParams, v)
		}
		opts.Seed = &seed
	}
	if v := r.FormValue("cfg_scale"); v != "" {
		cfg, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return opts, 0, fmt.Errorf("%w: cfg_scale %q is not a number", sdruntime.ErrInvalidParams, v)
		}
		opts.CFGScale = float32(cfg)
	}
	if v := r.FormValue("stream"); v != "" {
		stream, err := strconv.ParseBool(v)
		if err != nil {
			return opts, 0, fmt.Errorf("%w: stream %q is not a boolean", sdruntime.ErrInvalidParams, v)
		}
		opts.Stream = stream
	}
	return opts, n, nil
}

func formInt(r *http.Request, field string) (int, error) {
	v := r.FormValue(field)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", sdruntime.ErrInvalidParams, field, v)
	}
	return n, nil
}
