// Package sdruntime drives stable-diffusion.cpp image generation as an
// incremental sampling stream.
//
// A Context owns one loaded diffusion model and, optionally, an upscaler.
// Generation happens in three phases:
//
//   - CreateStream resolves the request against configuration and model
//     defaults and starts a text-to-image or image-to-image stream
//   - Advance runs one denoising step at a time, so callers can report
//     progress or abandon the run between steps
//   - Finish extracts the decoded image, upscales it and encodes it as PNG
//
// # Quick Start
//
//	cfg, err := sdruntime.LoadGenerationConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sdctx, err := sdruntime.NewContext(sdruntime.NewEngine(), cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sdctx.Close()
//
//	stream, err := sdctx.CreateStream(ctx, "a sunset over mountains", sdruntime.DefaultSamplerParams())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for stream.Advance() {
//	    done, total := stream.Progress()
//	    fmt.Printf("%d/%d\n", done, total)
//	}
//	img, err := sdctx.Finish(stream)
//
// ContextPool wraps the same steps in Generate for servers that keep
// several contexts loaded.
//
// # Build Tags
//
//   - Stub mode (default): go build
//     NewEngine checks model paths and returns ErrBackendUnavailable
//
//   - Real mode: CGO_ENABLED=1 go build -tags sd
//     Requires the stable-diffusion.cpp library to be built and available
//
// # Error Handling
//
// Failures are reported with the sentinel errors in errors.go; use
// errors.Is to match them. A stream that completes always yields an image
// unless encoding fails: upscaler failures are logged and the last good
// buffer is encoded instead.
package sdruntime
