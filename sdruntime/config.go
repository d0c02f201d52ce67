package sdruntime

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linyinli/llama-box/core"
)

// GenerationConfig is captured once when a Context is created and never
// changes afterwards.
type GenerationConfig struct {
	// Request bounds. The serving layer enforces these; the runtime accepts
	// any positive size it is given.
	MaxBatchCount int `yaml:"max_batch_count"`
	MaxWidth      int `yaml:"max_width"`
	MaxHeight     int `yaml:"max_height"`

	// Guidance is the distilled guidance value used by flux-style models.
	Guidance float32 `yaml:"guidance"`
	// Strength is how far image-to-image output may drift from the init image.
	Strength float32 `yaml:"strength"`

	// Sampler defaults. Zero values and SampleMethodDefault defer to the model.
	SampleMethod SampleMethod `yaml:"sampler"`
	SampleSteps  int          `yaml:"sample_steps"`
	CFGScale     float32      `yaml:"cfg_scale"`
	Schedule     Schedule     `yaml:"schedule"`

	TextEncoderResidency   Residency `yaml:"text_encoder_residency"`
	LatentDecoderResidency Residency `yaml:"vae_residency"`
	ControlNetResidency    Residency `yaml:"control_net_residency"`

	ModelPath  string `yaml:"model"`
	ModelAlias string `yaml:"model_alias"`
	// ModelSHA256, when set, is checked against ModelPath at startup.
	ModelSHA256 string `yaml:"model_sha256"`
	ClipLPath  string `yaml:"clip_l_model"`
	ClipGPath  string `yaml:"clip_g_model"`
	T5XXLPath  string `yaml:"t5xxl_model"`
	VAEPath    string `yaml:"vae_model"`
	VAETiling  bool   `yaml:"vae_tiling"`
	TAESDPath  string `yaml:"taesd_model"`

	UpscaleModelPath string `yaml:"upscale_model"`
	UpscaleRepeats   int    `yaml:"upscale_repeats"`

	ControlNetPath  string  `yaml:"control_net_model"`
	ControlStrength float32 `yaml:"control_strength"`
	ControlCanny    bool    `yaml:"control_canny"`

	Threads int `yaml:"threads"`
	MainGPU int `yaml:"main_gpu"`

	LoraAdapters     []LoraAdapter `yaml:"lora_adapters"`
	ApplyLorasAtLoad bool          `yaml:"apply_loras_at_load"`
}

// Default configuration values
const (
	DefaultMaxBatchCount   = 4
	DefaultMaxImageSize    = 1024
	DefaultGuidance        = 3.5
	DefaultStrength        = 0.75
	DefaultUpscaleRepeats  = 1
	DefaultControlStrength = 0.9
	DefaultThreads         = 1

	// UpscaleFactor is the linear magnification of one upscale pass.
	UpscaleFactor = 4
)

// DefaultGenerationConfig returns a configuration with every default set
// and no model path.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxBatchCount:          DefaultMaxBatchCount,
		MaxWidth:               DefaultMaxImageSize,
		MaxHeight:              DefaultMaxImageSize,
		Guidance:               DefaultGuidance,
		Strength:               DefaultStrength,
		SampleMethod:           SampleMethodDefault,
		Schedule:               ScheduleDefault,
		TextEncoderResidency:   ResidencyDeferLoad,
		LatentDecoderResidency: ResidencyDeferLoad,
		ControlNetResidency:    ResidencyDeferLoad,
		UpscaleRepeats:         DefaultUpscaleRepeats,
		ControlStrength:        DefaultControlStrength,
		Threads:                DefaultThreads,
		ApplyLorasAtLoad:       true,
	}
}

// LoadGenerationConfig builds a GenerationConfig from SD_* environment
// variables, then overlays the YAML file named by SD_CONFIG_FILE if set.
// Unparseable numeric values fall back to their defaults; unknown sampler
// or schedule names are errors.
func LoadGenerationConfig() (GenerationConfig, error) {
	cfg := DefaultGenerationConfig()

	cfg.MaxBatchCount = core.ParseIntEnv("SD_MAX_BATCH_COUNT", cfg.MaxBatchCount)
	cfg.MaxWidth = core.ParseIntEnv("SD_MAX_WIDTH", cfg.MaxWidth)
	cfg.MaxHeight = core.ParseIntEnv("SD_MAX_HEIGHT", cfg.MaxHeight)
	cfg.Guidance = core.ParseFloat32Env("SD_GUIDANCE", cfg.Guidance)
	cfg.Strength = core.ParseFloat32Env("SD_STRENGTH", cfg.Strength)
	cfg.SampleSteps = core.ParseIntEnv("SD_SAMPLE_STEPS", cfg.SampleSteps)
	cfg.CFGScale = core.ParseFloat32Env("SD_CFG_SCALE", cfg.CFGScale)

	var err error
	if cfg.SampleMethod, err = ParseSampleMethod(os.Getenv("SD_SAMPLER")); err != nil {
		return cfg, core.ErrInvalidValue("SD_SAMPLER", os.Getenv("SD_SAMPLER"), err.Error())
	}
	if cfg.Schedule, err = ParseSchedule(os.Getenv("SD_SCHEDULE")); err != nil {
		return cfg, core.ErrInvalidValue("SD_SCHEDULE", os.Getenv("SD_SCHEDULE"), err.Error())
	}

	cfg.TextEncoderResidency = residencyEnv("SD_TEXT_ENCODER_OFFLOAD", cfg.TextEncoderResidency)
	cfg.LatentDecoderResidency = residencyEnv("SD_VAE_OFFLOAD", cfg.LatentDecoderResidency)
	cfg.ControlNetResidency = residencyEnv("SD_CONTROL_NET_OFFLOAD", cfg.ControlNetResidency)

	cfg.ModelPath = core.GetEnvOrDefault("SD_MODEL_PATH", "")
	cfg.ModelAlias = core.GetEnvOrDefault("SD_MODEL_ALIAS", "")
	cfg.ModelSHA256 = core.GetEnvOrDefault("SD_MODEL_SHA256", "")
	cfg.ClipLPath = core.GetEnvOrDefault("SD_CLIP_L_MODEL", "")
	cfg.ClipGPath = core.GetEnvOrDefault("SD_CLIP_G_MODEL", "")
	cfg.T5XXLPath = core.GetEnvOrDefault("SD_T5XXL_MODEL", "")
	cfg.VAEPath = core.GetEnvOrDefault("SD_VAE_MODEL", "")
	cfg.VAETiling = core.ParseBoolEnv("SD_VAE_TILING", cfg.VAETiling)
	cfg.TAESDPath = core.GetEnvOrDefault("SD_TAESD_MODEL", "")
	cfg.UpscaleModelPath = core.GetEnvOrDefault("SD_UPSCALE_MODEL", "")
	cfg.UpscaleRepeats = core.ParseIntEnv("SD_UPSCALE_REPEATS", cfg.UpscaleRepeats)
	cfg.ControlNetPath = core.GetEnvOrDefault("SD_CONTROL_NET_MODEL", "")
	cfg.ControlStrength = core.ParseFloat32Env("SD_CONTROL_STRENGTH", cfg.ControlStrength)
	cfg.ControlCanny = core.ParseBoolEnv("SD_CONTROL_CANNY", cfg.ControlCanny)
	cfg.Threads = core.ParseIntEnv("SD_THREADS", cfg.Threads)
	cfg.MainGPU = core.ParseIntEnv("SD_MAIN_GPU", cfg.MainGPU)
	cfg.ApplyLorasAtLoad = !core.ParseBoolEnv("SD_LORA_INIT_WITHOUT_APPLY", !cfg.ApplyLorasAtLoad)

	for _, item := range core.ParseListEnv("SD_LORA") {
		cfg.LoraAdapters = append(cfg.LoraAdapters, ParseLoraAdapter(item))
	}

	if path := core.GetEnvOrDefault("SD_CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return cfg, core.ErrConfigFile(path, err)
		}
	}

	if cfg.ModelAlias == "" && cfg.ModelPath != "" {
		cfg.ModelAlias = strings.TrimSuffix(filepath.Base(cfg.ModelPath), filepath.Ext(cfg.ModelPath))
	}
	return cfg, nil
}

// overlayFile decodes a YAML file on top of the current values. Keys absent
// from the file keep their current value.
func (c *GenerationConfig) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate checks the configuration for values the engine cannot work with.
func (c GenerationConfig) Validate() error {
	if c.ModelPath == "" {
		return core.ErrMissingConfig("SD_MODEL_PATH")
	}
	if c.MaxBatchCount < 1 {
		return core.ErrInvalidValue("SD_MAX_BATCH_COUNT", c.MaxBatchCount, "must be at least 1")
	}
	if c.MaxWidth < MinImageSize || c.MaxHeight < MinImageSize {
		return core.ErrInvalidValue("SD_MAX_WIDTH/SD_MAX_HEIGHT",
			fmt.Sprintf("%dx%d", c.MaxWidth, c.MaxHeight),
			fmt.Sprintf("must be at least %d", MinImageSize))
	}
	if c.Strength < 0 || c.Strength > 1 {
		return core.ErrInvalidValue("SD_STRENGTH", c.Strength, "must be between 0 and 1")
	}
	if c.ControlStrength < 0 || c.ControlStrength > 1 {
		return core.ErrInvalidValue("SD_CONTROL_STRENGTH", c.ControlStrength, "must be between 0 and 1")
	}
	if c.UpscaleRepeats < 0 {
		return core.ErrInvalidValue("SD_UPSCALE_REPEATS", c.UpscaleRepeats, "must not be negative")
	}
	if c.SampleSteps < 0 {
		return core.ErrInvalidValue("SD_SAMPLE_STEPS", c.SampleSteps, "must not be negative")
	}
	if c.Threads < 1 {
		return core.ErrInvalidValue("SD_THREADS", c.Threads, "must be at least 1")
	}
	for _, la := range c.LoraAdapters {
		if la.Path == "" {
			return core.ErrInvalidValue("SD_LORA", la, "adapter path is empty")
		}
	}
	return nil
}

// ModelFiles returns every configured model file keyed by the variable
// that names it. Unset optional files are omitted.
func (c GenerationConfig) ModelFiles() map[string]string {
	files := map[string]string{"SD_MODEL_PATH": c.ModelPath}
	optional := map[string]string{
		"SD_CLIP_L_MODEL":      c.ClipLPath,
		"SD_CLIP_G_MODEL":      c.ClipGPath,
		"SD_T5XXL_MODEL":       c.T5XXLPath,
		"SD_VAE_MODEL":         c.VAEPath,
		"SD_TAESD_MODEL":       c.TAESDPath,
		"SD_CONTROL_NET_MODEL": c.ControlNetPath,
		"SD_UPSCALE_MODEL":     c.UpscaleModelPath,
	}
	for k, v := range optional {
		if v != "" {
			files[k] = v
		}
	}
	for i, la := range c.LoraAdapters {
		files[fmt.Sprintf("SD_LORA[%d]", i)] = la.Path
	}
	return files
}

// ParseLoraAdapter parses "path" or "path:scale". A suffix that is not a
// number is treated as part of the path, so Windows drive letters survive.
func ParseLoraAdapter(s string) LoraAdapter {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, ":"); i > 0 {
		if scale, err := strconv.ParseFloat(s[i+1:], 32); err == nil {
			return LoraAdapter{Path: s[:i], Scale: float32(scale)}
		}
	}
	return LoraAdapter{Path: s, Scale: 1.0}
}

// residencyEnv reads a boolean offload flag. True means the subsystem's
// weights wait off-device until needed.
func residencyEnv(key string, def Residency) Residency {
	if core.ParseBoolEnv(key, def == ResidencyDeferLoad) {
		return ResidencyDeferLoad
	}
	return ResidencyKeepResident
}

// UnmarshalYAML accepts "keep_resident", "defer_load" or a boolean offload flag.
func (r *Residency) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(strings.TrimSpace(value.Value)) {
	case "keep_resident", "resident", "false", "no", "off":
		*r = ResidencyKeepResident
	case "defer_load", "defer", "offload", "true", "yes", "on":
		*r = ResidencyDeferLoad
	default:
		return fmt.Errorf("line %d: unknown residency %q", value.Line, value.Value)
	}
	return nil
}

// UnmarshalYAML accepts a sampler name.
func (m *SampleMethod) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseSampleMethod(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*m = parsed
	return nil
}

// UnmarshalYAML accepts a schedule name.
func (s *Schedule) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseSchedule(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = parsed
	return nil
}
