// Package metrics keeps in-memory generation statistics and GPU samples
// for the /v1/metrics endpoint.
package metrics

import "time"

// Generation outcomes.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// GenerationSample describes one finished generation request.
type GenerationSample struct {
	ID            string        `json:"id"`
	Mode          string        `json:"mode"` // txt2img or img2img
	Status        string        `json:"status"`
	Images        int           `json:"images"`
	Steps         int           `json:"steps"`
	UpscalePasses int           `json:"upscale_passes"`
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
	Error         string        `json:"error,omitempty"`
}

// StepsPerSecond is the sampling throughput across all images of the
// request. Zero when the duration is unknown.
func (g GenerationSample) StepsPerSecond() float64 {
	if g.Duration <= 0 {
		return 0
	}
	images := g.Images
	if images < 1 {
		images = 1
	}
	return float64(g.Steps*images) / g.Duration.Seconds()
}

// ModeStats aggregates samples of one mode.
type ModeStats struct {
	Count             int64         `json:"count"`
	SuccessRate       float64       `json:"success_rate"`
	AvgDuration       time.Duration `json:"avg_duration"`
	AvgStepsPerSecond float64       `json:"avg_steps_per_second"`
}

// GPUMetrics is one nvidia-smi sample. Memory is in bytes.
type GPUMetrics struct {
	Index       int     `json:"index"`
	Utilization float64 `json:"utilization"`
	Temperature float64 `json:"temperature"`
	MemoryTotal int64   `json:"memory_total"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryFree  int64   `json:"memory_free"`
}

// Snapshot is the full metrics document served to clients.
type Snapshot struct {
	Version      string                `json:"version"`
	Model        string                `json:"model"`
	Uptime       time.Duration         `json:"uptime"`
	InFlight     int64                 `json:"in_flight"`
	Total        int64                 `json:"total"`
	Succeeded    int64                 `json:"succeeded"`
	Failed       int64                 `json:"failed"`
	Canceled     int64                 `json:"canceled"`
	ImagesServed int64                 `json:"images_served"`
	ByMode       map[string]*ModeStats `json:"by_mode"`
	GPU          *GPUMetrics           `json:"gpu,omitempty"`
	Recent       []GenerationSample    `json:"recent"`
}
