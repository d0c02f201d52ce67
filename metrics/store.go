package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRecentCapacity is how many finished generations Store keeps.
const DefaultRecentCapacity = 100

// Store aggregates generation samples. It is safe for concurrent use.
//
//	store := metrics.NewStore(metrics.StoreConfig{Version: core.Version}, time.Now())
//	done := store.Begin()
//	...
//	done(sample)
type Store struct {
	mu sync.RWMutex

	recent     []GenerationSample
	recentCap  int
	recentHead int
	recentSize int

	total     int64
	succeeded int64
	failed    int64
	canceled  int64
	images    int64
	byMode    map[string]*modeAccumulator

	inFlight atomic.Int64

	gpu       GPUMetrics
	gpuValid  bool
	startTime time.Time
	version   string
	model     string
}

type modeAccumulator struct {
	count          int64
	successCount   int64
	totalDuration  time.Duration
	stepsPerSecond float64
}

// StoreConfig configures a Store.
type StoreConfig struct {
	RecentCapacity int
	Version        string
	Model          string
}

// NewStore creates an empty Store. startTime anchors the uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.RecentCapacity
	if capacity < 1 {
		capacity = DefaultRecentCapacity
	}
	return &Store{
		recent:    make([]GenerationSample, capacity),
		recentCap: capacity,
		byMode:    make(map[string]*modeAccumulator),
		startTime: startTime,
		version:   config.Version,
		model:     config.Model,
	}
}

// Begin marks a generation as in flight. The returned function records
// the finished sample and must be called exactly once.
func (s *Store) Begin() func(GenerationSample) {
	s.inFlight.Add(1)
	var once sync.Once
	return func(sample GenerationSample) {
		once.Do(func() {
			s.inFlight.Add(-1)
			s.Record(sample)
		})
	}
}

// Record adds a finished generation.
func (s *Store) Record(sample GenerationSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.recentHead] = sample
	s.recentHead = (s.recentHead + 1) % s.recentCap
	if s.recentSize < s.recentCap {
		s.recentSize++
	}

	s.total++
	switch sample.Status {
	case StatusCompleted:
		s.succeeded++
		s.images += int64(sample.Images)
	case StatusCanceled:
		s.canceled++
	default:
		s.failed++
	}

	acc, ok := s.byMode[sample.Mode]
	if !ok {
		acc = &modeAccumulator{}
		s.byMode[sample.Mode] = acc
	}
	acc.count++
	if sample.Status == StatusCompleted {
		acc.successCount++
		acc.stepsPerSecond += sample.StepsPerSecond()
	}
	acc.totalDuration += sample.Duration
}

// Recent returns up to limit samples, newest first.
func (s *Store) Recent(limit int) []GenerationSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(limit)
}

func (s *Store) recentLocked(limit int) []GenerationSample {
	if limit <= 0 || s.recentSize == 0 {
		return []GenerationSample{}
	}
	if limit > s.recentSize {
		limit = s.recentSize
	}
	result := make([]GenerationSample, limit)
	for i := 0; i < limit; i++ {
		idx := (s.recentHead - 1 - i + s.recentCap) % s.recentCap
		result[i] = s.recent[idx]
	}
	return result
}

// UpdateGPU stores the latest GPU sample.
func (s *Store) UpdateGPU(gpu GPUMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpu = gpu
	s.gpuValid = true
}

// InFlight returns the number of generations between Begin and done.
func (s *Store) InFlight() int64 {
	return s.inFlight.Load()
}

// Snapshot returns the aggregated metrics with the recentLimit newest samples.
func (s *Store) Snapshot(recentLimit int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:      s.version,
		Model:        s.model,
		Uptime:       time.Since(s.startTime),
		InFlight:     s.inFlight.Load(),
		Total:        s.total,
		Succeeded:    s.succeeded,
		Failed:       s.failed,
		Canceled:     s.canceled,
		ImagesServed: s.images,
		ByMode:       make(map[string]*ModeStats, len(s.byMode)),
		Recent:       s.recentLocked(recentLimit),
	}
	for mode, acc := range s.byMode {
		stats := &ModeStats{Count: acc.count}
		if acc.count > 0 {
			stats.SuccessRate = float64(acc.successCount) / float64(acc.count) * 100
			stats.AvgDuration = acc.totalDuration / time.Duration(acc.count)
		}
		if acc.successCount > 0 {
			stats.AvgStepsPerSecond = acc.stepsPerSecond / float64(acc.successCount)
		}
		snap.ByMode[mode] = stats
	}
	if s.gpuValid {
		gpu := s.gpu
		snap.GPU = &gpu
	}
	return snap
}
