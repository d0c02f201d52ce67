package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GPUReader reads one GPU sample.
type GPUReader interface {
	ReadGPUMetrics(ctx context.Context) (GPUMetrics, error)
}

// GPUCollectorConfig configures a GPUCollector.
type GPUCollectorConfig struct {
	Interval time.Duration
	// Index is the GPU the diffusion model runs on.
	Index int
	// NvidiaSMIPath defaults to "nvidia-smi" on PATH.
	NvidiaSMIPath string
}

// DefaultGPUCollectorConfig samples GPU 0 every five seconds.
func DefaultGPUCollectorConfig() GPUCollectorConfig {
	return GPUCollectorConfig{
		Interval:      5 * time.Second,
		NvidiaSMIPath: "nvidia-smi",
	}
}

// GPUCollector samples the GPU periodically and hands each successful
// sample to onSample.
type GPUCollector struct {
	config   GPUCollectorConfig
	reader   GPUReader
	onSample func(GPUMetrics)

	mu        sync.RWMutex
	available bool
	lastError error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGPUCollector creates a collector that reads through nvidia-smi.
func NewGPUCollector(config GPUCollectorConfig, onSample func(GPUMetrics)) *GPUCollector {
	if config.NvidiaSMIPath == "" {
		config.NvidiaSMIPath = "nvidia-smi"
	}
	return NewGPUCollectorWithReader(config, NvidiaSMIReader{Path: config.NvidiaSMIPath, Index: config.Index}, onSample)
}

// NewGPUCollectorWithReader creates a collector with a custom reader.
func NewGPUCollectorWithReader(config GPUCollectorConfig, reader GPUReader, onSample func(GPUMetrics)) *GPUCollector {
	if config.Interval <= 0 {
		config.Interval = DefaultGPUCollectorConfig().Interval
	}
	return &GPUCollector{config: config, reader: reader, onSample: onSample}
}

// Start samples once immediately and then every interval until Stop.
func (c *GPUCollector) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.collectLoop(ctx)
}

// Stop halts collection and waits for the loop to exit.
func (c *GPUCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// IsAvailable reports whether the last sample succeeded.
func (c *GPUCollector) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// LastError returns the error of the last sample, if any.
func (c *GPUCollector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *GPUCollector) collectLoop(ctx context.Context) {
	defer c.wg.Done()

	c.collectOnce(ctx)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectOnce(ctx)
		}
	}
}

func (c *GPUCollector) collectOnce(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sample, err := c.reader.ReadGPUMetrics(readCtx)

	c.mu.Lock()
	c.available = err == nil
	c.lastError = err
	c.mu.Unlock()

	if err == nil && c.onSample != nil {
		c.onSample(sample)
	}
}

// NvidiaSMIReader reads utilization, temperature and memory of one GPU.
type NvidiaSMIReader struct {
	Path  string
	Index int
}

// ReadGPUMetrics runs nvidia-smi once.
func (r NvidiaSMIReader) ReadGPUMetrics(ctx context.Context) (GPUMetrics, error) {
	cmd := exec.CommandContext(ctx, r.Path,
		"--id="+strconv.Itoa(r.Index),
		"--query-gpu=index,utilization.gpu,temperature.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return GPUMetrics{}, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(stdout.String())
}

// parseNvidiaSMIOutput parses the first CSV line of nvidia-smi output.
// Memory is reported in MiB and converted to bytes.
func parseNvidiaSMIOutput(output string) (GPUMetrics, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return GPUMetrics{}, fmt.Errorf("empty nvidia-smi output")
	}

	reader := csv.NewReader(strings.NewReader(output))
	reader.TrimLeadingSpace = true
	record, err := reader.Read()
	if err != nil {
		return GPUMetrics{}, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(record) < 5 {
		return GPUMetrics{}, fmt.Errorf("unexpected field count: got %d, expected 5", len(record))
	}

	names := []string{"index", "utilization", "temperature", "memory used", "memory total"}
	values := make([]float64, len(names))
	for i, name := range names {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return GPUMetrics{}, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		values[i] = v
	}

	const mib = 1024 * 1024
	total := int64(values[4] * mib)
	used := int64(values[3] * mib)
	return GPUMetrics{
		Index:       int(values[0]),
		Utilization: values[1],
		Temperature: values[2],
		MemoryTotal: total,
		MemoryUsed:  used,
		MemoryFree:  total - used,
	}, nil
}
