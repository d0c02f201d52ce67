package validation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/linyinli/llama-box/core"
	"github.com/linyinli/llama-box/sdruntime"
)

// ValidationStep represents a single validation step with its status.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

// String returns the string representation of a step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepRunning:
		return "running"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// SuiteResult represents the complete result of validation suite execution.
type SuiteResult struct {
	Steps       []ValidationStep
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// ValidationSuite runs the startup checks that must pass before model
// weights are loaded: configuration, model files on disk, the optional
// model checksum and free space for the history database.
type ValidationSuite struct {
	output       io.Writer
	envPath      string
	server       *core.Config
	generation   *sdruntime.GenerationConfig
	minFreeBytes uint64
	showProgress bool
	failFast     bool
}

// NewValidationSuite creates a new ValidationSuite with default settings.
func NewValidationSuite(server *core.Config, generation *sdruntime.GenerationConfig) *ValidationSuite {
	return &ValidationSuite{
		output:       os.Stdout,
		envPath:      ".env",
		server:       server,
		generation:   generation,
		minFreeBytes: MinHistoryFreeBytes,
		showProgress: true,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *ValidationSuite) WithOutput(w io.Writer) *ValidationSuite {
	s.output = w
	return s
}

// WithShowProgress enables or disables progress output.
func (s *ValidationSuite) WithShowProgress(show bool) *ValidationSuite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on first failure if enabled.
func (s *ValidationSuite) WithFailFast(failFast bool) *ValidationSuite {
	s.failFast = failFast
	return s
}

// WithEnvPath sets a custom path for the .env file.
func (s *ValidationSuite) WithEnvPath(path string) *ValidationSuite {
	s.envPath = path
	return s
}

// WithMinFreeBytes sets the free space required next to the history database.
func (s *ValidationSuite) WithMinFreeBytes(n uint64) *ValidationSuite {
	s.minFreeBytes = n
	return s
}

type check struct {
	name string
	fn   func() (StepStatus, string, error)
}

// Validate runs all validation checks in sequence with progress output.
// Returns a SuiteResult with complete validation results.
func (s *ValidationSuite) Validate() SuiteResult {
	startTime := time.Now()

	if s.showProgress {
		s.printHeader("llama-box Startup Validation")
	}

	checks := []check{
		{"Environment File", s.checkEnvFile},
		{"Server Configuration", s.checkServerConfig},
		{"Generation Configuration", s.checkGenerationConfig},
	}
	checks = append(checks, s.modelFileChecks()...)
	checks = append(checks,
		check{"Model Checksum", s.checkModelChecksum},
		check{"History Storage", s.checkHistoryStorage},
	)

	steps := make([]ValidationStep, 0, len(checks))
	for _, c := range checks {
		step := s.runStep(c.name, c.fn)
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			break
		}
	}

	result := s.buildResult(steps, startTime)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

// ValidateQuick runs only the configuration checks, touching no model files.
func (s *ValidationSuite) ValidateQuick() SuiteResult {
	startTime := time.Now()

	if s.showProgress {
		s.printHeader("Quick Configuration Check")
	}

	checks := []check{
		{"Environment File", s.checkEnvFile},
		{"Server Configuration", s.checkServerConfig},
		{"Generation Configuration", s.checkGenerationConfig},
	}

	steps := make([]ValidationStep, 0, len(checks))
	for _, c := range checks {
		step := s.runStep(c.name, c.fn)
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			break
		}
	}

	result := s.buildResult(steps, startTime)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

// checkEnvFile warns rather than fails: the service manager may provide
// the environment directly.
func (s *ValidationSuite) checkEnvFile() (StepStatus, string, error) {
	if _, err := CheckFileExists(s.envPath); err != nil {
		return StepWarning, "not found, using process environment", core.ErrEnvFileMissing(s.envPath)
	}
	return StepPassed, s.envPath, nil
}

func (s *ValidationSuite) checkServerConfig() (StepStatus, string, error) {
	if s.server == nil {
		return StepFailed, "not loaded", core.ErrMissingConfig("server configuration")
	}
	if err := s.server.Validate(); err != nil {
		return StepFailed, "invalid", err
	}
	return StepPassed, s.server.ListenAddr(), nil
}

func (s *ValidationSuite) checkGenerationConfig() (StepStatus, string, error) {
	if s.generation == nil {
		return StepFailed, "not loaded", core.ErrMissingConfig("generation configuration")
	}
	if err := s.generation.Validate(); err != nil {
		return StepFailed, "invalid", err
	}
	return StepPassed, fmt.Sprintf("%d lora adapter(s), %d upscale pass(es)",
		len(s.generation.LoraAdapters), s.generation.UpscaleRepeats), nil
}

// modelFileChecks returns one check per configured model file, ordered by
// variable name so output is stable.
func (s *ValidationSuite) modelFileChecks() []check {
	if s.generation == nil {
		return nil
	}
	files := s.generation.ModelFiles()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]check, 0, len(names))
	for _, name := range names {
		path := files[name]
		checks = append(checks, check{
			name: "Model File " + name,
			fn: func() (StepStatus, string, error) {
				size, err := CheckFileExists(path)
				if err != nil {
					return StepFailed, err.Error(), core.ErrModelMissing(name, path)
				}
				if size == 0 {
					return StepFailed, "file is empty", core.ErrModelMissing(name, path)
				}
				return StepPassed, fmt.Sprintf("%s (%s)", filepath.Base(path), humanize.IBytes(uint64(size))), nil
			},
		})
	}
	return checks
}

func (s *ValidationSuite) checkModelChecksum() (StepStatus, string, error) {
	if s.generation == nil || s.generation.ModelSHA256 == "" {
		return StepSkipped, "SD_MODEL_SHA256 not set", nil
	}
	if err := core.VerifyChecksum(s.generation.ModelPath, s.generation.ModelSHA256); err != nil {
		return StepFailed, "checksum mismatch", err
	}
	return StepPassed, "sha256 verified", nil
}

// checkHistoryStorage warns on low disk space; generation still works
// when history writes fail.
func (s *ValidationSuite) checkHistoryStorage() (StepStatus, string, error) {
	if s.server == nil || s.server.DatabasePath == "" {
		return StepSkipped, "history disabled", nil
	}
	info, err := CheckDiskSpace(filepath.Dir(s.server.DatabasePath), s.minFreeBytes)
	if err != nil {
		var dse *DiskSpaceError
		if errors.As(err, &dse) {
			return StepWarning, "low disk space", err
		}
		return StepWarning, "cannot determine free space", err
	}
	return StepPassed, fmt.Sprintf("%s free at %s", humanize.IBytes(info.Free), info.Path), nil
}

// runStep executes a validation step with timing and progress output.
func (s *ValidationSuite) runStep(name string, fn func() (StepStatus, string, error)) ValidationStep {
	step := ValidationStep{Name: name, Status: StepRunning}

	if s.showProgress {
		s.printStepStart(name)
	}

	startTime := time.Now()
	status, message, err := fn()
	step.Latency = time.Since(startTime)
	step.Status = status
	step.Message = message
	step.Error = err

	if s.showProgress {
		s.printStep(step)
	}

	return step
}

// buildResult creates a SuiteResult from completed steps.
func (s *ValidationSuite) buildResult(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := SuiteResult{
		Steps:      steps,
		TotalSteps: len(steps),
		Duration:   time.Since(startTime),
		Success:    true,
	}

	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}

	return result
}

// printHeader prints a validation header.
func (s *ValidationSuite) printHeader(title string) {
	fmt.Fprintln(s.output)
	headerColor := color.New(color.FgCyan, color.Bold)
	headerColor.Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

// printStepStart prints the step name before execution.
func (s *ValidationSuite) printStepStart(name string) {
	fmt.Fprintf(s.output, "  ◌ %s...", name)
}

// printStep prints a completed validation step with status indicator.
func (s *ValidationSuite) printStep(step ValidationStep) {
	var icon string
	var clr *color.Color

	switch step.Status {
	case StepPassed:
		icon = "✓"
		clr = color.New(color.FgGreen)
	case StepFailed:
		icon = "✗"
		clr = color.New(color.FgRed)
	case StepWarning:
		icon = "!"
		clr = color.New(color.FgYellow)
	case StepSkipped:
		icon = "○"
		clr = color.New(color.FgHiBlack)
	default:
		icon = "?"
		clr = color.New(color.FgWhite)
	}

	fmt.Fprintf(s.output, "\r")
	clr.Fprintf(s.output, "  %s %s", icon, step.Name)

	if step.Message != "" {
		dim := color.New(color.FgHiBlack)
		dim.Fprintf(s.output, " - %s", step.Message)
	}

	fmt.Fprintln(s.output)

	if step.Status == StepFailed && step.Error != nil {
		errColor := color.New(color.FgRed)
		errColor.Fprintf(s.output, "    └─ %s\n", step.Error.Error())
	}
}

// printSummary prints the validation summary.
func (s *ValidationSuite) printSummary(result SuiteResult) {
	fmt.Fprintln(s.output)

	if result.Success {
		successColor := color.New(color.FgGreen, color.Bold)
		successColor.Fprintf(s.output, "━━━ Validation Passed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d/%d checks passed in %v)",
			result.PassedSteps, result.TotalSteps, result.Duration.Round(time.Millisecond))
		successColor.Fprintln(s.output, " ━━━")
	} else {
		failColor := color.New(color.FgRed, color.Bold)
		failColor.Fprintf(s.output, "━━━ Validation Failed ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d passed, %d failed)",
			result.PassedSteps, result.FailedSteps)
		failColor.Fprintln(s.output, " ━━━")
	}

	fmt.Fprintln(s.output)
}

// GetErrors returns the errors of failed steps. Warnings are not included.
func (r SuiteResult) GetErrors() []error {
	errs := make([]error, 0)
	for _, step := range r.Steps {
		if step.Status == StepFailed && step.Error != nil {
			errs = append(errs, step.Error)
		}
	}
	return errs
}

// GetFirstError returns the first error from failed steps, or nil if all passed.
func (r SuiteResult) GetFirstError() error {
	for _, step := range r.Steps {
		if step.Status == StepFailed && step.Error != nil {
			return step.Error
		}
	}
	return nil
}

// Summary returns a human-readable summary string.
func (r SuiteResult) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Validation %s: ", map[bool]string{true: "Passed", false: "Failed"}[r.Success]))
	sb.WriteString(fmt.Sprintf("%d/%d checks passed", r.PassedSteps, r.TotalSteps))
	if r.FailedSteps > 0 {
		sb.WriteString(fmt.Sprintf(", %d failed", r.FailedSteps))
	}
	if r.Warnings > 0 {
		sb.WriteString(fmt.Sprintf(", %d warnings", r.Warnings))
	}
	sb.WriteString(fmt.Sprintf(" (took %v)", r.Duration.Round(time.Millisecond)))
	return sb.String()
}
