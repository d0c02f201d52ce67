package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeConstants(t *testing.T) {
	// Verify expected values match Unix conventions
	tests := []struct {
		name  string
		code  int
		value int
	}{
		{"ExitCodeSuccess", ExitCodeSuccess, 0},
		{"ExitCodeError", ExitCodeError, 1},
		{"ExitCodeConfig", ExitCodeConfig, 2},
		{"ExitCodeModelLoad", ExitCodeModelLoad, 3},
		{"ExitCodeSIGINT", ExitCodeSIGINT, 130},
		{"ExitCodeSIGTERM", ExitCodeSIGTERM, 143},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code != tt.value {
				t.Errorf("%s = %d, want %d", tt.name, tt.code, tt.value)
			}
		})
	}
}

func TestExitCodeName(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{ExitCodeSuccess, "success"},
		{ExitCodeError, "error"},
		{ExitCodeConfig, "configuration error"},
		{ExitCodeModelLoad, "model load failure"},
		{ExitCodeSIGINT, "interrupted (SIGINT)"},
		{ExitCodeSIGTERM, "terminated (SIGTERM)"},
		{42, "unknown"},
	}
	for _, tt := range tests {
		if got := ExitCodeName(tt.code); got != tt.want {
			t.Errorf("ExitCodeName(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestIsSignalExit(t *testing.T) {
	for code, want := range map[int]bool{
		ExitCodeSuccess: false,
		ExitCodeError:   false,
		ExitCodeConfig:  false,
		ExitCodeSIGINT:  true,
		ExitCodeSIGTERM: true,
	} {
		if got := IsSignalExit(code); got != want {
			t.Errorf("IsSignalExit(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"config error", ErrMissingConfig("SD_MODEL_PATH"), ExitCodeConfig},
		{"wrapped config error", fmt.Errorf("load: %w", ErrInvalidValue("LLAMA_BOX_PORT", 0, "bad")), ExitCodeConfig},
		{"other", errors.New("disk on fire"), ExitCodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("ExitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}
