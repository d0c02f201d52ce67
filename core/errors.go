package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeEnvFileMissing = "ENV_FILE_MISSING"
	ErrCodeMissingConfig  = "MISSING_CONFIG"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeModelMissing   = "MODEL_MISSING"
	ErrCodeConfigFile     = "CONFIG_FILE"
)

// ErrEnvFileMissing returns an error for a missing .env file.
func ErrEnvFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Copy example.env to .env and configure the required values",
	}
}

// ErrMissingConfig returns an error for missing required configuration.
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrInvalidValue returns an error for a configuration value outside its allowed range.
func ErrInvalidValue(varName string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s=%v: %s", varName, value, reason),
		Action:  fmt.Sprintf("Correct %s in your .env file", varName),
	}
}

// ErrModelMissing returns an error for a configured model file that does not exist.
func ErrModelMissing(varName, path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeModelMissing,
		Message: fmt.Sprintf("Model file for %s not found: %s", varName, path),
		Action:  "Download the model or point the variable at an existing file",
	}
}

// ErrConfigFile returns an error for an unreadable or malformed config file.
func ErrConfigFile(path string, err error) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeConfigFile,
		Message: fmt.Sprintf("Cannot load config file %s: %v", path, err),
		Action:  "Fix the YAML syntax or unset SD_CONFIG_FILE",
	}
}

// IsConfigError checks if an error is (or wraps) a ConfigError and returns it if so.
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError.
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}
