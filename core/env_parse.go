package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// lookupEnv returns the trimmed value of key and whether it is non-empty.
func lookupEnv(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

// parseEnv applies parse to the variable, keeping defaultValue when the
// variable is unset or does not parse.
func parseEnv[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}
	parsed, err := parse(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvOrDefault returns the trimmed value of an environment variable, or
// defaultValue when it is unset or blank.
func GetEnvOrDefault(key, defaultValue string) string {
	if value, ok := lookupEnv(key); ok {
		return value
	}
	return defaultValue
}

// ParseIntEnv parses an environment variable as an int.
// Returns the default value if the variable is not set or cannot be parsed.
func ParseIntEnv(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi)
}

func ParseInt64Env(key string, defaultValue int64) int64 {
	return parseEnv(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func ParseFloat64Env(key string, defaultValue float64) float64 {
	return parseEnv(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseFloat32Env reads single-precision values, which is what the engine
// takes for guidance and scales.
func ParseFloat32Env(key string, defaultValue float32) float32 {
	return parseEnv(key, defaultValue, func(s string) (float32, error) {
		f, err := strconv.ParseFloat(s, 32)
		return float32(f), err
	})
}

// ParseBoolEnv accepts true/1/yes/on and false/0/no/off, case-insensitive.
// Anything else keeps the default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	value, ok := lookupEnv(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return defaultValue
}

// ParseDurationEnv reads a whole number of seconds.
func ParseDurationEnv(key string, defaultSeconds int) time.Duration {
	return time.Duration(ParseIntEnv(key, defaultSeconds)) * time.Second
}

// ParseListEnv splits a comma-separated variable into trimmed, non-empty
// items. Returns nil when the variable is unset.
func ParseListEnv(key string) []string {
	value, ok := lookupEnv(key)
	if !ok {
		return nil
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
