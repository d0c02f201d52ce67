package sdruntime

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidatePrompt validates a prompt string for image generation.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}

	// The prompt crosses into C as a NUL-terminated string.
	if strings.ContainsRune(prompt, '\x00') {
		return fmt.Errorf("%w: prompt contains null bytes", ErrInvalidPrompt)
	}

	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("%w: prompt length %d exceeds maximum %d",
			ErrInvalidPrompt, len(prompt), MaxPromptLength)
	}

	return nil
}

// SanitizePrompt trims the prompt, drops control characters and collapses
// runs of whitespace to a single space. Weighting syntax such as
// "(word:1.2)" and "<lora:name:0.8>" passes through untouched.
func SanitizePrompt(prompt string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, prompt)
	return strings.Join(strings.Fields(cleaned), " ")
}
