package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces sensitive values in log output.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,})`),
	regexp.MustCompile(`(?i)(hf_[a-zA-Z0-9]{30,})`), // Hugging Face tokens, seen in model download URLs
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._~+/=-]{8,})`),
	regexp.MustCompile(`(?i)(api_key\s*[:=]\s*[^\s,;&]{8,})`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;&]{8,})`),
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;&]{8,})`),
}

// sensitiveFieldNames are substrings of field and variable names whose
// values are always redacted.
var sensitiveFieldNames = []string{
	"API_KEY",
	"APIKEY",
	"AUTHORIZATION",
	"PASSWORD",
	"SECRET",
	"TOKEN",
}

// RedactSensitiveData replaces credential-looking substrings of value.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a field name indicates a credential.
//
//	IsSensitiveField("LLAMA_BOX_API_KEY") // true
//	IsSensitiveField("prompt")            // false
func IsSensitiveField(fieldName string) bool {
	upperName := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upperName, name) {
			return true
		}
	}
	return false
}
