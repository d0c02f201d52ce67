package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/linyinli/llama-box/sdruntime"
	"github.com/linyinli/llama-box/shutdown"
)

// Error types reported in the OpenAI error envelope.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeRateLimit      = "rate_limit_error"
	errTypeUnavailable    = "service_unavailable"
	errTypeServer         = "server_error"
)

// statusClientClosedRequest is logged when the caller goes away mid-generation.
const statusClientClosedRequest = 499

// writeJSON encodes data with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an OpenAI-style error body so openai clients surface
// the message as an *openai.APIError.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, openai.ErrorResponse{Error: newAPIError(status, errType, message)})
}

func newAPIError(status int, errType, message string) *openai.APIError {
	return &openai.APIError{
		Code:    status,
		Message: message,
		Type:    errType,
	}
}

// classifyError maps a generation error to an HTTP status and error type.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, sdruntime.ErrInvalidPrompt), errors.Is(err, sdruntime.ErrInvalidParams):
		return http.StatusBadRequest, errTypeInvalidRequest
	case errors.Is(err, shutdown.ErrTrackerClosed),
		errors.Is(err, sdruntime.ErrContextPoolClosed),
		errors.Is(err, sdruntime.ErrAcquireTimeout):
		return http.StatusServiceUnavailable, errTypeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTypeServer
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, errTypeServer
	default:
		return http.StatusInternalServerError, errTypeServer
	}
}
