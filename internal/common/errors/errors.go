// Package errors provides the standardized error taxonomy of the agent service.
package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeUnknownAgent   ErrorCode = "UNKNOWN_AGENT"
	ErrCodeAgentDisabled  ErrorCode = "AGENT_DISABLED"

	ErrCodeLLMTimeout             ErrorCode = "LLM_TIMEOUT"
	ErrCodeLLMSynthesisFailed     ErrorCode = "LLM_SYNTHESIS_FAILED"
	ErrCodeSynthesisSchemaInvalid ErrorCode = "SYNTHESIS_SCHEMA_INVALID"
	ErrCodeCritiqueFailed         ErrorCode = "CRITIQUE_FAILED"

	ErrCodeWebSearchTimeout ErrorCode = "WEB_SEARCH_TIMEOUT"
	ErrCodeWebSearchFailed  ErrorCode = "WEB_SEARCH_FAILED"
	ErrCodeCRMRequestFailed ErrorCode = "CRM_REQUEST_FAILED"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	ErrCodeConfigurationInvalid ErrorCode = "CONFIGURATION_INVALID"
	ErrCodeInternal             ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a key to the error metadata and returns the error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. Error Constructors
// ==========================

func NewInvalidRequestError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidRequest,
		Message:   "Invalid request payload",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewUnknownAgentError(agentID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnknownAgent,
		Message:   "Unknown agent",
		Details:   fmt.Sprintf("agent: %s", agentID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewAgentDisabledError(agentID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeAgentDisabled,
		Message:   "Agent is disabled",
		Details:   fmt.Sprintf("agent: %s", agentID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewLLMTimeoutError creates a retryable LLM timeout error.
func NewLLMTimeoutError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeLLMTimeout,
		Message:   "Analysis timed out",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewLLMSynthesisFailedError covers call failures, empty completions and unparseable JSON.
func NewLLMSynthesisFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeLLMSynthesisFailed,
		Message:   "Analysis could not be completed",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewSynthesisSchemaInvalidError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeSynthesisSchemaInvalid,
		Message:   "Analysis returned an unexpected shape",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCritiqueFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCritiqueFailed,
		Message:   "Quality check unavailable",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewWebSearchTimeoutError is folded into a gap by the gatherer, never returned to callers.
func NewWebSearchTimeoutError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeWebSearchTimeout,
		Message:   "Web search timeout",
		Details:   errDetails(err),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewWebSearchFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeWebSearchFailed,
		Message:   "Web search failed",
		Details:   errDetails(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCRMRequestFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCRMRequestFailed,
		Message:   "CRM request failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, errDetails(err)),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewCircuitOpenError(capability string) *StandardError {
	return &StandardError{
		Code:      ErrCodeCircuitOpen,
		Message:   fmt.Sprintf("Capability '%s' temporarily unavailable", capability),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

func NewConfigurationInvalidError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeConfigurationInvalid,
		Message:   "Invalid configuration",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

func NewInternalError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeInternal,
		Message:   "Unexpected error",
		Details:   errDetails(err),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func errDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 3. Utility Functions
// ==========================

// HTTPStatus maps an error code to the status returned to callers.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeUnknownAgent:
		return http.StatusNotFound
	case ErrCodeAgentDisabled:
		return http.StatusForbidden
	case ErrCodeLLMTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeLLMSynthesisFailed, ErrCodeSynthesisSchemaInvalid:
		return http.StatusBadGateway
	case ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryableErrorCode checks if an error code is retryable by the caller.
func IsRetryableErrorCode(code ErrorCode) bool {
	switch code {
	case ErrCodeLLMTimeout, ErrCodeLLMSynthesisFailed, ErrCodeSynthesisSchemaInvalid,
		ErrCodeWebSearchFailed, ErrCodeCRMRequestFailed, ErrCodeCircuitOpen, ErrCodeCritiqueFailed:
		return true
	default:
		return false
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "LLM") || strings.Contains(codeStr, "SYNTHESIS") || strings.Contains(codeStr, "CRITIQUE"):
		return "AI"
	case strings.Contains(codeStr, "SEARCH"):
		return "SEARCH"
	case strings.Contains(codeStr, "CRM"):
		return "CRM"
	case strings.Contains(codeStr, "AGENT") || strings.Contains(codeStr, "REQUEST"):
		return "REQUEST"
	case strings.Contains(codeStr, "CIRCUIT"):
		return "RESILIENCE"
	case strings.Contains(codeStr, "CONFIGURATION"):
		return "CONFIGURATION"
	default:
		return "INTERNAL"
	}
}
