package domain

import "errors"

// Common domain errors
var (
	ErrNotInitialized = errors.New("authorizer is not initialized")
	ErrEngineBuild    = errors.New("engine build failed")
	ErrCallback       = errors.New("init callback failed")
	ErrConfigInvalid  = errors.New("invalid configuration")
)

// Error codes carried by DomainError and ErrorResponse.
const (
	CodeNotInitialized = "NOT_INITIALIZED"
	CodeEngineBuild    = "ENGINE_BUILD_FAILED"
	CodeCallback       = "CALLBACK_FAILED"
	CodeBadRequest     = "BAD_REQUEST"
	CodeEvaluation     = "EVALUATION_FAILED"
	CodeRateLimited    = "RATE_LIMITED"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Cause   error
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Err.Error() + ": " + e.Cause.Error()
	}
	return e.Err.Error()
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *DomainError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// NewEngineBuildError reports a model or policy rejected by the engine builder.
func NewEngineBuildError(cause error) *DomainError {
	return &DomainError{Err: ErrEngineBuild, Cause: cause, Code: CodeEngineBuild}
}

// NewCallbackError reports an init callback that returned an error.
func NewCallbackError(queue string, cause error) *DomainError {
	return &DomainError{
		Err:     ErrCallback,
		Cause:   cause,
		Code:    CodeCallback,
		Message: queue + " callback failed: " + cause.Error(),
	}
}

// ErrorCode extracts the machine-readable code from err, or "" when err is not
// a DomainError and not one of the known sentinels.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, ErrNotInitialized) {
		return CodeNotInitialized
	}
	return ""
}

// ErrorResponse defines the standard JSON error model returned by the decision API.
// TraceID should carry the current OpenTelemetry trace identifier when available to aid diagnostics.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g., NOT_INITIALIZED)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
