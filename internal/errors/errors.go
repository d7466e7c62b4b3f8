package errors

import "fmt"

// ErrorCode represents a voxmux error code.
type ErrorCode string

const (
	ErrInvalidIdentityInput   ErrorCode = "INVALID_IDENTITY_INPUT"   // 400
	ErrInvalidRequest         ErrorCode = "INVALID_REQUEST"          // 400
	ErrNotFound               ErrorCode = "NOT_FOUND"                // 404
	ErrDuplicateActiveConcept ErrorCode = "DUPLICATE_ACTIVE_CONCEPT" // 409
	ErrLowConfidence          ErrorCode = "LOW_CONFIDENCE"           // 422
	ErrStrategyExecution      ErrorCode = "STRATEGY_EXECUTION"       // 500 (isolated per strategy)
	ErrNoStrategyMatched      ErrorCode = "NO_STRATEGY_MATCHED"      // 404
	ErrCacheBuildFailure      ErrorCode = "CACHE_BUILD_FAILURE"      // 503
	ErrTimeout                ErrorCode = "TIMEOUT"                  // 504
	ErrInternal               ErrorCode = "INTERNAL"                 // 500
)

// VoxError represents a structured error with code, status, and details.
type VoxError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *VoxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidIdentityInput creates a 400 error for malformed identity inputs.
func NewInvalidIdentityInput(field string) *VoxError {
	return &VoxError{
		Code:    ErrInvalidIdentityInput,
		Status:  400,
		Message: fmt.Sprintf("identity input %s must not be empty", field),
		Details: map[string]any{"field": field},
	}
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *VoxError {
	return &VoxError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing record.
func NewNotFound(identifier string) *VoxError {
	return &VoxError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("record not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewDuplicateActiveConcept creates a 409 error carrying the identifier of the
// concept that already owns the (canonical name, category) pair. Callers are
// expected to recover by reusing ExistingID rather than treating this as fatal.
func NewDuplicateActiveConcept(name, category, existingID string) *VoxError {
	return &VoxError{
		Code:    ErrDuplicateActiveConcept,
		Status:  409,
		Message: fmt.Sprintf("active concept already exists for %q in category %q", name, category),
		Details: map[string]any{"name": name, "category": category, "existing_id": existingID},
	}
}

// NewLowConfidence creates a 422 error for recognition results below the gate.
func NewLowConfidence(confidence, minimum float64) *VoxError {
	return &VoxError{
		Code:    ErrLowConfidence,
		Status:  422,
		Message: fmt.Sprintf("recognition confidence %.2f below minimum %.2f", confidence, minimum),
		Details: map[string]any{"confidence": confidence, "minimum": minimum},
	}
}

// NewStrategyExecution wraps a single strategy's failure. The pipeline logs
// these and continues with the next strategy.
func NewStrategyExecution(strategy string, err error) *VoxError {
	msg := "strategy execution failed"
	if err != nil {
		msg = err.Error()
	}
	return &VoxError{
		Code:    ErrStrategyExecution,
		Status:  500,
		Message: msg,
		Details: map[string]any{"strategy": strategy},
	}
}

// NewNoStrategyMatched creates the terminal pipeline failure.
func NewNoStrategyMatched(text string) *VoxError {
	return &VoxError{
		Code:    ErrNoStrategyMatched,
		Status:  404,
		Message: "no strategy handled command",
		Details: map[string]any{"text": text},
	}
}

// NewCacheBuildFailure creates a 503 error for grammar build failures.
// Callers should keep serving the last good cache entry.
func NewCacheBuildFailure(contextID string, err error) *VoxError {
	msg := "grammar cache build failed"
	if err != nil {
		msg = err.Error()
	}
	return &VoxError{
		Code:    ErrCacheBuildFailure,
		Status:  503,
		Message: msg,
		Details: map[string]any{"context_id": contextID},
	}
}

// NewTimeout creates a 504 error for a resolution deadline expiry.
func NewTimeout(elapsed string) *VoxError {
	return &VoxError{
		Code:    ErrTimeout,
		Status:  504,
		Message: "resolution deadline exceeded",
		Details: map[string]any{"elapsed": elapsed},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *VoxError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &VoxError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a VoxError with the given code.
func Is(err error, code ErrorCode) bool {
	if vErr, ok := err.(*VoxError); ok {
		return vErr.Code == code
	}
	return false
}

// ExistingID extracts the surviving concept identifier from a
// DUPLICATE_ACTIVE_CONCEPT error, or "" if the error is something else.
func ExistingID(err error) string {
	vErr, ok := err.(*VoxError)
	if !ok || vErr.Code != ErrDuplicateActiveConcept {
		return ""
	}
	id, _ := vErr.Details["existing_id"].(string)
	return id
}
