package utils

import (
	"errors"
	"fmt"

	"github.com/MozGangster/ydsync/internal/types"
)

// Exit codes
const (
	ExitSuccess = 0
	// Auth errors (10-19)
	ExitAuthRequired = 10
	ExitAuthExpired  = 11
	// Remote errors (20-29)
	ExitNotFound         = 20
	ExitPermissionDenied = 21
	ExitQuotaExceeded    = 22
	ExitConflict         = 23
	// Network errors (30-39)
	ExitNetworkError = 30
	ExitTimeout      = 31
	ExitRateLimited  = 32
	ExitHTTPError    = 33
	// Validation errors (40-49)
	ExitInvalidArgument = 40
	ExitInvalidPath     = 41
	// Sync errors (50-59)
	ExitCorruptedState     = 50
	ExitIntegrityViolation = 51
	ExitRunActive          = 52
	ExitCancelled          = 53
	// Batch errors
	ExitPartialFailure = 60
	// Unknown
	ExitUnknown = 99
)

// Error codes (tool-owned, stable)
const (
	ErrCodeAuthRequired       = "AUTH_REQUIRED"
	ErrCodeAuthExpired        = "AUTH_EXPIRED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeNetworkError       = "NETWORK_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeHTTPNonRetryable   = "HTTP_NON_RETRYABLE"
	ErrCodeInvalidArgument    = "INVALID_ARGUMENT"
	ErrCodeInvalidPath        = "INVALID_PATH"
	ErrCodeCorruptedState     = "CORRUPTED_STATE"
	ErrCodeIntegrityViolation = "INTEGRITY_VIOLATION"
	ErrCodeTaskFailed         = "TASK_FAILED"
	ErrCodeRunActive          = "RUN_ACTIVE"
	ErrCodePartialFailure     = "PARTIAL_FAILURE"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeUnknown            = "UNKNOWN"
)

// CLIErrorBuilder helps construct CLIError instances
type CLIErrorBuilder struct {
	err types.CLIError
}

// NewCLIError creates a new error builder
func NewCLIError(code, message string) *CLIErrorBuilder {
	return &CLIErrorBuilder{
		err: types.CLIError{
			Code:    code,
			Message: message,
		},
	}
}

func (b *CLIErrorBuilder) WithHTTPStatus(status int) *CLIErrorBuilder {
	b.err.HTTPStatus = status
	return b
}

func (b *CLIErrorBuilder) WithRetryable(retryable bool) *CLIErrorBuilder {
	b.err.Retryable = retryable
	return b
}

func (b *CLIErrorBuilder) WithContext(key string, value interface{}) *CLIErrorBuilder {
	if b.err.Context == nil {
		b.err.Context = make(map[string]interface{})
	}
	b.err.Context[key] = value
	return b
}

func (b *CLIErrorBuilder) Build() types.CLIError {
	return b.err
}

// GetExitCode returns the exit code for an error code
func GetExitCode(errorCode string) int {
	mapping := map[string]int{
		ErrCodeAuthRequired:       ExitAuthRequired,
		ErrCodeAuthExpired:        ExitAuthExpired,
		ErrCodeNotFound:           ExitNotFound,
		ErrCodePermissionDenied:   ExitPermissionDenied,
		ErrCodeQuotaExceeded:      ExitQuotaExceeded,
		ErrCodeConflict:           ExitConflict,
		ErrCodeNetworkError:       ExitNetworkError,
		ErrCodeTimeout:            ExitTimeout,
		ErrCodeRateLimited:        ExitRateLimited,
		ErrCodeHTTPNonRetryable:   ExitHTTPError,
		ErrCodeInvalidArgument:    ExitInvalidArgument,
		ErrCodeInvalidPath:        ExitInvalidPath,
		ErrCodeCorruptedState:     ExitCorruptedState,
		ErrCodeIntegrityViolation: ExitIntegrityViolation,
		ErrCodeTaskFailed:         ExitPartialFailure,
		ErrCodeRunActive:          ExitRunActive,
		ErrCodePartialFailure:     ExitPartialFailure,
		ErrCodeCancelled:          ExitCancelled,
	}
	if code, ok := mapping[errorCode]; ok {
		return code
	}
	return ExitUnknown
}

// AppError is a custom error type that carries CLI error info
type AppError struct {
	CLIError types.CLIError
	cause    error
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.CLIError.Code, e.CLIError.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

// NewAppError creates an AppError from a CLIError
func NewAppError(cliErr types.CLIError) *AppError {
	return &AppError{CLIError: cliErr}
}

// WrapAppError creates an AppError that keeps cause reachable through errors.Is/As.
func WrapAppError(cliErr types.CLIError, cause error) *AppError {
	return &AppError{CLIError: cliErr, cause: cause}
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.CLIError.Code == code
	}
	return false
}

// CodeOf returns the AppError code carried by err, or ErrCodeUnknown.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.CLIError.Code
	}
	return ErrCodeUnknown
}
