package stage

import "fmt"

// ErrorCode classifies stage and checkpoint failures.
type ErrorCode string

const (
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidRunID     ErrorCode = "INVALID_RUN_ID"
	ErrCodeChecksumMismatch ErrorCode = "CHECKSUM_MISMATCH"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeAborted          ErrorCode = "ABORTED"
)

// StageError is a structured error for stage operations.
type StageError struct {
	Code    ErrorCode
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage: %s: %s", e.Code, e.Message)
}

func newError(code ErrorCode, format string, args ...any) *StageError {
	return &StageError{Code: code, Message: fmt.Sprintf(format, args...)}
}
