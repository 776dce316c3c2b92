package engine

import (
	"github.com/pkg/errors"

	"github.com/flowmesh/flowmesh/pkg/repository"
)

// Code classifies an operation failure for the wire
type Code string

// Failure codes surfaced to the sender
const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "RESOURCE_NOT_FOUND"
	CodeDuplicate       Code = "DUPLICATE_RESOURCE"
	CodeOperationFailed Code = "OPERATION_FAILED"
	CodeUnknown         Code = "UNKNOWN_ERROR"
	CodeBlockGone       Code = "BLOCK_GONE"
	CodeWorkflowGone    Code = "WORKFLOW_GONE"
)

// OperationError carries the failure class and retry policy for one rejected
// operation. Validation failures are non-retryable; generic database
// failures are retryable.
type OperationError struct {
	Code      Code
	Retryable bool
	Message   string
	cause     error
}

func (e *OperationError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *OperationError) Unwrap() error { return e.cause }

// AsOperationError extracts an *OperationError, wrapping anything else as
// UNKNOWN_ERROR (retryable).
func AsOperationError(err error) *OperationError {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr
	}
	return &OperationError{
		Code:      CodeUnknown,
		Retryable: true,
		Message:   "operation failed unexpectedly",
		cause:     err,
	}
}

func notFoundError(message string, retryable bool) *OperationError {
	return &OperationError{Code: CodeNotFound, Retryable: retryable, Message: message}
}

// classify maps store errors onto the operation failure taxonomy.
// retryableNotFound distinguishes structural updates that may race with
// concurrent edits (retryable) from deletes of already-gone rows
// (non-retryable).
func classify(err error, message string, retryableNotFound bool) *OperationError {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &OperationError{Code: CodeNotFound, Retryable: retryableNotFound, Message: message, cause: err}
	case errors.Is(err, repository.ErrDuplicate):
		return &OperationError{Code: CodeDuplicate, Retryable: false, Message: message, cause: err}
	default:
		return &OperationError{Code: CodeOperationFailed, Retryable: true, Message: message, cause: err}
	}
}
