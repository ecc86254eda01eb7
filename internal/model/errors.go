package model

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/stage"
)

// ErrUnsupportedFormat is returned by intake/ocr when a document's media type
// cannot be processed. Retrying never fixes it.
var ErrUnsupportedFormat = eris.New("unsupported document format")

// ValidationError is returned when an operation is forbidden by the current
// state (retrying a run that has not failed, resolving a resolved finding).
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when an entity does not exist or belongs to
// another tenant.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Entity, e.ID) }

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError is returned when a non-terminal run already exists for a
// document.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

// NewConflictError formats a ConflictError.
func NewConflictError(format string, args ...any) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// StageExecutionError records that a stage's work failed. Permanent errors
// skip the remaining retry budget.
type StageExecutionError struct {
	Stage     stage.ID
	Permanent bool
	Err       error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// NewStageError wraps err as a retryable stage failure.
func NewStageError(s stage.ID, err error) *StageExecutionError {
	return &StageExecutionError{Stage: s, Err: err}
}

// NewPermanentStageError wraps err as a stage failure that must not be retried.
func NewPermanentStageError(s stage.ID, err error) *StageExecutionError {
	return &StageExecutionError{Stage: s, Permanent: true, Err: err}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsPermanentStageError reports whether err must bypass the retry budget.
func IsPermanentStageError(err error) bool {
	if errors.Is(err, ErrUnsupportedFormat) {
		return true
	}
	var se *StageExecutionError
	return errors.As(err, &se) && se.Permanent
}
