package types

import (
	"errors"
	"fmt"
)

var (
	ErrStillProcessing   = errors.New("document is still processing")
	ErrDocumentNotFound  = errors.New("document not found")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ValidationError rejects bad input before any external call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// EmptyInputError is returned when blank text is given to the embedder.
type EmptyInputError struct{}

func (EmptyInputError) Error() string {
	return "embedding input is empty"
}

// EmbeddingServiceError means the embedding backend failed after retries.
type EmbeddingServiceError struct {
	Attempts int
	Err      error
}

func (e *EmbeddingServiceError) Error() string {
	return fmt.Sprintf("embedding service failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }

// StorageError wraps failures from a vector or document store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// GenerationServiceError wraps failures from the text generation backend.
type GenerationServiceError struct {
	Err error
}

func (e *GenerationServiceError) Error() string {
	return fmt.Sprintf("generation service: %v", e.Err)
}

func (e *GenerationServiceError) Unwrap() error { return e.Err }

// PermanentError marks a backend error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError or EmptyInputError.
func IsValidation(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ee EmptyInputError
	return errors.As(err, &ee)
}
