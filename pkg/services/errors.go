// Package services implements the domain operations between the HTTP layer
// and the store/scheduler: session lifecycle, run submission, approvals,
// files, and metrics.
package services

import (
	"errors"
	"fmt"
)

// Sentinel errors mapped to HTTP codes by the API layer (see pkg/api).
var (
	// ErrUploadTooLarge indicates the upload exceeds the configured limit.
	ErrUploadTooLarge = errors.New("upload too large")

	// ErrUnsupportedFileType indicates the upload MIME type is not allowed.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrFileNotFound indicates neither the workspace nor the artifact
	// provider holds the requested file.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidState indicates a workflow action attempted out of order.
	ErrInvalidState = errors.New("invalid state")
)

// ValidationError wraps field-specific validation failures (HTTP 400).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
