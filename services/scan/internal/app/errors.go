package app

import (
	"errors"
	"fmt"
)

// Error classes. Specific errors wrap exactly one of these.
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
	ErrRecognition  = errors.New("recognition failed")
	ErrPersistence  = errors.New("persistence failed")
)

var (
	ErrScanNotFound    = fmt.Errorf("scan %w", ErrNotFound)
	ErrVehicleNotFound = fmt.Errorf("vehicle %w", ErrNotFound)
	ErrScanForbidden   = fmt.Errorf("scan %w", ErrForbidden)

	ErrScanNotCompleted = fmt.Errorf("%w: scan is not completed", ErrInvalidState)
	ErrScanNotTerminal  = fmt.Errorf("%w: scan is still processing", ErrInvalidState)
	ErrScanImageMissing = fmt.Errorf("%w: scan image is missing", ErrInvalidState)

	ErrImageRequired     = fmt.Errorf("%w: image is required", ErrValidation)
	ErrImageTooLarge     = fmt.Errorf("%w: image is too large", ErrValidation)
	ErrImageUnsupported  = fmt.Errorf("%w: unsupported image type", ErrValidation)
	ErrImageUndecodable  = fmt.Errorf("%w: image could not be decoded", ErrValidation)
	ErrUnsupportedFormat = fmt.Errorf("%w: unsupported export format", ErrValidation)

	// ErrImageTooManyPixels also matches ErrImageTooLarge.
	ErrImageTooManyPixels = fmt.Errorf("%w: image dimensions exceed limit", ErrImageTooLarge)
)

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports rejected request fields. It matches ErrValidation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", e.Fields[0].Field, e.Fields[0].Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
