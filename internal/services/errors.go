package services

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Caller-facing error kinds. Infrastructure failures are wrapped with
// pkg/errors and surface as internal errors instead.
var (
	// ErrUnauthorized means the request carried no credential, an unknown
	// credential, or one belonging to a deactivated hospital.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means a referenced hospital, aggregate, or alert is absent.
	ErrNotFound = errors.New("not found")

	// ErrUpstreamUnavailable means a downstream dependency (notification
	// sink, search index) failed. It never aborts the core write path.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ValidationError reports malformed input, field by field. The caller can
// recover by correcting the request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a ValidationError from field/message pairs
func NewValidationError(fields map[string]string) *ValidationError {
	return &ValidationError{Fields: fields}
}

// AsValidationError unwraps a ValidationError if err carries one
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
