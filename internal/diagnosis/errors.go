package diagnosis

import (
	"errors"
	"fmt"
)

// ErrNotConfigured means the filter model is missing, so no upload can be
// diagnosed.
var ErrNotConfigured = errors.New("filter model is not loaded")

// DecodeError wraps an upload that could not be decoded as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransformError wraps a failure while normalizing or preparing tensors.
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// ScoringError wraps a failure reported by a model.
type ScoringError struct {
	Model string
	Err   error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("%s model: %v", e.Model, e.Err)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}
