package classification

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotLoaded       = errors.New("model not loaded")
	ErrLabelIndexOutOfRange = errors.New("label index out of range")
)

// DecodeError reports image bytes the decoder could not read.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot identify image file: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// InferenceError reports a failed forward pass or an unusable model output.
type InferenceError struct {
	Message string
	Cause   error
}

func (e *InferenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}
