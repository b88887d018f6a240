package pipeline

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// ErrInputNotFound is returned, wrapped with the path, when the input is
// missing, unreadable or a directory. It is reported before any decoding.
var ErrInputNotFound = errors.New("input not found")

// DurationExceededError rejects audio longer than the policy allows.
type DurationExceededError struct {
	Measured float64
	Limit    float64
}

func (e *DurationExceededError) Error() string {
	return fmt.Sprintf("audio duration %.2fs exceeds the %.2fs limit", e.Measured, e.Limit)
}

// ProcessingError wraps an unexpected fault and the stage it occurred in.
type ProcessingError struct {
	Stage State
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed after %s: %v", e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Error kinds reported to transports.
const (
	KindInputNotFound    = "input_not_found"
	KindDecode           = "decode_error"
	KindDurationExceeded = "duration_exceeded"
	KindProcessing       = "processing_error"
)

// Kind classifies a terminal error from Process.
func Kind(err error) string {
	var decodeErr *audio.DecodeError
	var durationErr *DurationExceededError
	switch {
	case errors.Is(err, ErrInputNotFound):
		return KindInputNotFound
	case errors.As(err, &durationErr):
		return KindDurationExceeded
	case errors.As(err, &decodeErr):
		return KindDecode
	}
	return KindProcessing
}
