package examprep

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Use errors.Is to check: errors.Is(err, examprep.ErrModelTimeout)
var (
	ErrSegmentationFailure = errors.New("examprep: segmentation failure")
	ErrModelTimeout        = errors.New("examprep: model timeout")
	ErrModelQuotaExceeded  = errors.New("examprep: model quota exceeded")
	ErrModelRefusal        = errors.New("examprep: model refusal")
	ErrUnparsableResponse  = errors.New("examprep: unparsable response")
	ErrBatchTooLarge       = errors.New("examprep: batch exceeds maximum size")
	ErrInvalidReview       = errors.New("examprep: invalid review input")
	ErrIngestionInProgress = errors.New("examprep: ingestion already in progress for exam")
	ErrWriteConflict       = errors.New("examprep: store write conflict")
	ErrNotFound            = errors.New("examprep: not found")
	ErrInvalidConfig       = errors.New("examprep: invalid configuration")
)

// ParseError reports a response that survived no repair stage.
type ParseError struct {
	Raw    string
	Offset int64 // byte offset in Raw of the first strict-parse error
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("examprep: unparsable response at offset %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrUnparsableResponse, e.Err}
}

// ModelError is a classified failure from a model provider.
type ModelError struct {
	Kind       error // one of ErrModelTimeout, ErrModelQuotaExceeded, ErrModelRefusal
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ModelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (status %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%v (status %d): %v", e.Kind, e.StatusCode, e.Err)
}

func (e *ModelError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
