package core

import "errors"

// The render error taxonomy. Every failure surfaced by the pipeline wraps one
// of these so transports can classify it with errors.Is.
var (
	// ErrInvalidTiming indicates malformed or contradictory timing marks.
	// Fatal for the request; no output is written.
	ErrInvalidTiming = errors.New("invalid timing marks")

	// ErrExtractionFailed indicates the input sample could not be decoded or
	// is shorter than one analysis frame. Fatal; no cache entry is written.
	ErrExtractionFailed = errors.New("feature extraction failed")

	// ErrCacheCorrupt indicates an unreadable or version-mismatched cache
	// entry. Recoverable: callers treat it as a miss and recompute.
	ErrCacheCorrupt = errors.New("cache entry corrupt")

	// ErrInferenceFailed indicates the inference service is unreachable or
	// returned a shape mismatch. Fatal and surfaced to the caller.
	ErrInferenceFailed = errors.New("inference failed")

	// ErrIOFailure indicates the input sample could not be read or the output
	// waveform could not be written. Fatal for the request.
	ErrIOFailure = errors.New("i/o failure")
)
