// Package core defines the shared types, interfaces, and error taxonomy for
// the resampler service.
package core

import "context"

// Separator is the harmonic/noise separation inference service. It takes a
// waveform and returns a harmonic component and a residual component of the
// same length.
type Separator interface {
	Separate(ctx context.Context, wave []float64, sampleRate int) (harmonic, residual []float64, err error)
}

// Vocoder is the neural-vocoder inference service. It takes per-frame pitch,
// spectral-envelope, and aperiodicity arrays of equal frame count and returns
// a waveform of frameCount*hopSize samples, within one hop of edge margin.
type Vocoder interface {
	Synthesize(ctx context.Context, warped *WarpedFeatures) ([]float64, error)
}

// FeatureStore is the content-addressed acoustic-feature cache.
//
// Lookup never returns partially written data: entries become visible only
// after an atomic rename. A corrupted or version-mismatched entry is reported
// as ErrCacheCorrupt so callers can treat it as a miss.
type FeatureStore interface {
	Lookup(key CacheKey) (*AcousticFeatures, error)
	Store(key CacheKey, features *AcousticFeatures) error
	Invalidate(key CacheKey) error
}

// Renderer executes one render request end to end. Implementations must not
// write a partial output file on failure.
type Renderer interface {
	Render(ctx context.Context, request *RenderRequest) error
}

// ObjectStore moves voicebank samples and rendered audio between the worker
// and a shared bucket.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
