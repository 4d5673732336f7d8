package core

import (
	"encoding/hex"
	"fmt"
	"math"
)

// Default flag values for a neutral render.
const (
	DefaultBreath       = 100.0
	DefaultVoicing      = 100.0
	DefaultNormStrength = 100.0
)

// FlagSet is the validated, strongly-typed per-note flag set. Every numeric
// field has already been clamped to its documented range by the parser and
// the set is immutable after parsing.
type FlagSet struct {
	// Gender is the formant/gender shift in [-600, 600].
	Gender float64
	// Transpose is a pitch offset in cents, [-1200, 1200].
	Transpose float64
	// Breath scales the aperiodicity spectrum, [0, 500], 100 = neutral.
	Breath float64
	// Voicing scales the harmonic envelope, [0, 150], 100 = neutral.
	Voicing float64
	// Tension adjusts spectral tilt, [-100, 100].
	Tension float64
	// Fry sets the vocal-fry blend intensity, [0, 100].
	Fry float64
	// Growl sets the growl post-effect strength, [0, 100].
	Growl float64
	// AmpMod sets the pitch-gradient amplitude modulation depth, [-100, 100].
	AmpMod float64
	// NormStrength scales loudness normalization, [0, 100].
	NormStrength float64
	// Loop requests loop-mode sustain synthesis for this note.
	Loop bool
	// ForceRegen bypasses and overwrites any existing cache entry.
	ForceRegen bool
}

// NeutralFlags returns the flag set of a request with an empty flag string.
func NeutralFlags() FlagSet {
	return FlagSet{
		Gender:       0,
		Transpose:    0,
		Breath:       DefaultBreath,
		Voicing:      DefaultVoicing,
		Tension:      0,
		Fry:          0,
		Growl:        0,
		AmpMod:       0,
		NormStrength: DefaultNormStrength,
		Loop:         false,
		ForceRegen:   false,
	}
}

// Timing holds the UTAU-style timing marks of one note, in seconds (tempo in
// beats per minute, velocity as the raw value divided by 100).
type Timing struct {
	Offset       float64
	Length       float64
	Consonant    float64
	Cutoff       float64
	Preutterance float64
	Overlap      float64
	Velocity     float64
	Tempo        float64
}

// VelocityFactor returns the consonant time-scale factor 2^(1-velocity).
// A velocity of 1.0 (raw 100) leaves the consonant region untouched.
func (t Timing) VelocityFactor() float64 {
	return math.Exp2(1.0 - t.Velocity)
}

// RenderRequest is one note's render job. It is immutable once constructed
// and owned exclusively by a single render invocation.
type RenderRequest struct {
	// InputPath is the voice sample to render from.
	InputPath string
	// OutputPath receives the rendered waveform. A path named "nul" skips
	// the write entirely (hosts probe with it).
	OutputPath string
	// NotePitch is the target MIDI note number.
	NotePitch int
	// PitchBend is the cent-offset curve sampled at fixed tick steps.
	PitchBend []float64
	// Volume is the final linear output gain, 1.0 = unity.
	Volume float64
	// Modulation mixes the sample's own pitch deviation into the output
	// pitch, [0, 1].
	Modulation float64
	// Flags is the validated flag set.
	Flags FlagSet
	// Timing holds the resolved timing marks.
	Timing Timing
}

// AcousticFeatures is the extracted, cacheable acoustic representation of one
// sample: per-frame fundamental frequency, log spectral envelope, and
// per-band noise ratios on the analysis-hop timeline.
//
// Instances are immutable after creation and shared read-only between
// renders; flag-driven changes always produce a derived copy.
type AcousticFeatures struct {
	SampleRate int
	HopSize    int
	Bands      int
	FrameCount int
	// PeakScale is the gain applied before analysis to bound the input near
	// half scale; post-processing divides it back out.
	PeakScale float64
	// F0 holds one fundamental-frequency estimate per frame in Hz.
	// UnvoicedF0 marks frames with no reliable pitch.
	F0 []float64
	// Envelope and Aperiodicity are frame-major flat arrays of
	// FrameCount*Bands values. Envelope holds log band energies;
	// Aperiodicity holds the noise share of each band's energy in [0, 1].
	Envelope     []float64
	Aperiodicity []float64
}

// UnvoicedF0 is the sentinel stored for frames without a pitch estimate. It
// is far below any valid fundamental, which the extractor bounds at F0Floor.
const UnvoicedF0 = 0.0

// EnvelopeFrame returns the envelope bands of frame i. The returned slice
// aliases the feature storage and must not be modified.
func (f *AcousticFeatures) EnvelopeFrame(i int) []float64 {
	return f.Envelope[i*f.Bands : (i+1)*f.Bands]
}

// AperiodicityFrame returns the aperiodicity bands of frame i. The returned
// slice aliases the feature storage and must not be modified.
func (f *AcousticFeatures) AperiodicityFrame(i int) []float64 {
	return f.Aperiodicity[i*f.Bands : (i+1)*f.Bands]
}

// Validate checks the array lengths against the declared frame geometry.
func (f *AcousticFeatures) Validate() error {
	if f.FrameCount <= 0 || f.Bands <= 0 || f.HopSize <= 0 || f.SampleRate <= 0 {
		return fmt.Errorf("%w: non-positive feature geometry", ErrCacheCorrupt)
	}

	if len(f.F0) != f.FrameCount {
		return fmt.Errorf("%w: f0 length %d != frame count %d",
			ErrCacheCorrupt, len(f.F0), f.FrameCount)
	}

	want := f.FrameCount * f.Bands
	if len(f.Envelope) != want || len(f.Aperiodicity) != want {
		return fmt.Errorf("%w: band array length mismatch (envelope %d, aperiodicity %d, want %d)",
			ErrCacheCorrupt, len(f.Envelope), len(f.Aperiodicity), want)
	}

	return nil
}

// WarpedFeatures is a render-local feature sequence on the output hop
// timeline. It is scratch data owned by one render.
type WarpedFeatures struct {
	SampleRate int
	HopSize    int
	Bands      int
	FrameCount int
	PeakScale  float64
	// F0 is the output pitch contour in Hz (note pitch + bend + transpose).
	F0 []float64
	// Envelope and Aperiodicity are frame-major flat arrays: log band
	// energies and per-band noise ratios in [0, 1].
	Envelope     []float64
	Aperiodicity []float64
	// CropStart and CropEnd bound the note window inside the synthesized
	// waveform, in seconds from the first output frame.
	CropStart float64
	CropEnd   float64
}

// EnvelopeFrame returns the envelope bands of output frame i.
func (w *WarpedFeatures) EnvelopeFrame(i int) []float64 {
	return w.Envelope[i*w.Bands : (i+1)*w.Bands]
}

// AperiodicityFrame returns the aperiodicity bands of output frame i.
func (w *WarpedFeatures) AperiodicityFrame(i int) []float64 {
	return w.Aperiodicity[i*w.Bands : (i+1)*w.Bands]
}

// CacheKey is the digest identifying one extracted feature set: input sample
// content plus the extraction-affecting parameter subset.
type CacheKey [32]byte

// String returns the lowercase hex form used for cache file names.
func (k CacheKey) String() string {
	return hex.EncodeToString(k[:])
}
