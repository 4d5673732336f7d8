// Package features turns a voicebank sample into the compact acoustic
// representation the rest of the pipeline warps and synthesizes: a per-frame
// fundamental frequency track plus band-energy envelope and aperiodicity
// matrices, computed from the harmonic/noise split of the input.
package features

import (
	"context"
	"fmt"
	"math"

	"github.com/book-expert/logger"

	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/dsp"
)

// Pitch search range and analysis constants.
const (
	minPitchHz = 55.0
	maxPitchHz = 1760.0

	// voicingThreshold is the minimum normalized autocorrelation peak for a
	// frame to count as voiced.
	voicingThreshold = 0.30

	// silenceRMS marks frames too quiet to carry a reliable pitch.
	silenceRMS = 1e-4

	// analysisPeak is the level the input is pre-scaled to before analysis
	// and separation, so model inputs sit in a consistent range.
	analysisPeak = 0.5

	// minAnalysisSamples is the shortest input worth analyzing: anything
	// under a frame of audio cannot produce a usable feature set.
	minAnalysisSamples = 256

	energyFloor = 1e-10

	filterbankLowHz = 40.0

	semitonesPerOctave = 12.0
	centsPerSemitone   = 100.0
)

// Extractor computes acoustic features from raw samples. It owns the STFT
// geometry and filterbank; one Extractor serves all requests.
type Extractor struct {
	sampleRate int
	hop        int
	fftSize    int
	bands      int

	separator core.Separator
	log       *logger.Logger
}

// NewExtractor wires an extractor over the given separation service.
func NewExtractor(
	separator core.Separator,
	sampleRate, hop, fftSize, bands int,
	log *logger.Logger,
) (*Extractor, error) {
	if separator == nil {
		return nil, fmt.Errorf("extractor requires a separator")
	}

	if sampleRate <= 0 || hop <= 0 || fftSize <= 0 || bands <= 0 {
		return nil, fmt.Errorf("invalid extractor geometry: rate=%d hop=%d fft=%d bands=%d",
			sampleRate, hop, fftSize, bands)
	}

	return &Extractor{
		sampleRate: sampleRate,
		hop:        hop,
		fftSize:    fftSize,
		bands:      bands,
		separator:  separator,
		log:        log,
	}, nil
}

// BandCenters returns the center frequencies of the analysis filterbank for
// the given geometry, so downstream stages can reason about the bands the
// envelope was measured on.
func BandCenters(sampleRate, fftSize, bands int) ([]float64, error) {
	bank, err := dsp.NewMelFilterbank(bands, fftSize, sampleRate,
		filterbankLowHz, float64(sampleRate)/2.0)
	if err != nil {
		return nil, fmt.Errorf("failed to build filterbank: %w", err)
	}

	return bank.Centers(), nil
}

// GenderWarpFactor returns the frequency-axis scale for a gender flag value
// in tenths of a semitone over a hundred-cent scale: positive values read
// energy from higher frequencies, lowering the apparent formants.
func GenderWarpFactor(gender float64) float64 {
	return math.Exp2((gender / centsPerSemitone) / semitonesPerOctave)
}

// Extract analyzes wave and returns its acoustic features. The gender flag
// participates in extraction because it warps the spectral axis the
// envelope is measured on.
func (e *Extractor) Extract(
	ctx context.Context,
	wave []float64,
	gender float64,
) (*core.AcousticFeatures, error) {
	if len(wave) < minAnalysisSamples {
		return nil, fmt.Errorf("%w: input has %d samples, need at least %d",
			core.ErrExtractionFailed, len(wave), minAnalysisSamples)
	}

	scaled, peakScale := normalizePeak(wave)

	harmonic, residual, sepErr := e.separator.Separate(ctx, scaled, e.sampleRate)
	if sepErr != nil {
		return nil, fmt.Errorf("%w: harmonic separation: %w", core.ErrExtractionFailed, sepErr)
	}

	if len(harmonic) != len(scaled) || len(residual) != len(scaled) {
		return nil, fmt.Errorf("%w: separation shape mismatch", core.ErrExtractionFailed)
	}

	stft, stftErr := dsp.NewSTFT(e.fftSize, e.hop)
	if stftErr != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrExtractionFailed, stftErr)
	}

	harmonicSpectra, err := stft.Analyze(harmonic)
	if err != nil {
		return nil, fmt.Errorf("%w: harmonic analysis: %w", core.ErrExtractionFailed, err)
	}

	residualSpectra, err := stft.Analyze(residual)
	if err != nil {
		return nil, fmt.Errorf("%w: residual analysis: %w", core.ErrExtractionFailed, err)
	}

	bank, bankErr := dsp.NewMelFilterbank(
		e.bands, e.fftSize, e.sampleRate,
		filterbankLowHz, float64(e.sampleRate)/2.0,
	)
	if bankErr != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrExtractionFailed, bankErr)
	}

	frameCount := len(harmonicSpectra)
	warp := GenderWarpFactor(gender)

	envelope := make([]float64, 0, frameCount*e.bands)
	aperiodicity := make([]float64, 0, frameCount*e.bands)

	for frame := range frameCount {
		harmonicPower := warpSpectrum(dsp.PowerSpectrum(harmonicSpectra[frame]), warp)
		residualPower := warpSpectrum(dsp.PowerSpectrum(residualSpectra[frame]), warp)

		harmonicBands, applyErr := bank.Apply(harmonicPower)
		if applyErr != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrExtractionFailed, applyErr)
		}

		residualBands, applyErr := bank.Apply(residualPower)
		if applyErr != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrExtractionFailed, applyErr)
		}

		for b := range e.bands {
			total := harmonicBands[b] + residualBands[b]
			envelope = append(envelope, math.Log(total+energyFloor))
			aperiodicity = append(aperiodicity, residualBands[b]/(total+energyFloor))
		}
	}

	f0 := e.trackPitch(harmonic, frameCount)

	features := &core.AcousticFeatures{
		SampleRate:   e.sampleRate,
		HopSize:      e.hop,
		Bands:        e.bands,
		FrameCount:   frameCount,
		PeakScale:    peakScale,
		F0:           f0,
		Envelope:     envelope,
		Aperiodicity: aperiodicity,
	}

	if validateErr := features.Validate(); validateErr != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrExtractionFailed, validateErr)
	}

	if e.log != nil {
		e.log.Info("Extracted %d frames (%d bands, gender warp %.4f)",
			frameCount, e.bands, warp)
	}

	return features, nil
}

// normalizePeak scales wave so its absolute peak sits at analysisPeak and
// returns the applied gain. Silent input is returned unchanged with unit
// gain.
func normalizePeak(wave []float64) ([]float64, float64) {
	peak := 0.0
	for _, v := range wave {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}

	if peak == 0 {
		out := make([]float64, len(wave))
		copy(out, wave)

		return out, 1.0
	}

	gain := analysisPeak / peak

	scaled := make([]float64, len(wave))
	for i, v := range wave {
		scaled[i] = v * gain
	}

	return scaled, gain
}

// warpSpectrum resamples the frequency axis of a power spectrum by factor,
// reading each destination bin from the source bin at k*factor.
func warpSpectrum(power []float64, factor float64) []float64 {
	if factor == 1.0 {
		return power
	}

	warped := make([]float64, len(power))
	last := len(power) - 1

	for k := range warped {
		src := float64(k) * factor
		if src >= float64(last) {
			warped[k] = power[last]

			continue
		}

		lo := int(src)
		frac := src - float64(lo)
		warped[k] = power[lo]*(1-frac) + power[lo+1]*frac
	}

	return warped
}

// trackPitch estimates one F0 value per frame by normalized autocorrelation
// over the harmonic signal. Quiet or aperiodic frames get the unvoiced
// sentinel.
func (e *Extractor) trackPitch(harmonic []float64, frameCount int) []float64 {
	minLag := int(float64(e.sampleRate) / maxPitchHz)
	maxLag := int(float64(e.sampleRate) / minPitchHz)

	windowSize := maxLag * 2
	padded := dsp.ReflectPad(harmonic, windowSize/2, windowSize/2+e.hop)

	f0 := make([]float64, frameCount)

	for frame := range frameCount {
		start := frame * e.hop
		segment := padded[start:min(start+windowSize, len(padded))]

		f0[frame] = e.framePitch(segment, minLag, maxLag)
	}

	return f0
}

func (e *Extractor) framePitch(segment []float64, minLag, maxLag int) float64 {
	energy := 0.0
	for _, v := range segment {
		energy += v * v
	}

	if len(segment) == 0 || math.Sqrt(energy/float64(len(segment))) < silenceRMS {
		return core.UnvoicedF0
	}

	bestLag := 0
	bestCorr := 0.0

	for lag := minLag; lag <= maxLag && lag < len(segment); lag++ {
		corr := 0.0
		for i := 0; i+lag < len(segment); i++ {
			corr += segment[i] * segment[i+lag]
		}

		norm := corr / energy
		if norm > bestCorr {
			bestCorr = norm
			bestLag = lag
		}
	}

	if bestLag == 0 || bestCorr < voicingThreshold {
		return core.UnvoicedF0
	}

	return float64(e.sampleRate) / float64(bestLag)
}
