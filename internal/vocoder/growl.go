package vocoder

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

const (
	// growlBandHz splits the signal: only content above this gets the
	// pitch wobble, so the fundamental stays stable.
	growlBandHz = 400.0

	// growlMaxCents is the wobble depth at full strength.
	growlMaxCents = 100.0

	// driftHighpassHz removes slow drift from the modulation index so the
	// band does not walk away from its ideal position.
	driftHighpassHz = 20.0

	// driftFilterMinLen is the shortest signal worth drift filtering.
	driftFilterMinLen = 100

	centsPerOctave = 1200.0

	rmsFloor = 1e-10
)

// applyGrowl adds a rough, growling texture in place: the band above
// growlBandHz is pitch-modulated by a square LFO while the band below
// passes through, and the modulated band keeps its original RMS.
func applyGrowl(render []float64, sampleRate, lfoHz, strength float64) error {
	if strength <= 0 || lfoHz <= 0 || len(render) == 0 {
		return nil
	}

	high, low, splitErr := splitBands(render, sampleRate)
	if splitErr != nil {
		return splitErr
	}

	modulated, modErr := modulateBand(high, sampleRate, lfoHz, strength)
	if modErr != nil {
		return modErr
	}

	for i := range render {
		render[i] = low[i] + modulated[i]
	}

	return nil
}

// splitBands returns the zero-phase highpassed band and its complement.
func splitBands(signal []float64, sampleRate float64) ([]float64, []float64, error) {
	coeffs := design.ButterworthHP(growlBandHz, 2, sampleRate)
	if len(coeffs) == 0 {
		return nil, nil, fmt.Errorf("highpass design failed for %0.f Hz at %0.f Hz",
			growlBandHz, sampleRate)
	}

	high := make([]float64, len(signal))
	copy(high, signal)

	// Two forward-backward passes cancel the filter's phase shift.
	for range 2 {
		filterForwardBackward(high, coeffs)
	}

	low := make([]float64, len(signal))
	for i := range signal {
		low[i] = signal[i] - high[i]
	}

	return high, low, nil
}

func filterForwardBackward(signal []float64, coeffs []biquad.Coefficients) {
	chain := biquad.NewChain(coeffs)
	chain.ProcessBlock(signal)
	chain.Reset()

	for i, j := 0, len(signal)-1; i < j; i, j = i+1, j-1 {
		signal[i], signal[j] = signal[j], signal[i]
	}

	chain.ProcessBlock(signal)

	for i, j := 0, len(signal)-1; i < j; i, j = i+1, j-1 {
		signal[i], signal[j] = signal[j], signal[i]
	}
}

// modulateBand resamples the band along a square-LFO-driven time index,
// preserving its RMS.
func modulateBand(band []float64, sampleRate, lfoHz, strength float64) ([]float64, error) {
	n := len(band)
	if n == 0 {
		return nil, nil
	}

	samplesPerPeriod := math.Max(sampleRate/lfoHz, 1.0)

	// Square LFO turned into instantaneous playback-rate ratios.
	ratio := make([]float64, n)
	ratioSum := 0.0

	for i := range n {
		phase := math.Mod(float64(i), samplesPerPeriod) / samplesPerPeriod

		lfo := 1.0
		if phase >= 0.5 {
			lfo = -1.0
		}

		ratio[i] = math.Exp2(lfo * strength * growlMaxCents / centsPerOctave)
		ratioSum += ratio[i]
	}

	meanRatio := ratioSum / float64(n)

	// Cumulative read position, with its linear trend removed so only the
	// wobble remains.
	drift := make([]float64, n)
	cumulative := 0.0

	for i := range n {
		cumulative += ratio[i]
		drift[i] = (cumulative - ratio[0]) - float64(i)*meanRatio
	}

	if n > driftFilterMinLen {
		coeffs := design.ButterworthHP(driftHighpassHz, 2, sampleRate)
		if len(coeffs) == 0 {
			return nil, fmt.Errorf("drift filter design failed at %0.f Hz", sampleRate)
		}

		filterForwardBackward(drift, coeffs)
	}

	indices := make([]float64, n)
	for i := range n {
		indices[i] = math.Min(math.Max(float64(i)+drift[i], 0), float64(n-1))
	}

	modulated := make([]float64, n)
	for i, idx := range indices {
		lo := int(idx)
		hi := min(lo+1, n-1)
		frac := idx - float64(lo)
		modulated[i] = band[lo]*(1-frac) + band[hi]*frac
	}

	originalRMS := rms(band)
	modulatedRMS := rms(modulated)

	if modulatedRMS > rmsFloor {
		scale := originalRMS / modulatedRMS
		for i := range modulated {
			modulated[i] *= scale
		}
	}

	return modulated, nil
}

func rms(signal []float64) float64 {
	if len(signal) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range signal {
		sum += v * v
	}

	return math.Sqrt(sum / float64(len(signal)))
}
