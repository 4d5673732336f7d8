package transform_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/transform"
)

func testCenters() []float64 {
	return []float64{100, 500, 1500, 3000, 6000, 12000}
}

func testWarped(frames int) *core.WarpedFeatures {
	bands := len(testCenters())

	features := &core.WarpedFeatures{
		SampleRate:   44100,
		HopSize:      512,
		Bands:        bands,
		FrameCount:   frames,
		PeakScale:    1.0,
		F0:           make([]float64, frames),
		Envelope:     make([]float64, frames*bands),
		Aperiodicity: make([]float64, frames*bands),
	}

	for i := range frames {
		features.F0[i] = 220.0

		for b := range bands {
			features.Envelope[i*bands+b] = -3.0
			features.Aperiodicity[i*bands+b] = 0.2
		}
	}

	return features
}

func newTestProcessor(t *testing.T) *transform.Processor {
	t.Helper()

	processor, err := transform.NewProcessor(testCenters(), 70.0, nil)
	require.NoError(t, err)

	return processor
}

func TestApplyNeutralFlagsIsIdentity(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)

	features := testWarped(20)
	original := testWarped(20)

	require.NoError(t, processor.Apply(features, core.NeutralFlags()))

	assert.Equal(t, original.Envelope, features.Envelope)
	assert.Equal(t, original.Aperiodicity, features.Aperiodicity)
	assert.Equal(t, original.F0, features.F0)
}

func TestBreathScalesNoiseShare(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)
	features := testWarped(10)

	flags := core.NeutralFlags()
	flags.Breath = 300

	require.NoError(t, processor.Apply(features, flags))

	// Noise tripled, harmonic unchanged: energy 0.8 + 0.6 of the original,
	// noise ratio 0.6/1.4.
	wantEnergy := math.Exp(-3.0) * 1.4
	wantRatio := 0.6 / 1.4

	assert.InDelta(t, wantEnergy, math.Exp(features.Envelope[0]), 1e-6)
	assert.InDelta(t, wantRatio, features.Aperiodicity[0], 1e-6)
}

func TestVoicingZeroLeavesOnlyNoise(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)
	features := testWarped(10)

	flags := core.NeutralFlags()
	flags.Voicing = 0

	require.NoError(t, processor.Apply(features, flags))

	for i := range features.Aperiodicity {
		assert.InDelta(t, 1.0, features.Aperiodicity[i], 1e-6)
	}
}

func TestTensionTiltsAroundPivot(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)
	features := testWarped(5)

	flags := core.NeutralFlags()
	flags.Tension = 50

	require.NoError(t, processor.Apply(features, flags))

	envelope := features.EnvelopeFrame(0)

	// Positive tension dips the lowest band and lifts the highest, with the
	// pivot band (3 kHz) left in place.
	assert.Less(t, envelope[0], -3.0)
	assert.InDelta(t, -3.0, envelope[3], 1e-9)
	assert.Greater(t, envelope[5], -3.0)
}

func TestTensionShiftIsClamped(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)
	features := testWarped(5)

	flags := core.NeutralFlags()
	flags.Tension = -100

	require.NoError(t, processor.Apply(features, flags))

	for frame := range features.FrameCount {
		for _, value := range features.EnvelopeFrame(frame) {
			assert.GreaterOrEqual(t, value, -5.0-1e-9)
			assert.LessOrEqual(t, value, -1.0+1e-9)
		}
	}
}

func TestFryBendsTailPitchDown(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)
	features := testWarped(40)

	flags := core.NeutralFlags()
	flags.Fry = 100

	require.NoError(t, processor.Apply(features, flags))

	// Leading frames untouched, final frame pulled to the fry floor.
	assert.InDelta(t, 220.0, features.F0[0], 1e-9)
	assert.InDelta(t, 220.0, features.F0[29], 1e-9)
	assert.InDelta(t, 70.0, features.F0[39], 1e-6)

	// The ramp is monotonic over the tail.
	for i := 31; i < 40; i++ {
		assert.Less(t, features.F0[i], features.F0[i-1])
	}
}

func TestFryDipsEnergyAtFloor(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)
	features := testWarped(40)

	for i := range features.F0 {
		features.F0[i] = 60.0 // already below the fry floor
	}

	evenBefore := features.EnvelopeFrame(30)[0]
	oddBefore := features.EnvelopeFrame(31)[0]

	flags := core.NeutralFlags()
	flags.Fry = 100

	require.NoError(t, processor.Apply(features, flags))

	assert.InDelta(t, evenBefore, features.EnvelopeFrame(30)[0], 1e-12)
	assert.Less(t, features.EnvelopeFrame(31)[0], oddBefore)
}

func TestFrySkipsUnvoicedFrames(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)
	features := testWarped(40)
	features.F0[38] = core.UnvoicedF0

	flags := core.NeutralFlags()
	flags.Fry = 80

	require.NoError(t, processor.Apply(features, flags))

	assert.InDelta(t, core.UnvoicedF0, features.F0[38], 1e-12)
}

func TestApplyRejectsBandMismatch(t *testing.T) {
	t.Parallel()

	processor := newTestProcessor(t)

	features := testWarped(5)
	features.Bands = 3

	require.Error(t, processor.Apply(features, core.NeutralFlags()))
}
