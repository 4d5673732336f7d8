package dsp_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/resampler-service/internal/dsp"
)

func TestNewSTFTRejectsBadGeometry(t *testing.T) {
	t.Parallel()

	_, err := dsp.NewSTFT(1000, 256)
	require.Error(t, err)

	_, err = dsp.NewSTFT(1024, 0)
	require.Error(t, err)

	_, err = dsp.NewSTFT(1024, 2048)
	require.Error(t, err)
}

func TestSTFTRoundTripReconstructsSine(t *testing.T) {
	t.Parallel()

	stft, err := dsp.NewSTFT(1024, 256)
	require.NoError(t, err)

	const n = 8192

	signal := make([]float64, n)
	for i := range signal {
		signal[i] = 0.5 * math.Sin(2.0*math.Pi*220.0*float64(i)/44100.0)
	}

	spectra, err := stft.Analyze(signal)
	require.NoError(t, err)
	require.Len(t, spectra, stft.NumFrames(n))
	require.Len(t, spectra[0], stft.Bins())

	rebuilt, err := stft.Synthesize(spectra, n)
	require.NoError(t, err)
	require.Len(t, rebuilt, n)

	// Edges are window-attenuated; check the interior.
	for i := 1024; i < n-1024; i++ {
		assert.InDelta(t, signal[i], rebuilt[i], 1e-6)
	}
}

func TestSTFTAnalyzeEmptySignal(t *testing.T) {
	t.Parallel()

	stft, err := dsp.NewSTFT(512, 128)
	require.NoError(t, err)

	spectra, err := stft.Analyze(nil)
	require.NoError(t, err)
	assert.Nil(t, spectra)
}

func TestMelFilterbankConcentratesToneEnergy(t *testing.T) {
	t.Parallel()

	const (
		fftSize    = 2048
		sampleRate = 44100
		bands      = 64
	)

	bank, err := dsp.NewMelFilterbank(bands, fftSize, sampleRate, 40.0, 16000.0)
	require.NoError(t, err)
	require.Equal(t, bands, bank.Bands())

	// Impulse at the bin nearest 1 kHz.
	power := make([]float64, fftSize/2+1)
	toneBin := int(math.Round(1000.0 * fftSize / sampleRate))
	power[toneBin] = 1.0

	energies, err := bank.Apply(power)
	require.NoError(t, err)
	require.Len(t, energies, bands)

	best := 0
	for b, e := range energies {
		if e > energies[best] {
			best = b
		}
	}

	centers := bank.Centers()
	assert.InDelta(t, 1000.0, centers[best], 200.0)
}

func TestMelFilterbankRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	bank, err := dsp.NewMelFilterbank(32, 1024, 44100, 40.0, 16000.0)
	require.NoError(t, err)

	_, err = bank.Apply(make([]float64, 100))
	require.Error(t, err)
}

func TestMelScaleRoundTrip(t *testing.T) {
	t.Parallel()

	for _, hz := range []float64{55.0, 440.0, 4000.0, 16000.0} {
		assert.InDelta(t, hz, dsp.MelToHz(dsp.HzToMel(hz)), 1e-6)
	}
}

func TestReflectPadMirrorsEdges(t *testing.T) {
	t.Parallel()

	padded := dsp.ReflectPad([]float64{1, 2, 3, 4}, 2, 2)

	assert.Equal(t, []float64{3, 2, 1, 2, 3, 4, 3, 2}, padded)
}

func TestReflectPadSingleSample(t *testing.T) {
	t.Parallel()

	padded := dsp.ReflectPad([]float64{7}, 3, 1)

	assert.Equal(t, []float64{7, 7, 7, 7, 7}, padded)
}

func TestInterp1D(t *testing.T) {
	t.Parallel()

	xs := []float64{0, 1, 3}
	ys := []float64{0, 10, 30}

	assert.InDelta(t, 5.0, dsp.Interp1D(xs, ys, 0.5), 1e-9)
	assert.InDelta(t, 20.0, dsp.Interp1D(xs, ys, 2.0), 1e-9)
	assert.InDelta(t, 0.0, dsp.Interp1D(xs, ys, -5.0), 1e-9)
	assert.InDelta(t, 30.0, dsp.Interp1D(xs, ys, 99.0), 1e-9)
}

func TestResampleSeries(t *testing.T) {
	t.Parallel()

	out := dsp.ResampleSeries([]float64{0, 2, 4}, 5)

	assert.InDelta(t, 0.0, out[0], 1e-9)
	assert.InDelta(t, 1.0, out[1], 1e-9)
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)

	constant := dsp.ResampleSeries([]float64{3}, 4)
	assert.Equal(t, []float64{3, 3, 3, 3}, constant)
}
