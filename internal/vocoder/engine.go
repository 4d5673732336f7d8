// Package vocoder drives the neural-vocoder service and post-processes its
// output into the final note waveform: crop to the note window, pitch-slide
// amplitude modulation, growl, loudness normalization, and level scaling.
package vocoder

import (
	"context"
	"fmt"
	"math"

	"github.com/book-expert/logger"

	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/dsp"
	"github.com/book-expert/resampler-service/internal/warp"
)

const (
	percentScale = 100.0

	// growlLFOHz is the rate of the square-wave pitch wobble the growl
	// flag applies to the upper band.
	growlLFOHz = 80.0

	// ampModBase and ampModScale shape the pitch-slide gain: the gain is
	// ampModBase raised to ampModScale * A * pitch gradient.
	ampModBase  = 5.0
	ampModScale = 1e-4

	gradientFloor = 1e-9
)

// Settings carries the post-processing configuration.
type Settings struct {
	SampleRate         int
	PeakLimit          float64
	WaveNorm           bool
	LoudnessTargetLUFS float64
	TrimSilence        bool
	SilenceThresholdDB float64
}

// Engine synthesizes warped features into a finished waveform.
type Engine struct {
	vocoder  core.Vocoder
	settings Settings
	log      *logger.Logger
}

// NewEngine wires an engine over the vocoder service.
func NewEngine(vocoder core.Vocoder, settings Settings, log *logger.Logger) (*Engine, error) {
	if vocoder == nil {
		return nil, fmt.Errorf("engine requires a vocoder")
	}

	if settings.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", settings.SampleRate)
	}

	if settings.PeakLimit <= 0 {
		settings.PeakLimit = 1.0
	}

	return &Engine{vocoder: vocoder, settings: settings, log: log}, nil
}

// Render synthesizes features and applies the time-domain flag stages. The
// result is the note's final waveform, scaled by the request volume and
// clamped to full scale.
func (e *Engine) Render(
	ctx context.Context,
	features *core.WarpedFeatures,
	request *core.RenderRequest,
) ([]float64, error) {
	wave, synthErr := e.vocoder.Synthesize(ctx, features)
	if synthErr != nil {
		return nil, fmt.Errorf("synthesis: %w", synthErr)
	}

	render := cropNote(wave, features, e.settings.SampleRate)
	if len(render) == 0 {
		return nil, fmt.Errorf("%w: note window [%.4f, %.4f) is empty",
			core.ErrInvalidTiming, features.CropStart, features.CropEnd)
	}

	if request.Flags.AmpMod != 0 {
		applyAmpMod(render, features, request.Flags.AmpMod)
	}

	// Undo the analysis pre-scale so the note comes back at source level.
	if features.PeakScale != 0 && features.PeakScale != 1 {
		for i := range render {
			render[i] /= features.PeakScale
		}
	}

	peak := 0.0
	for _, v := range render {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}

	if request.Flags.Growl > 0 {
		growlErr := applyGrowl(render, float64(e.settings.SampleRate),
			growlLFOHz, request.Flags.Growl/percentScale)
		if growlErr != nil {
			return nil, fmt.Errorf("growl: %w", growlErr)
		}
	}

	if e.settings.WaveNorm {
		e.normalizeLoudness(render, request.Flags.NormStrength)
	}

	volume := request.Volume
	if peak > e.settings.PeakLimit {
		volume /= peak
	}

	for i := range render {
		render[i] = clampUnit(render[i] * volume)
	}

	if e.log != nil {
		e.log.Info("Rendered %d samples (peak %.3f, volume %.2f)", len(render), peak, request.Volume)
	}

	return render, nil
}

// cropNote cuts the synthesized span down to the note window described by
// the crop marks.
func cropNote(wave []float64, features *core.WarpedFeatures, sampleRate int) []float64 {
	startIdx := int(math.Floor(features.CropStart * float64(sampleRate)))
	endIdx := int(math.Floor(features.CropEnd * float64(sampleRate)))

	startIdx = min(max(startIdx, 0), len(wave))
	endIdx = min(max(endIdx, startIdx), len(wave))

	return wave[startIdx:endIdx]
}

// applyAmpMod emphasizes pitch slides: gain rises with upward pitch motion
// for positive amounts and inverts for negative ones.
func applyAmpMod(render []float64, features *core.WarpedFeatures, amount float64) {
	frameCount := features.FrameCount
	if frameCount < 2 {
		return
	}

	hop := float64(features.HopSize) / float64(features.SampleRate)

	pitch := make([]float64, frameCount)
	times := make([]float64, frameCount)

	for i := range frameCount {
		f0 := features.F0[i]
		if f0 <= 0 {
			f0 = warp.MidiToHz(0)
		}

		pitch[i] = warp.HzToMidi(f0)
		times[i] = float64(i) * hop
	}

	gains := make([]float64, frameCount)

	for i := range frameCount {
		var gradient float64

		switch {
		case i == 0:
			gradient = (pitch[1] - pitch[0]) / (times[1] - times[0] + gradientFloor)
		case i == frameCount-1:
			gradient = (pitch[i] - pitch[i-1]) / (times[i] - times[i-1] + gradientFloor)
		default:
			gradient = (pitch[i+1] - pitch[i-1]) / (times[i+1] - times[i-1] + gradientFloor)
		}

		gains[i] = math.Pow(ampModBase, ampModScale*amount*gradient)
	}

	span := features.CropEnd - features.CropStart

	for i := range render {
		at := features.CropStart + span*float64(i)/float64(len(render))
		render[i] *= dsp.Interp1D(times, gains, at)
	}
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}

	if v < -1 {
		return -1
	}

	return v
}
