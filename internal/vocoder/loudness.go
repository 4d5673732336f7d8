package vocoder

import (
	"math"

	"github.com/cwbudde/algo-dsp/measure/loudness"

	"github.com/book-expert/resampler-service/internal/dsp"
)

const (
	// loudnessGainScale converts the LUFS error and strength percentage
	// into the gain exponent 10^((target-measured)*strength*scale): at
	// strength 100 that is (target-measured)/20, the full dB gap.
	loudnessGainScale = 0.0005

	// minMeasureSeconds is the shortest span the gated meter can measure;
	// shorter material is reflect-extended before measuring.
	minMeasureSeconds = 0.4

	// analysis windows for the silence trim.
	trimFrameSeconds = 0.02
	trimHopSeconds   = 0.01
	trimTailSeconds  = 0.1

	// fadeSeconds caps the fade-out restored over a trimmed note tail.
	fadeSeconds = 0.2

	silenceRMSFloor = 1e-10
)

// normalizeLoudness nudges the render toward the configured loudness
// target in place. strength is the P flag on its 0-100 scale; zero
// disables the stage entirely.
func (e *Engine) normalizeLoudness(render []float64, strength float64) {
	if len(render) == 0 || strength <= 0 {
		return
	}

	sampleRate := float64(e.settings.SampleRate)

	start, end := 0, len(render)
	trimmed := false

	if e.settings.TrimSilence {
		start, end, trimmed = e.activeSpan(render)
		if end <= start {
			return
		}
	}

	measured := measureLUFS(render[start:end], sampleRate)
	if math.IsInf(measured, 0) || math.IsNaN(measured) {
		return
	}

	gain := math.Pow(10, (e.settings.LoudnessTargetLUFS-measured)*strength*loudnessGainScale)

	for i := start; i < end; i++ {
		render[i] *= gain
	}

	if trimmed {
		// Anything outside the active span is noise floor; silence it and
		// fade the kept tail so the cut is inaudible.
		for i := range start {
			render[i] = 0
		}

		for i := end; i < len(render); i++ {
			render[i] = 0
		}

		applyFadeOut(render[start:end], sampleRate)
	}

	if e.log != nil {
		e.log.Info("Loudness normalized: measured %.2f LUFS, gain %.4f", measured, gain)
	}
}

// activeSpan finds the first and last windows whose RMS clears the silence
// threshold, padded by a short tail.
func (e *Engine) activeSpan(render []float64) (int, int, bool) {
	sampleRate := float64(e.settings.SampleRate)

	frameLen := int(trimFrameSeconds * sampleRate)
	hopLen := int(trimHopSeconds * sampleRate)

	if frameLen >= len(render) || hopLen <= 0 {
		return 0, len(render), false
	}

	start := -1
	lastActive := 0

	for i := 0; i+frameLen <= len(render); i += hopLen {
		if rmsDB(render[i:i+frameLen]) > e.settings.SilenceThresholdDB {
			if start < 0 {
				start = i
			}

			lastActive = i
		}
	}

	if start < 0 {
		return 0, len(render), false
	}

	end := min(lastActive+frameLen+int(trimTailSeconds*sampleRate), len(render))

	return start, end, true
}

// measureLUFS runs the gated R128 meter over span, reflect-extending spans
// too short for a gating block.
func measureLUFS(span []float64, sampleRate float64) float64 {
	minLen := int(minMeasureSeconds * sampleRate)

	material := span
	if len(span) < minLen {
		material = dsp.ReflectPad(span, 0, minLen-len(span))
	}

	meter := loudness.NewMeter(
		loudness.WithSampleRate(sampleRate),
		loudness.WithChannels(1),
	)

	meter.StartIntegration()
	meter.ProcessBlock(material)

	return meter.Integrated()
}

func applyFadeOut(span []float64, sampleRate float64) {
	fadeLen := min(int(fadeSeconds*sampleRate), len(span)/4)
	if fadeLen < 2 {
		return
	}

	for i := range fadeLen {
		span[len(span)-fadeLen+i] *= 1.0 - float64(i)/float64(fadeLen-1)
	}
}

func rmsDB(span []float64) float64 {
	value := rms(span)
	if value < silenceRMSFloor {
		return math.Inf(-1)
	}

	return 20.0 * math.Log10(value)
}
