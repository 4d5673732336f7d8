// Package warp maps cached acoustic features onto a note's output timeline.
// The mapping plays the consonant region at velocity speed, stretches or
// loops the sustain region to fill the required length, and lays the
// host-supplied pitch curve over the result.
package warp

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"

	"github.com/book-expert/logger"

	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/dsp"
)

const (
	centsPerSemitone   = 100.0
	semitonesPerOctave = 12.0

	// midiReference anchors MIDI note 69 at 440 Hz.
	midiReferenceHz   = 440.0
	midiReferenceNote = 69.0

	// akimaMinPoints is the smallest pitch curve worth spline fitting;
	// shorter curves fall back to linear interpolation.
	akimaMinPoints = 3
)

// Mapper performs the feature-domain time warp. One Mapper serves all
// requests.
type Mapper struct {
	renderHop  int
	sampleRate int
	fill       int
	loopMode   bool
	log        *logger.Logger
}

// NewMapper creates a mapper that emits frames of renderHop samples.
// fill extra frames are kept on each side of the note for vocoder context,
// and loopMode turns on sustain looping for every note.
func NewMapper(renderHop, sampleRate, fill int, loopMode bool, log *logger.Logger) (*Mapper, error) {
	if renderHop <= 0 || sampleRate <= 0 || fill < 0 {
		return nil, fmt.Errorf("invalid mapper geometry: hop=%d rate=%d fill=%d",
			renderHop, sampleRate, fill)
	}

	return &Mapper{
		renderHop:  renderHop,
		sampleRate: sampleRate,
		fill:       fill,
		loopMode:   loopMode,
		log:        log,
	}, nil
}

// MidiToHz converts a MIDI note value to frequency.
func MidiToHz(note float64) float64 {
	return midiReferenceHz * math.Exp2(note/semitonesPerOctave-midiReferenceNote/semitonesPerOctave)
}

// HzToMidi converts a frequency to its MIDI note value.
func HzToMidi(hz float64) float64 {
	return semitonesPerOctave*math.Log2(hz/midiReferenceHz) + midiReferenceNote
}

// Warp resamples features onto the output timeline described by the request
// and lays the pitch curve over it. The returned features use the render
// hop, and their crop window marks where the note proper starts and ends
// inside the frame span.
func (m *Mapper) Warp(
	features *core.AcousticFeatures,
	request *core.RenderRequest,
) (*core.WarpedFeatures, error) {
	if validateErr := features.Validate(); validateErr != nil {
		return nil, validateErr
	}

	source := features
	timing := request.Timing

	hopO := float64(source.HopSize) / float64(m.sampleRate)
	totalTime := float64(source.FrameCount) * hopO
	velocity := timing.VelocityFactor()
	start := timing.Offset

	if start < 0 {
		start = 0
	}

	if start >= totalTime {
		return nil, fmt.Errorf("%w: offset %.4fs is past the %.4fs sample",
			core.ErrInvalidTiming, timing.Offset, totalTime)
	}

	end := totalTime - timing.Cutoff
	if timing.Cutoff < 0 {
		end = start - timing.Cutoff
	}

	if end > totalTime {
		end = totalTime
	}

	con := start + timing.Consonant

	// A cutoff eating into the consonant leaves no sustain region; keep one
	// frame of it so the stretch mapping stays finite.
	if con >= end {
		con = math.Max(end-hopO, start)
	}

	if con <= start && timing.Consonant > 0 {
		return nil, fmt.Errorf("%w: consonant region collapsed (offset %.4fs, cutoff %.4fs)",
			core.ErrInvalidTiming, timing.Offset, timing.Cutoff)
	}

	stretchLen := end - con

	if m.loopMode || request.Flags.Loop {
		source, totalTime, stretchLen = loopSustain(source, hopO, con, end, timing.Length)
	}

	ratio := 1.0
	if stretchLen < timing.Length {
		ratio = timing.Length / stretchLen
	}

	hopR := float64(m.renderHop) / float64(m.sampleRate)

	stretchedFrames := int(math.Floor((con*velocity+(totalTime-con)*ratio)/hopR)) + 1

	sliceStart := int(math.Floor((start*velocity+hopR/2)/hopR)) - m.fill
	if sliceStart < 0 {
		sliceStart = 0
	}

	noteEndFrame := int(math.Floor((timing.Length + con*velocity + hopR/2) / hopR))

	sliceEnd := stretchedFrames
	if trail := stretchedFrames - noteEndFrame - m.fill; trail > 0 {
		sliceEnd = stretchedFrames - trail
	}

	if sliceEnd <= sliceStart {
		return nil, fmt.Errorf("%w: empty frame window [%d, %d)",
			core.ErrInvalidTiming, sliceStart, sliceEnd)
	}

	frameCount := sliceEnd - sliceStart

	warped := &core.WarpedFeatures{
		SampleRate:   source.SampleRate,
		HopSize:      m.renderHop,
		Bands:        source.Bands,
		FrameCount:   frameCount,
		PeakScale:    source.PeakScale,
		F0:           make([]float64, frameCount),
		Envelope:     make([]float64, frameCount*source.Bands),
		Aperiodicity: make([]float64, frameCount*source.Bands),
		CropStart:    start*velocity - float64(sliceStart)*hopR,
		CropEnd:      con*velocity + timing.Length - float64(sliceStart)*hopR,
	}

	// Output-frame position to source-frame position: the consonant plays
	// at velocity speed, everything after it at the stretch ratio. The
	// mapping stays in frame units with the sustain offset folded into one
	// constant, so when neither region is rescaled the positions come out
	// as exact hop-step multiples and looped revisits of the same padded
	// frame repeat bit for bit.
	hopStep := hopR / hopO
	conPos := con / hopO
	sustainBase := conPos - velocity*conPos/ratio

	position := func(outPos float64) float64 {
		if outPos < velocity*conPos {
			return outPos / velocity
		}

		return sustainBase + outPos/ratio
	}

	sourceF0 := make([]float64, frameCount)

	lastPos := float64(source.FrameCount - 1)

	for i := range frameCount {
		outPos := (float64(sliceStart+i) + 0.5) * hopStep
		pos := math.Min(math.Max(position(outPos), 0), lastPos)

		lo := int(pos)
		hi := min(lo+1, source.FrameCount-1)
		frac := pos - float64(lo)

		loEnv := source.EnvelopeFrame(lo)
		hiEnv := source.EnvelopeFrame(hi)
		loAp := source.AperiodicityFrame(lo)
		hiAp := source.AperiodicityFrame(hi)

		dstEnv := warped.EnvelopeFrame(i)
		dstAp := warped.AperiodicityFrame(i)

		for b := range source.Bands {
			dstEnv[b] = loEnv[b]*(1-frac) + hiEnv[b]*frac
			dstAp[b] = loAp[b]*(1-frac) + hiAp[b]*frac
		}

		sourceF0[i] = blendSourceF0(source.F0[lo], source.F0[hi], frac)
	}

	m.layPitchCurve(warped, request, sourceF0)

	if m.log != nil {
		m.log.Info("Warped %d source frames to %d render frames (ratio %.4f, velocity %.4f)",
			source.FrameCount, frameCount, ratio, velocity)
	}

	return warped, nil
}

// blendSourceF0 interpolates neighbouring source pitch values, holding the
// voiced one across a voicing boundary.
func blendSourceF0(lo, hi, frac float64) float64 {
	switch {
	case lo == core.UnvoicedF0 && hi == core.UnvoicedF0:
		return core.UnvoicedF0
	case lo == core.UnvoicedF0:
		return hi
	case hi == core.UnvoicedF0:
		return lo
	default:
		return lo*(1-frac) + hi*frac
	}
}

// layPitchCurve evaluates the host pitch-bend curve at every output frame
// and writes the resulting F0 track, mixing in the source's own pitch
// deviation scaled by the modulation parameter.
func (m *Mapper) layPitchCurve(
	warped *core.WarpedFeatures,
	request *core.RenderRequest,
	sourceF0 []float64,
) {
	hopR := float64(m.renderHop) / float64(m.sampleRate)
	span := float64(warped.FrameCount) * hopR

	base := make([]float64, len(request.PitchBend))
	for i, bend := range request.PitchBend {
		base[i] = bend + float64(request.NotePitch) + request.Flags.Transpose/centsPerSemitone
	}

	curve := fitPitchCurve(base)

	timeScale := 0.0
	if span > 0 {
		timeScale = (float64(len(base)) - 1) / span
	}

	deviation := sourceDeviation(sourceF0, request.Modulation)

	for i := range warped.FrameCount {
		x := math.Min(math.Max(float64(i)*hopR, 0), span) * timeScale
		note := curve(x) + deviation[i]

		warped.F0[i] = MidiToHz(note)
	}
}

// fitPitchCurve returns an evaluator over the pitch points indexed 0..n-1.
// Longer curves use an Akima spline for smooth bends; degenerate ones fall
// back to linear interpolation.
func fitPitchCurve(points []float64) func(float64) float64 {
	if len(points) == 0 {
		return func(float64) float64 { return 0 }
	}

	if len(points) == 1 {
		value := points[0]

		return func(float64) float64 { return value }
	}

	xs := make([]float64, len(points))
	for i := range xs {
		xs[i] = float64(i)
	}

	if len(points) >= akimaMinPoints {
		var spline interp.AkimaSpline

		if err := spline.Fit(xs, points); err == nil {
			return func(x float64) float64 {
				return spline.Predict(math.Min(math.Max(x, xs[0]), xs[len(xs)-1]))
			}
		}
	}

	return func(x float64) float64 {
		return dsp.Interp1D(xs, points, x)
	}
}

// sourceDeviation converts the warped source pitch track into per-frame
// semitone offsets from its own voiced median, scaled by modulation. Zero
// modulation, or a fully unvoiced source, yields all zeros.
func sourceDeviation(sourceF0 []float64, modulation float64) []float64 {
	deviation := make([]float64, len(sourceF0))
	if modulation == 0 {
		return deviation
	}

	voiced := make([]float64, 0, len(sourceF0))

	for _, f0 := range sourceF0 {
		if f0 != core.UnvoicedF0 {
			voiced = append(voiced, f0)
		}
	}

	if len(voiced) == 0 {
		return deviation
	}

	sort.Float64s(voiced)

	median := voiced[len(voiced)/2]

	for i, f0 := range sourceF0 {
		if f0 == core.UnvoicedF0 {
			continue
		}

		deviation[i] = modulation * semitonesPerOctave * math.Log2(f0/median)
	}

	return deviation
}

// loopSustain replaces the sustain region with a mirrored repetition long
// enough to cover the required length, so long notes sustain instead of
// smearing. It returns the padded features with the new total time and
// sustain length.
func loopSustain(
	source *core.AcousticFeatures,
	hopO, con, end, length float64,
) (*core.AcousticFeatures, float64, float64) {
	startIdx := int(math.Floor((con + hopO/2) / hopO))
	startIdx = min(max(startIdx, 0), source.FrameCount)

	endIdx := int(math.Floor((end + hopO/2) / hopO))
	endIdx = min(max(endIdx, startIdx), source.FrameCount)

	loopLen := endIdx - startIdx
	if loopLen < 2 {
		return source, float64(source.FrameCount) * hopO, end - con
	}

	padSize := int(math.Floor(length/hopO)) + 1
	frameCount := startIdx + padSize

	padded := &core.AcousticFeatures{
		SampleRate:   source.SampleRate,
		HopSize:      source.HopSize,
		Bands:        source.Bands,
		FrameCount:   frameCount,
		PeakScale:    source.PeakScale,
		F0:           make([]float64, frameCount),
		Envelope:     make([]float64, frameCount*source.Bands),
		Aperiodicity: make([]float64, frameCount*source.Bands),
	}

	for i := range frameCount {
		src := i
		if i >= startIdx {
			src = startIdx + dsp.MirrorIndex(i-startIdx, loopLen)
		}

		padded.F0[i] = source.F0[src]

		copy(padded.EnvelopeFrame(i), source.EnvelopeFrame(src))
		copy(padded.AperiodicityFrame(i), source.AperiodicityFrame(src))
	}

	return padded, float64(frameCount) * hopO, float64(padSize) * hopO
}
