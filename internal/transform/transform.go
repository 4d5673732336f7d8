// Package transform applies the feature-domain flag transforms to warped
// features before synthesis: breath and voicing rebalance the harmonic and
// noise parts of each band, tension tilts the spectral slope, and fry pulls
// the tail of the note down into a creaky register.
package transform

import (
	"fmt"
	"math"

	"github.com/book-expert/logger"

	"github.com/book-expert/resampler-service/internal/core"
)

const (
	percentScale = 100.0

	// tensionSlopeScale converts the Ht flag to the spectral tilt factor.
	tensionSlopeScale = -50.0

	// tensionPivotHz is the frequency the tilt rotates around: bands below
	// it move opposite to bands above it.
	tensionPivotHz = 3000.0

	// tensionClamp bounds the per-band log-energy shift.
	tensionClamp = 2.0

	// fryTailFraction is the portion of the note's frames the fry ramp
	// covers.
	fryTailFraction = 0.25

	// fryDipNats is the maximum log-energy dip applied to alternating
	// frames once the fry ramp reaches the floor.
	fryDipNats = 0.5

	energyFloor = 1e-10
)

// Processor applies flag transforms in place. It needs the band center
// frequencies of the envelope representation, which must match the
// extractor's filterbank.
type Processor struct {
	centers []float64
	fryHz   float64
	log     *logger.Logger
}

// NewProcessor creates a transform processor. fryHz is the pitch floor the
// fry flag bends voiced tail frames toward.
func NewProcessor(centers []float64, fryHz float64, log *logger.Logger) (*Processor, error) {
	if len(centers) == 0 {
		return nil, fmt.Errorf("transform processor needs band centers")
	}

	if fryHz <= 0 {
		return nil, fmt.Errorf("fry pitch floor must be positive: %f", fryHz)
	}

	return &Processor{centers: centers, fryHz: fryHz, log: log}, nil
}

// Apply runs the transforms selected by flags over features, in place.
// Neutral flag values leave the features untouched.
func (p *Processor) Apply(features *core.WarpedFeatures, flags core.FlagSet) error {
	if features.Bands != len(p.centers) {
		return fmt.Errorf("features carry %d bands, processor was built for %d",
			features.Bands, len(p.centers))
	}

	breath := flags.Breath / percentScale
	voicing := flags.Voicing / percentScale

	if breath != 1.0 || voicing != 1.0 {
		p.rebalance(features, breath, voicing)
	}

	if flags.Tension != 0 {
		p.tilt(features, flags.Tension)
	}

	if flags.Fry > 0 {
		p.fry(features, flags.Fry)
	}

	return nil
}

// rebalance scales the noise part of each band by breath and the harmonic
// part by voicing, then re-derives the band energy and noise ratio.
func (p *Processor) rebalance(features *core.WarpedFeatures, breath, voicing float64) {
	for frame := range features.FrameCount {
		envelope := features.EnvelopeFrame(frame)
		aperiodicity := features.AperiodicityFrame(frame)

		for b := range features.Bands {
			total := math.Exp(envelope[b])
			noise := total * aperiodicity[b] * breath
			harmonic := total * (1 - aperiodicity[b]) * voicing

			rebalanced := harmonic + noise

			envelope[b] = math.Log(rebalanced + energyFloor)
			aperiodicity[b] = noise / (rebalanced + energyFloor)
		}
	}
}

// tilt rotates the log spectral envelope around the pivot frequency.
// Positive tension lifts the bands above the pivot and dips the ones below,
// which reads as a more pressed, tense voice.
func (p *Processor) tilt(features *core.WarpedFeatures, tension float64) {
	slope := tension / tensionSlopeScale

	shifts := make([]float64, features.Bands)
	for b, center := range p.centers {
		shift := slope * (1.0 - center/tensionPivotHz)
		shifts[b] = math.Min(math.Max(shift, -tensionClamp), tensionClamp)
	}

	for frame := range features.FrameCount {
		envelope := features.EnvelopeFrame(frame)
		for b := range features.Bands {
			envelope[b] += shifts[b]
		}
	}
}

// fry ramps the voiced pitch of the note's tail down toward the fry floor.
// The ramp starts at zero and reaches intensity/100 at the final frame.
// Frames that land at the floor get alternating energy dips, the irregular
// pulsing of a true fry register.
func (p *Processor) fry(features *core.WarpedFeatures, intensity float64) {
	tail := int(float64(features.FrameCount) * fryTailFraction)
	if tail < 1 {
		return
	}

	depth := intensity / percentScale
	first := features.FrameCount - tail

	for i := first; i < features.FrameCount; i++ {
		f0 := features.F0[i]
		if f0 == core.UnvoicedF0 {
			continue
		}

		weight := depth * float64(i-first+1) / float64(tail)
		if f0 > p.fryHz {
			features.F0[i] = f0*(1-weight) + p.fryHz*weight
		}

		if features.F0[i] <= p.fryHz && (i-first)%2 == 1 {
			envelope := features.EnvelopeFrame(i)
			for b := range envelope {
				envelope[b] -= weight * fryDipNats
			}
		}
	}

	if p.log != nil {
		p.log.Info("Applied fry over final %d frames (depth %.2f)", tail, depth)
	}
}
