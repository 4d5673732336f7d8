// Package flags parses the raw per-note flag string and numeric render
// parameters into a validated, strongly-typed parameter set.
//
// Flag-value errors never fail a request: unknown tokens are skipped and
// out-of-range values are clamped to their documented range. Only
// structurally inconsistent timing marks are fatal.
package flags

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/book-expert/resampler-service/internal/core"
)

// Documented clamp ranges (flag symbol → [min, max]).
const (
	GenderMin    = -600.0
	GenderMax    = 600.0
	TransposeMin = -1200.0
	TransposeMax = 1200.0
	BreathMin    = 0.0
	BreathMax    = 500.0
	VoicingMin   = 0.0
	VoicingMax   = 150.0
	TensionMin   = -100.0
	TensionMax   = 100.0
	FryMin       = 0.0
	FryMax       = 100.0
	GrowlMin     = 0.0
	GrowlMax     = 100.0
	AmpModMin    = -100.0
	AmpModMax    = 100.0
	NormMin      = 0.0
	NormMax      = 100.0
)

// flagPattern matches one flag symbol and its optional signed numeric value.
// Multi-letter symbols come first so "Hb" never parses as "H" + garbage.
// The token set covers the classic engine's surface; symbols the pipeline
// does not use are matched so they are skipped instead of corrupting
// adjacent tokens.
var flagPattern = regexp.MustCompile(
	`(Hb|Hv|Ht|He|Hf|HG|fe|fl|fo|fv|fp|ve|vo|vl|g|t|A|B|G|P|S|p|R|D|C|Z)([+-]?\d+(?:\.\d+)?)?`,
)

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}

	if v > high {
		return high
	}

	return v
}

// Parse turns a raw flag string into a validated FlagSet. It never fails:
// unrecognized tokens are ignored and recognized values are clamped.
func Parse(raw string) core.FlagSet {
	flagSet := core.NeutralFlags()

	// Hosts sometimes join flags with '/' separators.
	cleaned := strings.ReplaceAll(raw, "/", "")
	cleaned = strings.Trim(cleaned, `"`)

	for _, match := range flagPattern.FindAllStringSubmatch(cleaned, -1) {
		symbol := match[1]

		value := 0.0
		hasValue := false

		if match[2] != "" {
			parsed, err := strconv.ParseFloat(match[2], 64)
			if err == nil {
				value = parsed
				hasValue = true
			}
		}

		applyFlag(&flagSet, symbol, value, hasValue)
	}

	return flagSet
}

// applyFlag sets one recognized flag, clamping numeric values. Boolean flags
// treat any occurrence as true.
func applyFlag(flagSet *core.FlagSet, symbol string, value float64, hasValue bool) {
	switch symbol {
	case "g":
		if hasValue {
			flagSet.Gender = clamp(value, GenderMin, GenderMax)
		}
	case "t":
		if hasValue {
			flagSet.Transpose = clamp(value, TransposeMin, TransposeMax)
		}
	case "Hb":
		if hasValue {
			flagSet.Breath = clamp(value, BreathMin, BreathMax)
		}
	case "Hv":
		if hasValue {
			flagSet.Voicing = clamp(value, VoicingMin, VoicingMax)
		}
	case "Ht":
		if hasValue {
			flagSet.Tension = clamp(value, TensionMin, TensionMax)
		}
	case "Hf":
		if hasValue {
			flagSet.Fry = clamp(value, FryMin, FryMax)
		}
	case "HG":
		if hasValue {
			flagSet.Growl = clamp(value, GrowlMin, GrowlMax)
		}
	case "A":
		if hasValue {
			flagSet.AmpMod = clamp(value, AmpModMin, AmpModMax)
		}
	case "P":
		if hasValue {
			flagSet.NormStrength = clamp(value, NormMin, NormMax)
		}
	case "He":
		flagSet.Loop = true
	case "G":
		flagSet.ForceRegen = true
	default:
		// Recognized but unused by this pipeline; skipped.
	}
}

// ValidateTiming checks the structural consistency of resolved timing marks.
// Flag-value problems degrade; timing problems are the one parse-stage error
// that fails a request.
func ValidateTiming(timing core.Timing) error {
	if timing.Length <= 0 {
		return fmt.Errorf("%w: non-positive required length %.4fs",
			core.ErrInvalidTiming, timing.Length)
	}

	if timing.Consonant < 0 {
		return fmt.Errorf("%w: negative consonant length %.4fs",
			core.ErrInvalidTiming, timing.Consonant)
	}

	if timing.Velocity < 0 {
		return fmt.Errorf("%w: negative velocity %.4f",
			core.ErrInvalidTiming, timing.Velocity)
	}

	if timing.Preutterance < 0 || timing.Overlap < -timing.Length {
		return fmt.Errorf("%w: inconsistent preutterance/overlap (%.4f, %.4f)",
			core.ErrInvalidTiming, timing.Preutterance, timing.Overlap)
	}

	return nil
}
