package dsp

// ReflectPad extends signal by mirroring it at both ends, excluding the edge
// sample itself, the way centered spectral analysis expects. Padding longer
// than the signal repeats the mirrored pattern.
func ReflectPad(signal []float64, left, right int) []float64 {
	if len(signal) == 0 {
		return nil
	}

	n := len(signal)
	padded := make([]float64, left+n+right)

	for i := range padded {
		padded[i] = signal[MirrorIndex(i-left, n)]
	}

	return padded
}

// MirrorIndex folds an out-of-range index back into [0, n) by reflection
// without repeating the boundary sample.
func MirrorIndex(idx, n int) int {
	if n == 1 {
		return 0
	}

	period := 2 * (n - 1)

	idx %= period
	if idx < 0 {
		idx += period
	}

	if idx >= n {
		idx = period - idx
	}

	return idx
}

// Interp1D evaluates piecewise-linear interpolation of (xs, ys) at x. The
// xs must be strictly increasing; queries outside the range clamp to the
// edge values.
func Interp1D(xs, ys []float64, x float64) float64 {
	if len(xs) == 0 {
		return 0
	}

	if x <= xs[0] {
		return ys[0]
	}

	last := len(xs) - 1
	if x >= xs[last] {
		return ys[last]
	}

	// Binary search for the segment containing x.
	lo, hi := 0, last
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if xs[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}

	span := xs[hi] - xs[lo]
	if span == 0 {
		return ys[lo]
	}

	frac := (x - xs[lo]) / span

	return ys[lo]*(1-frac) + ys[hi]*frac
}

// ResampleSeries linearly resamples a uniformly spaced series to a new
// length, preserving the first and last values.
func ResampleSeries(series []float64, newLen int) []float64 {
	if newLen <= 0 || len(series) == 0 {
		return nil
	}

	if len(series) == 1 {
		out := make([]float64, newLen)
		for i := range out {
			out[i] = series[0]
		}

		return out
	}

	out := make([]float64, newLen)
	scale := float64(len(series)-1) / float64(max(newLen-1, 1))

	for i := range out {
		pos := float64(i) * scale
		lo := int(pos)

		hi := lo + 1
		if hi >= len(series) {
			hi = len(series) - 1
		}

		frac := pos - float64(lo)
		out[i] = series[lo]*(1-frac) + series[hi]*frac
	}

	return out
}
