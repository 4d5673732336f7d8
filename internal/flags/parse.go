package flags

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/book-expert/resampler-service/internal/core"
)

// Fixed positions of the thirteen request fields, after the two paths.
const (
	requestFieldCount = 13

	millisecondsPerSecond = 1000.0
	percentScale          = 100.0
	centsPerSemitone      = 100.0
)

// ErrMalformedRequest reports a request line that does not carry the
// expected thirteen fields or carries an unparseable numeric field.
var ErrMalformedRequest = core.ErrInvalidTiming

var noteSemitones = map[byte]int{
	'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11,
}

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// ParsePitchName converts a scientific note name ("C4", "D#5", "Gb3") to its
// MIDI note number, so C4 maps to 60. A bare integer is accepted as-is.
func ParsePitchName(name string) (int, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty pitch name", ErrMalformedRequest)
	}

	if numeric, err := strconv.Atoi(trimmed); err == nil {
		return numeric, nil
	}

	letter := trimmed[0]
	if letter >= 'a' && letter <= 'g' {
		letter -= 'a' - 'A'
	}

	semitone, ok := noteSemitones[letter]
	if !ok {
		return 0, fmt.Errorf("%w: unknown note letter %q", ErrMalformedRequest, trimmed)
	}

	rest := trimmed[1:]

	switch {
	case strings.HasPrefix(rest, "#"):
		semitone++

		rest = rest[1:]
	case strings.HasPrefix(rest, "b"):
		semitone--

		rest = rest[1:]
	}

	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("%w: bad octave in pitch name %q", ErrMalformedRequest, trimmed)
	}

	return (octave+1)*12 + semitone, nil
}

// ParseTempo parses a tempo field of the form "!120" (the leading '!' is
// optional) into beats per minute.
func ParseTempo(raw string) (float64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "!")

	tempo, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad tempo %q", ErrMalformedRequest, raw)
	}

	return tempo, nil
}

// DecodePitchBend decodes the base64 pitch-bend string into semitone offsets.
// Each pair of characters is a 12-bit two's-complement value in cents;
// "#n#" repeats the previous value n more times. A final flat point is
// appended so interpolation always has a settled tail.
func DecodePitchBend(encoded string) ([]float64, error) {
	points := make([]float64, 0, len(encoded)/2+1)

	i := 0
	for i < len(encoded) {
		if encoded[i] == '#' {
			end := strings.IndexByte(encoded[i+1:], '#')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated pitch-bend run at %d",
					ErrMalformedRequest, i)
			}

			count, err := strconv.Atoi(encoded[i+1 : i+1+end])
			if err != nil || count < 0 {
				return nil, fmt.Errorf("%w: bad pitch-bend run length %q",
					ErrMalformedRequest, encoded[i+1:i+1+end])
			}

			if len(points) == 0 {
				return nil, fmt.Errorf("%w: pitch-bend run with no prior value",
					ErrMalformedRequest)
			}

			last := points[len(points)-1]
			for range count {
				points = append(points, last)
			}

			i += end + 2

			continue
		}

		if i+1 >= len(encoded) {
			return nil, fmt.Errorf("%w: dangling pitch-bend character", ErrMalformedRequest)
		}

		high := strings.IndexByte(base64Alphabet, encoded[i])
		low := strings.IndexByte(base64Alphabet, encoded[i+1])

		if high < 0 || low < 0 {
			return nil, fmt.Errorf("%w: non-base64 pitch-bend pair %q",
				ErrMalformedRequest, encoded[i:i+2])
		}

		value := high<<6 | low
		if value > 2047 {
			value -= 4096
		}

		points = append(points, float64(value)/centsPerSemitone)

		i += 2
	}

	points = append(points, 0.0)

	return points, nil
}

// ParseRequestFields assembles a render request from the thirteen
// positional request fields: input path, output path, pitch, velocity,
// flags, offset, required length, consonant, cutoff, volume, modulation,
// tempo and pitch bend. Durations arrive in milliseconds and percentages
// on a 0-100 scale; the request carries seconds and unit fractions.
func ParseRequestFields(fields []string) (*core.RenderRequest, error) {
	if len(fields) != requestFieldCount {
		return nil, fmt.Errorf("%w: got %d request fields, want %d",
			ErrMalformedRequest, len(fields), requestFieldCount)
	}

	notePitch, err := ParsePitchName(fields[2])
	if err != nil {
		return nil, err
	}

	numeric := make([]float64, 0, 7)

	for _, idx := range []int{3, 5, 6, 7, 8, 9, 10} {
		value, parseErr := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: bad numeric field %q",
				ErrMalformedRequest, fields[idx])
		}

		numeric = append(numeric, value)
	}

	tempo, err := ParseTempo(fields[11])
	if err != nil {
		return nil, err
	}

	pitchBend, err := DecodePitchBend(strings.TrimSpace(fields[12]))
	if err != nil {
		return nil, err
	}

	timing := core.Timing{
		Offset:       numeric[1] / millisecondsPerSecond,
		Length:       numeric[2] / millisecondsPerSecond,
		Consonant:    numeric[3] / millisecondsPerSecond,
		Cutoff:       numeric[4] / millisecondsPerSecond,
		Preutterance: 0,
		Overlap:      0,
		Velocity:     numeric[0] / percentScale,
		Tempo:        tempo,
	}

	if err := ValidateTiming(timing); err != nil {
		return nil, err
	}

	request := &core.RenderRequest{
		InputPath:  fields[0],
		OutputPath: fields[1],
		NotePitch:  notePitch,
		PitchBend:  pitchBend,
		Volume:     numeric[5] / percentScale,
		Modulation: numeric[6] / percentScale,
		Flags:      Parse(fields[4]),
		Timing:     timing,
	}

	return request, nil
}
