package flags_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/flags"
)

func TestParseMixedFlagString(t *testing.T) {
	t.Parallel()

	flagSet := flags.Parse("B50Hv70fl0.5G")

	assert.InDelta(t, 70.0, flagSet.Voicing, 1e-9)
	assert.True(t, flagSet.ForceRegen)
	assert.InDelta(t, 0.0, flagSet.Gender, 1e-9)
	assert.InDelta(t, 100.0, flagSet.Breath, 1e-9)
	assert.False(t, flagSet.Loop)
}

func TestParseClampsOutOfRangeValues(t *testing.T) {
	t.Parallel()

	flagSet := flags.Parse("g-9999t5000Hb900Ht-500")

	assert.InDelta(t, flags.GenderMin, flagSet.Gender, 1e-9)
	assert.InDelta(t, flags.TransposeMax, flagSet.Transpose, 1e-9)
	assert.InDelta(t, flags.BreathMax, flagSet.Breath, 1e-9)
	assert.InDelta(t, flags.TensionMin, flagSet.Tension, 1e-9)
}

func TestParseSkipsUnknownTokens(t *testing.T) {
	t.Parallel()

	flagSet := flags.Parse("x9?!g120junk")

	assert.InDelta(t, 120.0, flagSet.Gender, 1e-9)
}

func TestParseBooleanAndSeparatorHandling(t *testing.T) {
	t.Parallel()

	flagSet := flags.Parse("/He/HG40/P80")

	assert.True(t, flagSet.Loop)
	assert.InDelta(t, 40.0, flagSet.Growl, 1e-9)
	assert.InDelta(t, 80.0, flagSet.NormStrength, 1e-9)
}

func TestParseEmptyStringYieldsNeutral(t *testing.T) {
	t.Parallel()

	assert.Equal(t, core.NeutralFlags(), flags.Parse(""))
}

func TestParsePitchName(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		want int
	}{
		{"C4", 60},
		{"A4", 69},
		{"C#4", 61},
		{"Db4", 61},
		{"B3", 59},
		{"c-1", -12 + 12},
		{"72", 72},
	}

	for _, testCase := range testCases {
		got, err := flags.ParsePitchName(testCase.name)
		require.NoError(t, err, testCase.name)
		assert.Equal(t, testCase.want, got, testCase.name)
	}
}

func TestParsePitchNameRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := flags.ParsePitchName("H4")
	require.Error(t, err)

	_, err = flags.ParsePitchName("")
	require.Error(t, err)
}

func TestParseTempo(t *testing.T) {
	t.Parallel()

	tempo, err := flags.ParseTempo("!120")
	require.NoError(t, err)
	assert.InDelta(t, 120.0, tempo, 1e-9)

	tempo, err = flags.ParseTempo("95.5")
	require.NoError(t, err)
	assert.InDelta(t, 95.5, tempo, 1e-9)

	_, err = flags.ParseTempo("!fast")
	require.Error(t, err)
}

func TestDecodePitchBendPairsAndRuns(t *testing.T) {
	t.Parallel()

	// "AA" is 0 cents, "AK" is 10 cents, a run repeats the previous point.
	points, err := flags.DecodePitchBend("AAAK#2#")
	require.NoError(t, err)

	require.Len(t, points, 5)
	assert.InDelta(t, 0.0, points[0], 1e-9)
	assert.InDelta(t, 0.10, points[1], 1e-9)
	assert.InDelta(t, 0.10, points[2], 1e-9)
	assert.InDelta(t, 0.10, points[3], 1e-9)
	assert.InDelta(t, 0.0, points[4], 1e-9)
}

func TestDecodePitchBendNegativeValues(t *testing.T) {
	t.Parallel()

	// "/+" is the all-ones pair 4095, i.e. -1 cent two's complement.
	points, err := flags.DecodePitchBend("//")
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.InDelta(t, -0.01, points[0], 1e-9)
}

func TestDecodePitchBendRejectsMalformedRuns(t *testing.T) {
	t.Parallel()

	_, err := flags.DecodePitchBend("#3#AA")
	require.Error(t, err)

	_, err = flags.DecodePitchBend("AA#5")
	require.Error(t, err)

	_, err = flags.DecodePitchBend("A")
	require.Error(t, err)
}

func TestParseRequestFields(t *testing.T) {
	t.Parallel()

	fields := []string{
		"/voice/ka.wav", "/tmp/out.wav", "C4", "100", "g10He",
		"85.0", "500.0", "120.0", "-50.0", "100", "0", "!120", "AA",
	}

	request, err := flags.ParseRequestFields(fields)
	require.NoError(t, err)

	assert.Equal(t, "/voice/ka.wav", request.InputPath)
	assert.Equal(t, 60, request.NotePitch)
	assert.InDelta(t, 0.085, request.Timing.Offset, 1e-9)
	assert.InDelta(t, 0.5, request.Timing.Length, 1e-9)
	assert.InDelta(t, 0.12, request.Timing.Consonant, 1e-9)
	assert.InDelta(t, -0.05, request.Timing.Cutoff, 1e-9)
	assert.InDelta(t, 1.0, request.Timing.Velocity, 1e-9)
	assert.InDelta(t, 120.0, request.Timing.Tempo, 1e-9)
	assert.InDelta(t, 1.0, request.Volume, 1e-9)
	assert.InDelta(t, 10.0, request.Flags.Gender, 1e-9)
	assert.True(t, request.Flags.Loop)
	require.Len(t, request.PitchBend, 2)
}

func TestParseRequestFieldsRejectsBadTiming(t *testing.T) {
	t.Parallel()

	fields := []string{
		"in.wav", "out.wav", "C4", "100", "",
		"0", "-200.0", "50.0", "0", "100", "0", "!120", "AA",
	}

	_, err := flags.ParseRequestFields(fields)
	require.ErrorIs(t, err, core.ErrInvalidTiming)
}

func TestValidateTiming(t *testing.T) {
	t.Parallel()

	valid := core.Timing{Length: 0.5, Consonant: 0.1, Velocity: 1.0}
	require.NoError(t, flags.ValidateTiming(valid))

	negConsonant := valid
	negConsonant.Consonant = -0.1
	require.ErrorIs(t, flags.ValidateTiming(negConsonant), core.ErrInvalidTiming)
}
