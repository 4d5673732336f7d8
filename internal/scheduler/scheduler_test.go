package scheduler_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/resampler-service/internal/cache"
	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/dsp"
	"github.com/book-expert/resampler-service/internal/features"
	"github.com/book-expert/resampler-service/internal/scheduler"
	"github.com/book-expert/resampler-service/internal/transform"
	"github.com/book-expert/resampler-service/internal/vocoder"
	"github.com/book-expert/resampler-service/internal/warp"
	"github.com/book-expert/resampler-service/internal/wavio"
)

const (
	testRate  = 44100
	testHopO  = 128
	testHopR  = 512
	testFFT   = 2048
	testBands = 32
)

// countingSeparator reports the whole input as harmonic and counts calls.
type countingSeparator struct {
	calls atomic.Int64
}

func (s *countingSeparator) Separate(
	_ context.Context,
	wave []float64,
	_ int,
) ([]float64, []float64, error) {
	s.calls.Add(1)

	harmonic := make([]float64, len(wave))
	copy(harmonic, wave)

	return harmonic, make([]float64, len(wave)), nil
}

// gatedSeparator blocks inside extraction until released, signalling once
// the first call is underway.
type gatedSeparator struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int64
}

func (s *gatedSeparator) Separate(
	_ context.Context,
	wave []float64,
	_ int,
) ([]float64, []float64, error) {
	s.calls.Add(1)
	s.once.Do(func() { close(s.entered) })
	<-s.release

	harmonic := make([]float64, len(wave))
	copy(harmonic, wave)

	return harmonic, make([]float64, len(wave)), nil
}

// gaugeVocoder synthesizes silence-adjacent tones while tracking how many
// calls run at once.
type gaugeVocoder struct {
	active  atomic.Int64
	maxSeen atomic.Int64
}

func (v *gaugeVocoder) Synthesize(
	_ context.Context,
	warped *core.WarpedFeatures,
) ([]float64, error) {
	current := v.active.Add(1)
	defer v.active.Add(-1)

	for {
		seen := v.maxSeen.Load()
		if current <= seen || v.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}

	wave := make([]float64, warped.FrameCount*warped.HopSize)
	for i := range wave {
		wave[i] = 0.3 * math.Sin(2.0*math.Pi*220.0*float64(i)/float64(warped.SampleRate))
	}

	return wave, nil
}

type testRig struct {
	scheduler *scheduler.Scheduler
	separator *countingSeparator
	vocoder   *gaugeVocoder
	dir       string
}

func newTestRig(t *testing.T, maxInference int) *testRig {
	t.Helper()

	separator := &countingSeparator{}
	rig := newRigWithSeparator(t, maxInference, separator)
	rig.separator = separator

	return rig
}

func newRigWithSeparator(t *testing.T, maxInference int, separator core.Separator) *testRig {
	t.Helper()

	dir := t.TempDir()

	gauge := &gaugeVocoder{}

	store, err := cache.New(filepath.Join(dir, "cache"), nil)
	require.NoError(t, err)

	extractor, err := features.NewExtractor(separator, testRate, testHopO, testFFT, testBands, nil)
	require.NoError(t, err)

	mapper, err := warp.NewMapper(testHopR, testRate, 2, false, nil)
	require.NoError(t, err)

	bank, err := dsp.NewMelFilterbank(testBands, testFFT, testRate, 40.0, testRate/2.0)
	require.NoError(t, err)

	transformer, err := transform.NewProcessor(bank.Centers(), 70.0, nil)
	require.NoError(t, err)

	engine, err := vocoder.NewEngine(gauge, vocoder.Settings{
		SampleRate:         testRate,
		PeakLimit:          1.0,
		LoudnessTargetLUFS: -16.0,
		SilenceThresholdDB: -52.0,
	}, nil)
	require.NoError(t, err)

	sched, err := scheduler.New(scheduler.Settings{
		SampleRate:             testRate,
		AnalysisHop:            testHopO,
		Bands:                  testBands,
		MaxConcurrentInference: maxInference,
	}, store, extractor, mapper, transformer, engine, nil)
	require.NoError(t, err)

	return &testRig{scheduler: sched, vocoder: gauge, dir: dir}
}

func (r *testRig) sampleFile(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(r.dir, name)

	tone := make([]float64, testRate/2)
	for i := range tone {
		tone[i] = 0.6 * math.Sin(2.0*math.Pi*220.0*float64(i)/float64(testRate))
	}

	require.NoError(t, wavio.WriteMono(path, tone, testRate))

	return path
}

func (r *testRig) request(input, output string) *core.RenderRequest {
	return &core.RenderRequest{
		InputPath:  input,
		OutputPath: output,
		NotePitch:  60,
		PitchBend:  []float64{0, 0, 0},
		Volume:     1.0,
		Flags:      core.NeutralFlags(),
		Timing: core.Timing{
			Offset:    0.02,
			Length:    0.25,
			Consonant: 0.05,
			Velocity:  1.0,
			Tempo:     120,
		},
	}
}

func TestRenderEndToEnd(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 2)
	input := rig.sampleFile(t, "ka.wav")
	output := filepath.Join(rig.dir, "out", "ka-note.wav")

	var stages []scheduler.Stage

	rig.scheduler.SetStageObserver(func(stage scheduler.Stage) {
		stages = append(stages, stage)
	})

	require.NoError(t, rig.scheduler.Render(context.Background(), rig.request(input, output)))

	assert.Equal(t, []scheduler.Stage{
		scheduler.StageQueued,
		scheduler.StageExtracting,
		scheduler.StageWarping,
		scheduler.StageTransforming,
		scheduler.StageSynthesizing,
		scheduler.StageDone,
	}, stages)

	rendered, err := wavio.ReadMono(output, testRate)
	require.NoError(t, err)

	// The note covers the consonant plus the required length, padded by at
	// most a couple of frames.
	hopR := float64(testHopR) / float64(testRate)
	duration := float64(len(rendered)) / float64(testRate)
	assert.InDelta(t, 0.30, duration, 2*hopR)
}

func TestRenderReusesCachedFeatures(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 2)
	input := rig.sampleFile(t, "se.wav")

	ctx := context.Background()

	require.NoError(t, rig.scheduler.Render(ctx, rig.request(input, filepath.Join(rig.dir, "a.wav"))))
	require.NoError(t, rig.scheduler.Render(ctx, rig.request(input, filepath.Join(rig.dir, "b.wav"))))

	assert.Equal(t, int64(1), rig.separator.calls.Load())
}

func TestRenderForceRegenExtractsAgain(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 2)
	input := rig.sampleFile(t, "re.wav")

	ctx := context.Background()

	require.NoError(t, rig.scheduler.Render(ctx, rig.request(input, filepath.Join(rig.dir, "a.wav"))))

	forced := rig.request(input, filepath.Join(rig.dir, "b.wav"))
	forced.Flags.ForceRegen = true

	require.NoError(t, rig.scheduler.Render(ctx, forced))

	assert.Equal(t, int64(2), rig.separator.calls.Load())
}

func TestRenderNullOutputWarmsCacheOnly(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 2)
	input := rig.sampleFile(t, "nu.wav")

	require.NoError(t, rig.scheduler.Render(context.Background(), rig.request(input, "nul")))

	assert.Equal(t, int64(1), rig.separator.calls.Load())
	assert.Equal(t, int64(0), rig.vocoder.maxSeen.Load())

	// The cache is warm: a real render afterwards skips extraction.
	output := filepath.Join(rig.dir, "real.wav")
	require.NoError(t, rig.scheduler.Render(context.Background(), rig.request(input, output)))

	assert.Equal(t, int64(1), rig.separator.calls.Load())
}

func TestRenderMissingInputFails(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 2)
	output := filepath.Join(rig.dir, "ghost-note.wav")

	err := rig.scheduler.Render(
		context.Background(),
		rig.request(filepath.Join(rig.dir, "ghost.wav"), output),
	)
	require.ErrorIs(t, err, core.ErrIOFailure)

	_, statErr := os.Stat(output)
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestRenderBoundsInferenceConcurrency(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 1)

	inputs := []string{
		rig.sampleFile(t, "one.wav"),
		rig.sampleFile(t, "two.wav"),
		rig.sampleFile(t, "three.wav"),
	}

	var wg sync.WaitGroup

	for i, input := range inputs {
		wg.Add(1)

		output := filepath.Join(rig.dir, "out", inputs[i][len(rig.dir)+1:])

		go func() {
			defer wg.Done()

			require.NoError(t, rig.scheduler.Render(context.Background(), rig.request(input, output)))
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1), rig.vocoder.maxSeen.Load())
}

func TestRenderSharedExtractionSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	gate := &gatedSeparator{entered: make(chan struct{}), release: make(chan struct{})}
	rig := newRigWithSeparator(t, 2, gate)
	input := rig.sampleFile(t, "sh.wav")

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	defer cancelLeader()

	leaderDone := make(chan error, 1)

	go func() {
		leaderDone <- rig.scheduler.Render(
			leaderCtx, rig.request(input, filepath.Join(rig.dir, "first.wav")))
	}()

	<-gate.entered

	waiterOut := filepath.Join(rig.dir, "second.wav")
	waiterDone := make(chan error, 1)

	go func() {
		waiterDone <- rig.scheduler.Render(context.Background(), rig.request(input, waiterOut))
	}()

	// Let the second request join the in-flight extraction, then cancel the
	// request that started it before letting the extraction finish.
	time.Sleep(50 * time.Millisecond)
	cancelLeader()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-waiterDone)
	<-leaderDone

	assert.Equal(t, int64(1), gate.calls.Load())

	_, statErr := os.Stat(waiterOut)
	require.NoError(t, statErr)
}

func TestRenderCancelledContextReleasesCleanly(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t, 1)
	input := rig.sampleFile(t, "ca.wav")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rig.scheduler.Render(ctx, rig.request(input, filepath.Join(rig.dir, "c.wav")))
	require.Error(t, err)
}
