// Package worker provides a NATS worker that processes render jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/events"
	"github.com/book-expert/resampler-service/internal/flags"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	handleMessageTimeout = 120 * time.Second

	nullOutputName = "nul"
	wavExtension   = ".wav"

	millisecondsPerSecond = 1000.0
	percentScale          = 100.0
)

var (
	// ErrSampleKeyEmpty indicates that the event carries no voicebank sample key.
	ErrSampleKeyEmpty = errors.New("sample key cannot be empty")
	// ErrVolumeNegative indicates that the requested volume is negative.
	ErrVolumeNegative = errors.New("volume must be non-negative")
	// ErrModulationRange indicates that the modulation is outside [0, 100] percent.
	ErrModulationRange = errors.New("modulation must be between 0 and 100 percent")
)

// NatsWorker listens for render jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection   *nats.Conn
	jetstreamContext nats.JetStreamContext
	subject          string
	store            core.ObjectStore
	renderer         core.Renderer
	workDir          string
	log              *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. Downloaded samples
// and rendered output live under workDir for the duration of one job.
func NewNatsWorker(
	natsConnection *nats.Conn,
	jetstreamContext nats.JetStreamContext,
	subject string,
	store core.ObjectStore,
	renderer core.Renderer,
	workDir string,
	log *logger.Logger,
) (*NatsWorker, error) {
	if workDir == "" {
		workDir = os.TempDir()
	}

	mkdirErr := os.MkdirAll(workDir, 0o750)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create worker directory '%s': %w", workDir, mkdirErr)
	}

	return &NatsWorker{
		natsConnection:   natsConnection,
		jetstreamContext: jetstreamContext,
		subject:          subject,
		store:            store,
		renderer:         renderer,
		workDir:          workDir,
		log:              log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	replyEvent := &events.RenderCompletedEvent{
		Header:          event.Header,
		Status:          events.RenderStatusDone,
		AudioKey:        "",
		DurationSeconds: 0,
		ErrorKind:       "",
	}

	audioKey, duration, processErr := w.processRenderJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process render job for workflow %s: %v",
			event.Header.WorkflowID, processErr)

		replyEvent.Status = events.RenderStatusFailed
		replyEvent.ErrorKind = errorKind(processErr)
	} else {
		replyEvent.AudioKey = audioKey
		replyEvent.DurationSeconds = duration
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v",
			event.Header.WorkflowID, err)

		// The requester will never learn this key, so the uploaded
		// artifact would sit in the bucket forever.
		if replyEvent.AudioKey != "" {
			deleteErr := w.store.Delete(ctx, replyEvent.AudioKey)
			if deleteErr != nil {
				w.log.Warn("Failed to delete orphaned audio '%s': %v",
					replyEvent.AudioKey, deleteErr)
			}
		}
	}
}

// processRenderJob downloads the voicebank sample, renders the note, and
// uploads the rendered audio. It returns the object-store key of the result,
// or an empty key for a cache-warm-only job.
func (w *NatsWorker) processRenderJob(
	ctx context.Context,
	event *events.RenderRequestedEvent,
) (string, float64, error) {
	jobDir, tempErr := os.MkdirTemp(w.workDir, "render-job-*")
	if tempErr != nil {
		return "", 0, fmt.Errorf("failed to create job directory: %w", tempErr)
	}

	defer func() {
		removeErr := os.RemoveAll(jobDir)
		if removeErr != nil {
			w.log.Warn("Failed to remove job directory '%s': %v", jobDir, removeErr)
		}
	}()

	sampleData, downloadErr := w.store.Download(ctx, event.SampleKey)
	if downloadErr != nil {
		return "", 0, fmt.Errorf("failed to download sample for key '%s': %w",
			event.SampleKey, downloadErr)
	}

	samplePath := filepath.Join(jobDir, "sample"+sampleExtension(event.SampleKey))

	writeErr := os.WriteFile(samplePath, sampleData, 0o600)
	if writeErr != nil {
		return "", 0, fmt.Errorf("failed to write sample to '%s': %w", samplePath, writeErr)
	}

	request, buildErr := w.buildRenderRequest(event, samplePath, jobDir)
	if buildErr != nil {
		return "", 0, buildErr
	}

	renderErr := w.renderer.Render(ctx, request)
	if renderErr != nil {
		return "", 0, fmt.Errorf("failed to render note: %w", renderErr)
	}

	if event.CacheWarmOnly {
		return "", 0, nil
	}

	rendered, readErr := os.ReadFile(request.OutputPath)
	if readErr != nil {
		return "", 0, fmt.Errorf("failed to read rendered audio from '%s': %w",
			request.OutputPath, readErr)
	}

	audioKey := uuid.NewString() + wavExtension

	uploadErr := w.store.Upload(ctx, audioKey, rendered)
	if uploadErr != nil {
		return "", 0, fmt.Errorf("failed to upload rendered audio for key '%s': %w",
			audioKey, uploadErr)
	}

	return audioKey, request.Timing.Length, nil
}

// buildRenderRequest translates the wire-format event fields into a render
// request, reusing the positional-field conventions of the HTTP transport.
func (w *NatsWorker) buildRenderRequest(
	event *events.RenderRequestedEvent,
	samplePath string,
	jobDir string,
) (*core.RenderRequest, error) {
	notePitch, pitchErr := flags.ParsePitchName(event.NotePitch)
	if pitchErr != nil {
		return nil, fmt.Errorf("failed to parse note pitch: %w", pitchErr)
	}

	tempo, tempoErr := flags.ParseTempo(event.Tempo)
	if tempoErr != nil {
		return nil, fmt.Errorf("failed to parse tempo: %w", tempoErr)
	}

	pitchBend, bendErr := flags.DecodePitchBend(event.PitchBend)
	if bendErr != nil {
		return nil, fmt.Errorf("failed to decode pitch bend: %w", bendErr)
	}

	timing := core.Timing{
		Offset:       event.OffsetMS / millisecondsPerSecond,
		Length:       event.LengthMS / millisecondsPerSecond,
		Consonant:    event.ConsonantMS / millisecondsPerSecond,
		Cutoff:       event.CutoffMS / millisecondsPerSecond,
		Preutterance: 0,
		Overlap:      0,
		Velocity:     event.Velocity / percentScale,
		Tempo:        tempo,
	}

	timingErr := flags.ValidateTiming(timing)
	if timingErr != nil {
		return nil, fmt.Errorf("invalid timing in event: %w", timingErr)
	}

	outputPath := filepath.Join(jobDir, "render"+wavExtension)
	if event.CacheWarmOnly {
		outputPath = nullOutputName
	}

	request := &core.RenderRequest{
		InputPath:  samplePath,
		OutputPath: outputPath,
		NotePitch:  notePitch,
		PitchBend:  pitchBend,
		Volume:     event.Volume / percentScale,
		Modulation: event.Modulation / percentScale,
		Flags:      flags.Parse(event.Flags),
		Timing:     timing,
	}

	return request, nil
}

// publishReplyEvent marshals and responds with the RenderCompletedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.RenderCompletedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*events.RenderRequestedEvent, error) {
	var event events.RenderRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.SampleKey == "" {
		return nil, ErrSampleKeyEmpty
	}

	if event.Volume < 0 {
		return nil, ErrVolumeNegative
	}

	if event.Modulation < 0 || event.Modulation > percentScale {
		return nil, ErrModulationRange
	}

	return &event, nil
}

// errorKind maps a pipeline error to the wire-level error kind of the
// completed event.
func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidTiming):
		return events.ErrorKindInvalidTiming
	case errors.Is(err, core.ErrExtractionFailed):
		return events.ErrorKindExtractionFailed
	case errors.Is(err, core.ErrCacheCorrupt):
		return events.ErrorKindCacheCorrupt
	case errors.Is(err, core.ErrInferenceFailed):
		return events.ErrorKindInferenceFailed
	case errors.Is(err, core.ErrIOFailure):
		return events.ErrorKindIOFailure
	default:
		return events.ErrorKindInternal
	}
}

// sampleExtension keeps the sample's original extension so the reader can
// fall back across audio container formats.
func sampleExtension(key string) string {
	ext := filepath.Ext(key)
	if ext == "" {
		return wavExtension
	}

	return ext
}
