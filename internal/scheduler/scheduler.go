// Package scheduler runs render requests end to end: cache-or-extract the
// sample's acoustic features, warp them onto the note timeline, apply the
// flag transforms, synthesize, and publish the output file. Feature
// extraction is collapsed per cache key, and the number of in-flight
// inference calls is bounded.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/resampler-service/internal/cache"
	"github.com/book-expert/resampler-service/internal/core"
	"github.com/book-expert/resampler-service/internal/features"
	"github.com/book-expert/resampler-service/internal/transform"
	"github.com/book-expert/resampler-service/internal/vocoder"
	"github.com/book-expert/resampler-service/internal/warp"
	"github.com/book-expert/resampler-service/internal/wavio"
)

// nullOutput is the output name hosts use to warm the cache without
// rendering.
const nullOutput = "nul"

// Stage identifies where a request currently is in the pipeline.
type Stage int

// Pipeline stages, in execution order.
const (
	StageQueued Stage = iota
	StageExtracting
	StageWarping
	StageTransforming
	StageSynthesizing
	StageDone
	StageFailed
)

var stageNames = map[Stage]string{
	StageQueued:       "queued",
	StageExtracting:   "extracting",
	StageWarping:      "warping",
	StageTransforming: "transforming",
	StageSynthesizing: "synthesizing",
	StageDone:         "done",
	StageFailed:       "failed",
}

func (s Stage) String() string {
	name, ok := stageNames[s]
	if !ok {
		return fmt.Sprintf("stage(%d)", int(s))
	}

	return name
}

// Settings carries the scheduler's engine geometry.
type Settings struct {
	SampleRate  int
	AnalysisHop int
	Bands       int

	// MaxConcurrentInference bounds simultaneous separator and vocoder
	// calls across all requests.
	MaxConcurrentInference int
}

// Scheduler implements core.Renderer over the pipeline stages.
type Scheduler struct {
	settings    Settings
	store       *cache.Store
	extractor   *features.Extractor
	mapper      *warp.Mapper
	transformer *transform.Processor
	engine      *vocoder.Engine

	inferenceSlots chan struct{}

	// onStage, when set, observes every stage transition. Used by tests.
	onStage func(Stage)

	log *logger.Logger
}

// New wires a scheduler over the pipeline components.
func New(
	settings Settings,
	store *cache.Store,
	extractor *features.Extractor,
	mapper *warp.Mapper,
	transformer *transform.Processor,
	engine *vocoder.Engine,
	log *logger.Logger,
) (*Scheduler, error) {
	if store == nil || extractor == nil || mapper == nil || transformer == nil || engine == nil {
		return nil, fmt.Errorf("scheduler requires all pipeline components")
	}

	if settings.MaxConcurrentInference <= 0 {
		settings.MaxConcurrentInference = 1
	}

	return &Scheduler{
		settings:       settings,
		store:          store,
		extractor:      extractor,
		mapper:         mapper,
		transformer:    transformer,
		engine:         engine,
		inferenceSlots: make(chan struct{}, settings.MaxConcurrentInference),
		log:            log,
	}, nil
}

// SetStageObserver registers a callback invoked on every stage transition.
func (s *Scheduler) SetStageObserver(observer func(Stage)) {
	s.onStage = observer
}

func (s *Scheduler) enterStage(stage Stage, request *core.RenderRequest) {
	if s.onStage != nil {
		s.onStage(stage)
	}

	if s.log != nil {
		s.log.Info("Request %s -> %s: %s", request.InputPath, request.OutputPath, stage)
	}
}

// Render executes one request. On failure no output file is written and the
// returned error wraps the pipeline's error taxonomy.
func (s *Scheduler) Render(ctx context.Context, request *core.RenderRequest) error {
	s.enterStage(StageQueued, request)

	renderErr := s.render(ctx, request)
	if renderErr != nil {
		s.enterStage(StageFailed, request)

		return renderErr
	}

	s.enterStage(StageDone, request)

	return nil
}

func (s *Scheduler) render(ctx context.Context, request *core.RenderRequest) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("render %s: %w", request.InputPath, ctxErr)
	}

	s.enterStage(StageExtracting, request)

	acoustic, extractErr := s.featuresFor(ctx, request)
	if extractErr != nil {
		return extractErr
	}

	// Hosts warm the cache by rendering to the null device.
	if filepath.Base(request.OutputPath) == nullOutput {
		if s.log != nil {
			s.log.Info("Null output - cache warmed for %s", request.InputPath)
		}

		return nil
	}

	s.enterStage(StageWarping, request)

	warped, warpErr := s.mapper.Warp(acoustic, request)
	if warpErr != nil {
		return fmt.Errorf("warp %s: %w", request.InputPath, warpErr)
	}

	s.enterStage(StageTransforming, request)

	transformErr := s.transformer.Apply(warped, request.Flags)
	if transformErr != nil {
		return fmt.Errorf("transform %s: %w", request.InputPath, transformErr)
	}

	s.enterStage(StageSynthesizing, request)

	slotErr := s.acquireSlot(ctx)
	if slotErr != nil {
		return slotErr
	}

	render, renderErr := s.engine.Render(ctx, warped, request)

	s.releaseSlot()

	if renderErr != nil {
		return fmt.Errorf("synthesize %s: %w", request.InputPath, renderErr)
	}

	writeErr := wavio.WriteMono(request.OutputPath, render, s.settings.SampleRate)
	if writeErr != nil {
		return fmt.Errorf("write %s: %w", request.OutputPath, writeErr)
	}

	return nil
}

// featuresFor returns the request's acoustic features, consulting the cache
// first. Concurrent requests against the same sample share one extraction.
func (s *Scheduler) featuresFor(
	ctx context.Context,
	request *core.RenderRequest,
) (*core.AcousticFeatures, error) {
	samplePath, resolveErr := wavio.ResolveSamplePath(request.InputPath)
	if resolveErr != nil {
		return nil, resolveErr
	}

	sampleBytes, readErr := os.ReadFile(samplePath)
	if readErr != nil {
		return nil, fmt.Errorf("%w: read sample %s: %w", core.ErrIOFailure, samplePath, readErr)
	}

	key := cache.Key(
		sampleBytes,
		s.settings.SampleRate,
		s.settings.AnalysisHop,
		s.settings.Bands,
		request.Flags.Gender,
	)

	// The extraction may be shared with other requests waiting on the same
	// key. One caller's cancellation must not abort work the rest depend
	// on, so the closure runs on a context detached from the caller's.
	extractCtx := context.WithoutCancel(ctx)

	return s.store.GetOrExtract(key, request.Flags.ForceRegen, func() (*core.AcousticFeatures, error) {
		wave, decodeErr := wavio.ReadMono(samplePath, s.settings.SampleRate)
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: decode %s: %w",
				core.ErrExtractionFailed, samplePath, decodeErr)
		}

		slotErr := s.acquireSlot(extractCtx)
		if slotErr != nil {
			return nil, slotErr
		}
		defer s.releaseSlot()

		return s.extractor.Extract(extractCtx, wave, request.Flags.Gender)
	})
}

// acquireSlot blocks until an inference slot frees up or ctx is done.
func (s *Scheduler) acquireSlot(ctx context.Context) error {
	select {
	case s.inferenceSlots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for inference slot: %w", ctx.Err())
	}
}

func (s *Scheduler) releaseSlot() {
	<-s.inferenceSlots
}

// StartCachePruner deletes cache entries older than maxAge on the given
// interval until ctx is cancelled.
func (s *Scheduler) StartCachePruner(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, pruneErr := s.store.Prune(maxAge)
				if pruneErr != nil && s.log != nil {
					s.log.Warn("Cache prune failed: %v", pruneErr)
				} else if removed > 0 && s.log != nil {
					s.log.Info("Pruned %d stale cache entries", removed)
				}
			}
		}
	}()
}
