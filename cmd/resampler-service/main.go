// main package for the resampler-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/resampler-service/internal/cache"
	"github.com/book-expert/resampler-service/internal/config"
	"github.com/book-expert/resampler-service/internal/features"
	"github.com/book-expert/resampler-service/internal/inference"
	"github.com/book-expert/resampler-service/internal/objectstore"
	"github.com/book-expert/resampler-service/internal/scheduler"
	"github.com/book-expert/resampler-service/internal/server"
	"github.com/book-expert/resampler-service/internal/transform"
	"github.com/book-expert/resampler-service/internal/vocoder"
	"github.com/book-expert/resampler-service/internal/warp"
	"github.com/book-expert/resampler-service/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const (
	healthCheckTimeout = 5 * time.Second
	prunerInterval     = time.Hour
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "resampler-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// buildRenderer assembles the render pipeline from the configuration.
func buildRenderer(cfg *config.Config, log *logger.Logger) (*scheduler.Scheduler, error) {
	timeout := time.Duration(cfg.Inference.TimeoutSeconds) * time.Second
	separator := inference.NewSeparatorClient(cfg.Inference.SeparatorURL, timeout)
	vocoderClient := inference.NewVocoderClient(cfg.Inference.VocoderURL, timeout)

	checkCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := separator.HealthCheck(checkCtx); err != nil {
		log.Warn("Separator service not ready yet: %v", err)
	}

	if err := vocoderClient.HealthCheck(checkCtx); err != nil {
		log.Warn("Vocoder service not ready yet: %v", err)
	}

	store, err := cache.New(cfg.Cache.Directory, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create feature cache: %w", err)
	}

	extractor, err := features.NewExtractor(separator,
		cfg.Render.SampleRate, cfg.Render.AnalysisHop, cfg.Render.FFTSize, cfg.Render.Bands, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	mapper, err := warp.NewMapper(cfg.Render.RenderHop, cfg.Render.SampleRate,
		cfg.Render.Fill, cfg.Render.LoopMode, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create warp mapper: %w", err)
	}

	centers, err := features.BandCenters(cfg.Render.SampleRate, cfg.Render.FFTSize, cfg.Render.Bands)
	if err != nil {
		return nil, fmt.Errorf("failed to derive band centers: %w", err)
	}

	transformer, err := transform.NewProcessor(centers, cfg.Render.FryThresholdHz, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create flag transformer: %w", err)
	}

	engine, err := vocoder.NewEngine(vocoderClient, vocoder.Settings{
		SampleRate:         cfg.Render.SampleRate,
		PeakLimit:          cfg.Render.PeakLimit,
		WaveNorm:           cfg.Render.WaveNorm,
		LoudnessTargetLUFS: cfg.Render.LoudnessTargetLUFS,
		TrimSilence:        cfg.Render.TrimSilence,
		SilenceThresholdDB: cfg.Render.SilenceThresholdDB,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create render engine: %w", err)
	}

	renderer, err := scheduler.New(scheduler.Settings{
		SampleRate:             cfg.Render.SampleRate,
		AnalysisHop:            cfg.Render.AnalysisHop,
		Bands:                  cfg.Render.Bands,
		MaxConcurrentInference: cfg.Render.MaxConcurrentInference,
	}, store, extractor, mapper, transformer, engine, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return renderer, nil
}

// startNatsWorker connects to NATS and runs the render-job worker. It is
// skipped entirely when no NATS URL is configured.
func startNatsWorker(
	ctx context.Context,
	group *errgroup.Group,
	cfg *config.Config,
	renderer *scheduler.Scheduler,
	log *logger.Logger,
) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at '%s': %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.RenderObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection, jetstreamContext, cfg.NATS.RenderSubject,
		store, renderer, "", log,
	)
	if err != nil {
		return fmt.Errorf("failed to create NATS worker: %w", err)
	}

	group.Go(func() error {
		defer natsConnection.Close()

		return natsWorker.Run(ctx)
	})

	log.Info("Listening for render jobs on subject: %s", cfg.NATS.RenderSubject)

	return nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	renderer, err := buildRenderer(cfg, log)
	if err != nil {
		log.Error("Failed to build render pipeline: %v", err)

		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Cache.MaxAgeHours > 0 {
		maxAge := time.Duration(cfg.Cache.MaxAgeHours) * time.Hour
		renderer.StartCachePruner(ctx, prunerInterval, maxAge)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	httpServer := server.New(cfg.Server.Port, renderer, log)
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})

	if cfg.NATS.URL != "" {
		workerErr := startNatsWorker(groupCtx, group, cfg, renderer, log)
		if workerErr != nil {
			log.Error("Failed to start NATS worker: %v", workerErr)

			return workerErr
		}
	}

	httpServer.SetReady(true)
	log.System("Resampler service initialized. Serving on port %d.", cfg.Server.Port)

	waitErr := group.Wait()
	if waitErr != nil {
		return fmt.Errorf("service stopped: %w", waitErr)
	}

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
