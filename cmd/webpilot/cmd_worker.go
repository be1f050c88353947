package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"webpilot/internal/browser"
	"webpilot/internal/config"
	"webpilot/internal/decide"
	"webpilot/internal/limits"
	"webpilot/internal/logging"
	"webpilot/internal/metrics"
	"webpilot/internal/queue"
	"webpilot/internal/run"
	"webpilot/internal/store"
	"webpilot/internal/trace"
	"webpilot/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool until interrupted",
	RunE:  runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := logging.Init(cfg.Debug); err != nil {
		return err
	}
	defer logging.Sync()
	log := logging.Get(logging.CategoryWorker)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	reg := metrics.NewRegistry()
	if cfg.Metrics.OTLPEndpoint != "" {
		shutdown, err := reg.EnableOTLP(ctx, cfg.Metrics.OTLPEndpoint, cfg.Name, cfg.Metrics.OTLPInsecure)
		if err != nil {
			return fmt.Errorf("otlp export: %w", err)
		}
		defer shutdown(context.Background())
	}
	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := reg.Serve(cfg.Metrics.ListenAddr); err != nil {
				log.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	// Platform ceilings, hot-reloadable from the config file.
	platform := limits.NewPlatform(cfg.Limits.Platform, cfg.Limits.SoftWaitMax, reg)
	go func() {
		if err := platform.Watch(ctx, configPath, config.LoadPlatformLimits); err != nil {
			log.Warn("limit watcher stopped", zap.Error(err))
		}
	}()

	// Storage: filesystem primary, SQLite archive secondary.
	primary, err := store.NewFSStore(cfg.Storage.PrimaryRoot, cfg.Storage.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("primary store: %w", err)
	}
	secondary, err := store.NewArchiveStore(cfg.Storage.SecondaryPath, cfg.Storage.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("secondary store: %w", err)
	}
	defer secondary.Close()
	objects := store.NewFallback(primary, secondary)
	traces := trace.NewRegistry(objects)

	// Decision cascade. Vision may run a different model than reasoning.
	strategies := []decide.Strategy{decide.NewPatternStrategy()}
	if cfg.Models.APIKey != "" {
		reasoning, err := decide.NewGenAIClient(ctx, cfg.Models.APIKey, cfg.Models.ReasoningModel)
		if err != nil {
			return err
		}
		vision := reasoning
		if cfg.Models.VisionModel != "" && cfg.Models.VisionModel != cfg.Models.ReasoningModel {
			vision, err = decide.NewGenAIClient(ctx, cfg.Models.APIKey, cfg.Models.VisionModel)
			if err != nil {
				return err
			}
		}
		strategies = append(strategies,
			decide.NewVisionStrategy(vision, platform, cfg.Models.CallTimeout),
			decide.NewReasoningStrategy(reasoning, platform, cfg.Models.CallTimeout),
		)
	} else {
		log.Warn("no model API key configured, running with the pattern strategy only")
	}
	router := decide.NewRouter(reg, strategies...)

	// Queue.
	jobs, err := queue.Open(cfg.Queue.Path, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		StaleAfter:  cfg.Queue.StaleAfter,
	})
	if err != nil {
		return err
	}
	defer jobs.Close()

	drivers := func(ctx context.Context) (worker.Driver, error) {
		return browser.Launch(ctx, cfg.Browser)
	}

	broker := run.NewBroker()
	sched := worker.New(cfg, jobs, broker, traces, router, drivers, reg)

	log.Info("webpilot worker starting",
		zap.String("version", version),
		zap.String("queue", cfg.Queue.Path),
		zap.String("enforcement_mode", cfg.Limits.Platform.EnforcementMode))
	return sched.Run(ctx)
}
