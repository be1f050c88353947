// Package worker runs the claim/execute/settle loop: a fixed pool of
// goroutines polls the queue, executes one run per claimed job through
// the browser and the decision router, and settles the job with the
// queue and the trace store.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"webpilot/internal/config"
	"webpilot/internal/decide"
	"webpilot/internal/logging"
	"webpilot/internal/metrics"
	"webpilot/internal/queue"
	"webpilot/internal/run"
	"webpilot/internal/trace"
	"webpilot/internal/types"
)

// maxClaimBackoff caps the retry delay when the queue itself is failing.
const maxClaimBackoff = 30 * time.Second

// Driver is the browser surface one run needs. Implemented by the rod
// driver; tests substitute scripted fakes.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Execute(ctx context.Context, action types.Action) types.StepResult
	SnapshotDOM(ctx context.Context) (string, error)
	SnapshotLayout(ctx context.Context) ([]types.DOMNode, types.Viewport, error)
	Screenshot(ctx context.Context) ([]byte, error)
	DrainLogs() ([]string, []types.NetworkEvent)
	LayoutShifted(ctx context.Context) bool
	Viewport() string
	Name() string
	Close() error
}

// DriverFactory opens a fresh driver for one run.
type DriverFactory func(ctx context.Context) (Driver, error)

// Scheduler owns the worker pool.
type Scheduler struct {
	queueCfg  config.QueueConfig
	workerCfg config.WorkerConfig

	jobs    *queue.Client
	broker  *run.Broker
	traces  *trace.Registry
	router  *decide.Router
	drivers DriverFactory
	reg     *metrics.Registry
}

// New assembles a scheduler.
func New(cfg *config.Config, jobs *queue.Client, broker *run.Broker, traces *trace.Registry,
	router *decide.Router, drivers DriverFactory, reg *metrics.Registry) *Scheduler {
	return &Scheduler{
		queueCfg:  cfg.Queue,
		workerCfg: cfg.Worker,
		jobs:      jobs,
		broker:    broker,
		traces:    traces,
		router:    router,
		drivers:   drivers,
		reg:       reg,
	}
}

// Run starts the pool and the stale-job reaper and blocks until ctx is
// cancelled. In-flight runs finish their current action, settle, and
// release; nothing is abandoned mid-claim.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logging.Get(logging.CategoryWorker)
	log.Info("worker pool starting",
		zap.Int("concurrency", s.workerCfg.Concurrency),
		zap.Duration("poll_interval", s.queueCfg.PollInterval))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.reapLoop(ctx)
		return nil
	})
	for i := 0; i < s.workerCfg.Concurrency; i++ {
		slot := i
		g.Go(func() error {
			s.claimLoop(ctx, slot)
			return nil
		})
	}

	err := g.Wait()
	log.Info("worker pool stopped")
	return err
}

// claimLoop is one pool slot: claim, execute, settle, repeat.
func (s *Scheduler) claimLoop(ctx context.Context, slot int) {
	log := logging.Get(logging.CategoryWorker).With(zap.Int("slot", slot))
	backoff := s.queueCfg.PollInterval

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := s.jobs.ClaimNext(ctx)
		switch {
		case errors.Is(err, queue.ErrQueueEmpty):
			backoff = s.queueCfg.PollInterval
			s.gaugeDepth(ctx)
			if !sleep(ctx, s.queueCfg.PollInterval) {
				return
			}
			continue
		case err != nil:
			log.Warn("queue claim failed, backing off",
				zap.Duration("backoff", backoff), zap.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxClaimBackoff {
				backoff = maxClaimBackoff
			}
			continue
		}
		backoff = s.queueCfg.PollInterval

		log.Info("job claimed",
			zap.String("job_id", job.ID),
			zap.String("run_id", job.RunID),
			zap.String("tier", job.Tier),
			zap.Int("attempt", job.Attempts))
		s.execute(ctx, job)
	}
}

// reapLoop periodically reclaims jobs whose worker stopped heartbeating.
func (s *Scheduler) reapLoop(ctx context.Context) {
	log := logging.Get(logging.CategoryWorker)
	ticker := time.NewTicker(s.queueCfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.jobs.ReclaimStale(ctx)
			if err != nil {
				log.Warn("stale reap failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("stale jobs reclaimed", zap.Int("count", n))
			}
		}
	}
}

// heartbeatLoop keeps the claim fresh while a run executes.
func (s *Scheduler) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(s.workerCfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.jobs.Heartbeat(ctx, jobID); err != nil {
				logging.Get(logging.CategoryWorker).Warn("heartbeat failed",
					zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) gaugeDepth(ctx context.Context) {
	if s.reg == nil {
		return
	}
	if depth, err := s.jobs.Depth(ctx); err == nil {
		s.reg.SetGauge(metrics.QueueDepth, nil, float64(depth))
	}
}

// sleep waits d or until ctx is done; false means shutdown.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
