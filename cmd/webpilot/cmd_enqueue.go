package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"webpilot/internal/config"
	"webpilot/internal/limits"
	"webpilot/internal/queue"
	"webpilot/internal/types"
)

var (
	enqueueGoal string
	enqueueMode string
	enqueueTier string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <url>",
	Short: "Insert a test job into the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueGoal, "goal", "g", "", "test goal (required)")
	enqueueCmd.Flags().StringVarP(&enqueueMode, "mode", "m", string(types.ModeFlow), "test mode: exists, flow, visual, diagnose")
	enqueueCmd.Flags().StringVarP(&enqueueTier, "tier", "t", "guest", "subscription tier")
	_ = enqueueCmd.MarkFlagRequired("goal")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	jobs, err := queue.Open(cfg.Queue.Path, queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		StaleAfter:  cfg.Queue.StaleAfter,
	})
	if err != nil {
		return err
	}
	defer jobs.Close()

	// The queue ceiling is enforced on the insert side.
	platform := limits.NewPlatform(cfg.Limits.Platform, cfg.Limits.SoftWaitMax, nil)
	depth, err := jobs.Depth(cmd.Context())
	if err != nil {
		return err
	}
	if err := platform.CheckQueueDepth(depth); err != nil {
		return err
	}

	job, err := jobs.Enqueue(cmd.Context(), types.Job{
		TargetURL: args[0],
		Goal:      enqueueGoal,
		TestMode:  types.TestMode(enqueueMode),
		Tier:      enqueueTier,
	})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued job %s (run %s)\n", job.ID, job.RunID)
	return nil
}
