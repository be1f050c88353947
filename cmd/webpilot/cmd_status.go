package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"webpilot/internal/config"
	"webpilot/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show queue depth, or one job when an ID is given",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	if len(args) == 1 {
		job, err := jobs.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	depth, err := jobs.Depth(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("queue depth: %d\n", depth)
	return nil
}
