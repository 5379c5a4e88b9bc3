package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgepipe/orchestrator/internal/effects"
	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/logger"
	"github.com/forgepipe/orchestrator/internal/pipeline"
	"github.com/forgepipe/orchestrator/internal/queue"
	"github.com/forgepipe/orchestrator/internal/queue/redisbroker"
)

// newWorkerCmd starts the Redis-backed queue and its per-lane worker
// pools, blocking until SIGINT/SIGTERM.
func newWorkerCmd(buildLogger func() (*logger.Logger, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the queue worker pools (default, cpu, gpu lanes)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := buildLogger()
			if err != nil {
				return err
			}
			app := newAppContext(log)

			// New (not NewWithClient) so the broker owns its client and
			// q.Stop's broker.Close really closes the Redis connection.
			broker, err := redisbroker.New(app.env.RedisURL)
			if err != nil {
				return fmt.Errorf("REDIS_URL: %w", err)
			}

			processor := func(ctx context.Context, j job.Job, jobID string, onProgress pipeline.ProgressFunc) (any, error) {
				return pipeline.Dispatch(ctx, j, app.deps, app.effects, jobID, nil, onProgress)
			}

			cfg := queue.DefaultConfig()
			cfg.DefaultConcurrency = app.env.WorkerConcurrency
			cfg.CPUConcurrency = app.env.WorkerConcurrency
			cfg.GPUConcurrency = app.env.GPUConcurrency

			q := queue.New(broker, processor, app.effects, log.With("component", "queue"), cfg)
			effects.WithEnqueue(q.Enqueue)(app.effects)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			q.Start(ctx)
			log.Info(fmt.Sprintf("worker pools started (default=%d cpu=%d gpu=%d)",
				cfg.DefaultConcurrency, cfg.CPUConcurrency, cfg.GPUConcurrency))

			<-ctx.Done()
			log.Info("shutting down, draining in-flight jobs")

			stopped := make(chan error, 1)
			go func() { stopped <- q.Stop() }()

			select {
			case err := <-stopped:
				return err
			case <-time.After(30 * time.Second):
				return fmt.Errorf("graceful shutdown timed out")
			}
		},
	}
}
