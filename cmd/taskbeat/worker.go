package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/executor"
	"github.com/t77yq/taskbeat/internal/handler"
)

func workerCmd(a *app) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume invocations and execute jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()

			jobs, err := a.openJobStore()
			if err != nil {
				return err
			}
			defer jobs.Close()

			nc, b, err := a.connect(ctx, "worker")
			if err != nil {
				return err
			}
			defer nc.Close()

			registry := executor.NewRegistry()
			if err := handler.RegisterBuiltins(registry, a.logger); err != nil {
				return fmt.Errorf("failed to register handlers: %w", err)
			}

			poolCfg := a.cfg.Pool()
			if concurrency > 0 {
				poolCfg.Concurrency = concurrency
			}

			var opts []executor.PoolOption
			if gate := executor.NewResourceGate(a.cfg.ResourceLimits(), a.logger); gate.Enabled() {
				opts = append(opts, executor.WithResourceGate(gate))
			}
			pool := executor.NewPool(a.logger, poolCfg, jobs, b, registry, opts...)

			consumer, err := b.Consume(ctx)
			if err != nil {
				return err
			}
			defer consumer.Close()

			a.logger.Info("Worker started",
				zap.Int("concurrency", poolCfg.Concurrency),
				zap.Strings("tasks", registry.Names()))

			if err := pool.Run(ctx, consumer); err != nil {
				return err
			}
			a.logger.Info("Worker stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of worker slots (overrides config)")
	return cmd
}
