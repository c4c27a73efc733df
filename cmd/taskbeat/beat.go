package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/scheduler"
)

func beatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "beat",
		Short: "Publish invocations for due schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()

			schedules, err := a.openScheduleStore()
			if err != nil {
				return err
			}
			defer schedules.Close()

			jobs, err := a.openJobStore()
			if err != nil {
				return err
			}
			defer jobs.Close()

			nc, b, err := a.connect(ctx, "beat")
			if err != nil {
				return err
			}
			defer nc.Close()

			holder := holderID()
			lock, err := scheduler.NewLeaseLock(b.JetStream(), a.cfg.LockTTL, holder, a.logger)
			if err != nil {
				return err
			}

			sweeper := scheduler.NewSweeper(a.logger, jobs, b, a.cfg.StaleAfter)
			opts := append(a.cfg.BeatOptions(), scheduler.WithSweeper(sweeper, a.cfg.SweepInterval))
			beat := scheduler.NewBeat(a.logger, schedules, jobs, b, lock, opts...)

			a.logger.Info("Starting beat", zap.String("holder", holder))
			return beat.Run(ctx)
		},
	}
}

func sweepCmd(a *app) *cobra.Command {
	var (
		republish  bool
		staleAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Report PENDING and RETRY jobs that have not moved for a while",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			jobs, err := a.openJobStore()
			if err != nil {
				return err
			}
			defer jobs.Close()

			if staleAfter <= 0 {
				staleAfter = a.cfg.StaleAfter
			}

			var publisher scheduler.Publisher
			if republish {
				connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				nc, b, err := a.connect(connectCtx, "sweep")
				cancel()
				if err != nil {
					return err
				}
				defer nc.Close()
				publisher = b
			}

			stale, err := scheduler.NewSweeper(a.logger, jobs, publisher, staleAfter).Sweep(ctx, republish)
			for _, job := range stale {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tattempt=%d\tupdated=%s\n",
					job.ID, job.Task, job.State, job.Attempt(), job.UpdatedAt.Format(time.RFC3339))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d stale job(s)\n", len(stale))
			return nil
		},
	}
	cmd.Flags().BoolVar(&republish, "republish", false, "publish the current attempt of each stale job again")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "age threshold (overrides config)")
	return cmd
}
