package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/model"
	"github.com/t77yq/taskbeat/internal/storage"
)

func enqueueCmd(a *app) *cobra.Command {
	var (
		argsJSON   string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <task>",
		Short: "Create a job and publish its first invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if !cmd.Flags().Changed("max-retries") {
				maxRetries = a.cfg.MaxRetries
			}

			jobs, err := a.openJobStore()
			if err != nil {
				return err
			}
			defer jobs.Close()

			nc, b, err := a.connect(ctx, "enqueue")
			if err != nil {
				return err
			}
			defer nc.Close()

			job, err := jobs.Create(ctx, model.JobSpec{
				Task:       args[0],
				Args:       rawArgs(argsJSON),
				MaxRetries: maxRetries,
			})
			if err != nil {
				return err
			}
			if err := b.Publish(ctx, model.NewInvocation(job)); err != nil {
				a.logger.Warn("Job created but not published",
					zap.String("job_id", job.ID),
					zap.Error(err))
				return fmt.Errorf("job %s is stored but its invocation was not published: %w", job.ID, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON arguments passed to the handler")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retries after transient failures (default from config)")
	return cmd
}

func jobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and maintain jobs",
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job and its state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			jobs, err := a.openJobStore()
			if err != nil {
				return err
			}
			defer jobs.Close()

			job, err := jobs.Get(ctx, args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			history, err := jobs.History(ctx, job.ID)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), struct {
				*model.Job
				History []model.Transition `json:"history"`
			}{job, history})
		},
	}

	var (
		before    string
		olderThan time.Duration
	)
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal jobs that ended before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cutoff time.Time
			switch {
			case before != "" && olderThan > 0:
				return errors.New("use either --before or --older-than")
			case before != "":
				t, err := time.Parse(time.RFC3339, before)
				if err != nil {
					return fmt.Errorf("invalid --before: %w", err)
				}
				cutoff = t
			case olderThan > 0:
				cutoff = time.Now().Add(-olderThan)
			default:
				return errors.New("one of --before or --older-than is required")
			}

			jobs, err := a.openJobStore()
			if err != nil {
				return err
			}
			defer jobs.Close()

			n, err := jobs.Purge(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d job(s)\n", n)
			return nil
		},
	}
	purgeCmd.Flags().StringVar(&before, "before", "", "RFC3339 cutoff time")
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 0, "purge jobs that ended longer ago than this")

	cmd.AddCommand(getCmd)
	cmd.AddCommand(purgeCmd)
	return cmd
}

func rawArgs(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
