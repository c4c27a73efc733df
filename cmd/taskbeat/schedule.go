package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/taskbeat/internal/model"
	"github.com/t77yq/taskbeat/internal/storage"
)

func scheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage periodic schedules",
	}

	cmd.AddCommand(scheduleAddCmd(a))
	cmd.AddCommand(scheduleListCmd(a))
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name|id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSchedule(cmd, args[0], func(ctx context.Context, store *storage.GormScheduleStore, s *model.Schedule) error {
				if err := store.Delete(ctx, s.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", s.Name)
				return nil
			})
		},
	})
	cmd.AddCommand(scheduleToggleCmd(a, "enable", true))
	cmd.AddCommand(scheduleToggleCmd(a, "disable", false))
	return cmd
}

func scheduleAddCmd(a *app) *cobra.Command {
	var (
		name       string
		task       string
		argsJSON   string
		every      time.Duration
		cronExpr   string
		timezone   string
		oneOff     bool
		maxRetries int
		start      string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a schedule, or replace the one with the same name",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule := &model.Schedule{
				Name:     name,
				Task:     task,
				Args:     rawArgs(argsJSON),
				Timezone: timezone,
				OneOff:   oneOff,
				Enabled:  true,
			}
			switch {
			case every > 0 && cronExpr != "":
				return errors.New("use either --every or --cron")
			case every > 0:
				schedule.Kind = model.CadenceInterval
				schedule.Interval = every
			case cronExpr != "":
				schedule.Kind = model.CadenceCron
				schedule.Expression = cronExpr
			default:
				return errors.New("one of --every or --cron is required")
			}

			schedule.MaxRetries = a.cfg.MaxRetries
			if cmd.Flags().Changed("max-retries") {
				schedule.MaxRetries = maxRetries
			}

			var startAt time.Time
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				startAt = t
			}

			store, err := a.openScheduleStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Put(cmd.Context(), schedule, startAt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tnext=%s\n",
				schedule.ID, schedule.Name, schedule.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&name, "name", "", "unique schedule name")
	flags.StringVar(&task, "task", "", "task to run")
	flags.StringVar(&argsJSON, "args", "", "JSON arguments for every job")
	flags.DurationVar(&every, "every", 0, "fixed interval between runs")
	flags.StringVar(&cronExpr, "cron", "", "cron expression, e.g. \"0 4 * * *\" or @daily")
	flags.StringVar(&timezone, "tz", "", "IANA timezone for cron expressions (default UTC)")
	flags.BoolVar(&oneOff, "one-off", false, "disable the schedule after its first run")
	flags.IntVar(&maxRetries, "max-retries", 0, "retries for each job (default from config)")
	flags.StringVar(&start, "start", "", "RFC3339 time of the first run (default now)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func scheduleListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openScheduleStore()
			if err != nil {
				return err
			}
			defer store.Close()

			schedules, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTASK\tCADENCE\tENABLED\tNEXT RUN\tRUNS")
			for _, s := range schedules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d\n",
					s.Name, s.Task, cadenceString(s), s.Enabled,
					s.NextRunAt.Format(time.RFC3339), s.TotalRunCount)
			}
			return w.Flush()
		},
	}
}

func scheduleToggleCmd(a *app, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name|id>",
		Short: verb + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSchedule(cmd, args[0], func(ctx context.Context, store *storage.GormScheduleStore, s *model.Schedule) error {
				if err := store.SetEnabled(ctx, s.ID, enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", verb, s.Name)
				return nil
			})
		},
	}
}

// withSchedule resolves ref as an id first, then as a name
func (a *app) withSchedule(cmd *cobra.Command, ref string, fn func(ctx context.Context, store *storage.GormScheduleStore, s *model.Schedule) error) error {
	ctx := cmd.Context()
	store, err := a.openScheduleStore()
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Get(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		s, err = findByName(ctx, store, ref)
	}
	if err != nil {
		return err
	}
	return fn(ctx, store, s)
}

func findByName(ctx context.Context, store *storage.GormScheduleStore, name string) (*model.Schedule, error) {
	schedules, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range schedules {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("schedule %s: %w", name, storage.ErrNotFound)
}

func cadenceString(s *model.Schedule) string {
	if s.Kind == model.CadenceInterval {
		return "every " + s.Interval.String()
	}
	if s.Timezone != "" {
		return s.Expression + " (" + s.Timezone + ")"
	}
	return s.Expression
}
