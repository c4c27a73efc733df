package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/taskbeat/internal/backoff"
	"github.com/t77yq/taskbeat/internal/model"
	"github.com/t77yq/taskbeat/internal/storage"
)

const (
	defaultBeatInterval = 5 * time.Second
	defaultPublishRate  = 50
	defaultMaxFailures  = 10
	releaseTimeout      = 5 * time.Second
)

// Beat periodically turns due schedules into jobs and publishes them
type Beat struct {
	logger    *zap.Logger
	schedules ScheduleStore
	jobs      JobStore
	publisher Publisher
	lock      Locker

	interval    time.Duration
	limiter     *rate.Limiter
	maxFailures int
	pause       backoff.Strategy
	now         func() time.Time

	sweeper       *Sweeper
	sweepInterval time.Duration
	lastSweep     time.Time
}

// Option configures a Beat
type Option func(*Beat)

// WithInterval sets the tick period
func WithInterval(d time.Duration) Option {
	return func(b *Beat) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithPublishRate limits invocations published per second
func WithPublishRate(perSecond float64) Option {
	return func(b *Beat) {
		if perSecond > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
		}
	}
}

// WithMaxFailures sets how many consecutive failed ticks end Run
func WithMaxFailures(n int) Option {
	return func(b *Beat) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithPauseBackoff sets the pause between failed ticks
func WithPauseBackoff(s backoff.Strategy) Option {
	return func(b *Beat) {
		b.pause = s
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(b *Beat) {
		b.now = now
	}
}

// WithSweeper runs the staleness sweep every interval while leading
func WithSweeper(s *Sweeper, interval time.Duration) Option {
	return func(b *Beat) {
		b.sweeper = s
		b.sweepInterval = interval
	}
}

// NewBeat creates a beat. A nil lock runs without leader election.
func NewBeat(logger *zap.Logger, schedules ScheduleStore, jobs JobStore, publisher Publisher, lock Locker, opts ...Option) *Beat {
	b := &Beat{
		logger:      logger.Named("beat"),
		schedules:   schedules,
		jobs:        jobs,
		publisher:   publisher,
		lock:        lock,
		interval:    defaultBeatInterval,
		limiter:     rate.NewLimiter(rate.Limit(defaultPublishRate), defaultPublishRate),
		maxFailures: defaultMaxFailures,
		pause: backoff.Exponential{
			Initial:    time.Second,
			Max:        time.Minute,
			Multiplier: 2,
			Jitter:     0.1,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run ticks until ctx is cancelled or too many consecutive ticks fail.
// The lease is released on return.
func (b *Beat) Run(ctx context.Context) error {
	defer b.release(ctx)

	b.logger.Info("Beat started", zap.Duration("interval", b.interval))

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	failures := 0
	for {
		fired, err := b.Tick(ctx)
		switch {
		case ctx.Err() != nil:
			b.logger.Info("Beat stopped")
			return nil
		case err == nil:
			failures = 0
			if fired > 0 {
				b.logger.Info("Published due schedules", zap.Int("count", fired))
			}
			b.maybeSweep(ctx)
		case errors.Is(err, ErrNotLeader):
			failures = 0
		case errors.Is(err, ErrLockLost):
			failures = 0
			b.logger.Warn("Beat lease lost during tick", zap.Int("fired", fired))
		default:
			failures++
			if failures >= b.maxFailures {
				return fmt.Errorf("beat giving up after %d consecutive failures: %w", failures, err)
			}

			pause := b.pause.Next(failures - 1)
			b.logger.Warn("Beat tick failed, pausing",
				zap.Int("failures", failures),
				zap.Duration("pause", pause),
				zap.Error(err))

			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				b.logger.Info("Beat stopped")
				return nil
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			b.logger.Info("Beat stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick fires every due schedule once and returns how many were published.
// A beat that does not hold the lease returns ErrNotLeader and does nothing.
// The lease is renewed before each schedule fires; if it was lost the tick
// stops with ErrLockLost.
func (b *Beat) Tick(ctx context.Context) (int, error) {
	if err := b.ensureLeader(ctx); err != nil {
		return 0, err
	}

	now := b.now().UTC()
	due, err := b.schedules.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due schedules: %w", err)
	}

	fired := 0
	for _, schedule := range due {
		if err := b.limiter.Wait(ctx); err != nil {
			return fired, err
		}
		// The wait may have outlasted the lease; another beat could own
		// these schedules now.
		if err := b.holdLease(ctx); err != nil {
			return fired, err
		}

		err := b.fire(ctx, schedule, now)
		switch {
		case err == nil:
			fired++
		case errors.Is(err, storage.ErrConflict):
			b.logger.Warn("Schedule advanced concurrently",
				zap.String("schedule_id", schedule.ID))
		case errors.Is(err, model.ErrInvalidCadence), errors.Is(err, model.ErrInvalidTaskName), errors.Is(err, model.ErrInvalidArgs):
			b.logger.Error("Skipping invalid schedule",
				zap.String("schedule_id", schedule.ID),
				zap.String("name", schedule.Name),
				zap.Error(err))
		default:
			return fired, err
		}
	}

	return fired, nil
}

func (b *Beat) fire(ctx context.Context, schedule *model.Schedule, now time.Time) error {
	job, err := b.jobs.Create(ctx, model.JobSpec{
		Task:       schedule.Task,
		Args:       schedule.Args,
		MaxRetries: schedule.MaxRetries,
		ScheduleID: schedule.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to create job for schedule %s: %w", schedule.ID, err)
	}

	if err := b.publisher.Publish(ctx, model.NewInvocation(job)); err != nil {
		// The job stays PENDING and the schedule is not advanced
		b.logger.Error("Orphaned job, invocation not published",
			zap.String("job_id", job.ID),
			zap.String("schedule_id", schedule.ID),
			zap.Error(err))
		return err
	}

	advanced, err := b.schedules.Advance(ctx, schedule, now)
	if err != nil {
		return err
	}

	b.logger.Debug("Schedule fired",
		zap.String("schedule_id", schedule.ID),
		zap.String("job_id", job.ID),
		zap.String("task", job.Task),
		zap.Time("next_run", advanced.NextRunAt))

	return nil
}

func (b *Beat) ensureLeader(ctx context.Context) error {
	if b.lock == nil {
		return nil
	}

	if b.lock.Held() {
		err := b.lock.Renew(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockLost) {
			return err
		}
	}

	acquired, err := b.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrNotLeader
	}
	return nil
}

func (b *Beat) holdLease(ctx context.Context) error {
	if b.lock == nil {
		return nil
	}
	return b.lock.Renew(ctx)
}

func (b *Beat) maybeSweep(ctx context.Context) {
	if b.sweeper == nil || b.sweepInterval <= 0 {
		return
	}
	now := b.now()
	if now.Sub(b.lastSweep) < b.sweepInterval {
		return
	}
	b.lastSweep = now

	if _, err := b.sweeper.Sweep(ctx, false); err != nil {
		b.logger.Warn("Staleness sweep failed", zap.Error(err))
	}
}

func (b *Beat) release(ctx context.Context) {
	if b.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := b.lock.Release(ctx); err != nil {
		b.logger.Warn("Failed to release beat lease", zap.Error(err))
	}
}
