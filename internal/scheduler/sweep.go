package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/model"
)

var orphanStates = []model.JobState{model.JobStatePending, model.JobStateRetry}

// Sweeper finds jobs whose invocation was probably never consumed
type Sweeper struct {
	logger     *zap.Logger
	jobs       JobStore
	publisher  Publisher
	staleAfter time.Duration
	now        func() time.Time
}

// NewSweeper creates a sweeper reporting PENDING and RETRY jobs idle for staleAfter
func NewSweeper(logger *zap.Logger, jobs JobStore, publisher Publisher, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		logger:     logger.Named("sweeper"),
		jobs:       jobs,
		publisher:  publisher,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Sweep lists orphaned jobs. With republish set, each one gets its current
// attempt published again; the broker drops it if the original is still in
// the duplicate window.
func (s *Sweeper) Sweep(ctx context.Context, republish bool) ([]*model.Job, error) {
	before := s.now().Add(-s.staleAfter)
	stale, err := s.jobs.ListStale(ctx, orphanStates, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	for _, job := range stale {
		s.logger.Warn("Stale job",
			zap.String("job_id", job.ID),
			zap.String("task", job.Task),
			zap.String("state", string(job.State)),
			zap.Int("attempt", job.Attempt()),
			zap.Time("updated_at", job.UpdatedAt))

		if !republish || s.publisher == nil {
			continue
		}
		if err := s.publisher.Publish(ctx, model.NewInvocation(job)); err != nil {
			return stale, fmt.Errorf("failed to republish job %s: %w", job.ID, err)
		}
		s.logger.Info("Republished stale job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt()))
	}

	return stale, nil
}
