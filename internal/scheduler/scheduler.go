// Package scheduler runs the beat: it turns due schedules into published
// jobs while holding a cluster-wide lease, and reports orphaned jobs.
package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/taskbeat/internal/model"
)

// ScheduleStore is the part of the schedule store the beat needs
type ScheduleStore interface {
	// ListDue returns enabled schedules with next run time at or before now
	ListDue(ctx context.Context, now time.Time) ([]*model.Schedule, error)

	// Advance moves a fired schedule to its next run time
	Advance(ctx context.Context, due *model.Schedule, now time.Time) (*model.Schedule, error)
}

// JobStore is the part of the job store the beat and sweeper need
type JobStore interface {
	// Create stores a new PENDING job
	Create(ctx context.Context, spec model.JobSpec) (*model.Job, error)

	// ListStale returns jobs in states not updated since before
	ListStale(ctx context.Context, states []model.JobState, before time.Time) ([]*model.Job, error)
}

// Publisher enqueues invocations on the broker
type Publisher interface {
	Publish(ctx context.Context, inv *model.Invocation) error
}

// Locker is a renewable lease guarding the single active beat
type Locker interface {
	// Acquire takes the lease if nobody holds it
	Acquire(ctx context.Context) (bool, error)

	// Renew extends a held lease, failing with ErrLockLost if it expired
	Renew(ctx context.Context) error

	// Release gives up the lease
	Release(ctx context.Context) error

	// Held reports whether this instance believes it holds the lease
	Held() bool
}
