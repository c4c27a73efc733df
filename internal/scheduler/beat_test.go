package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/backoff"
	"github.com/t77yq/taskbeat/internal/broker"
	"github.com/t77yq/taskbeat/internal/model"
	"github.com/t77yq/taskbeat/internal/storage"
	"github.com/t77yq/taskbeat/internal/testutil"
)

type beatEnv struct {
	broker    *broker.Broker
	jobs      *storage.SQLiteJobStore
	schedules *storage.GormScheduleStore
}

func newBeatEnv(t *testing.T) *beatEnv {
	t.Helper()
	_, nc := testutil.StartJetStream(t)
	logger := zap.NewNop()

	b, err := broker.New(nc, broker.Config{FetchWait: 200 * time.Millisecond}, logger)
	require.NoError(t, err)

	dir := t.TempDir()
	jobs, err := storage.NewSQLiteJobStore(logger, filepath.Join(dir, "jobs.db")+"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	schedules, err := storage.NewGormScheduleStore(logger, filepath.Join(dir, "schedules.db")+"?_busy_timeout=5000&_txlock=immediate", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { schedules.Close() })

	return &beatEnv{broker: b, jobs: jobs, schedules: schedules}
}

func (e *beatEnv) lock(t *testing.T, holder string) *LeaseLock {
	t.Helper()
	lock, err := NewLeaseLock(e.broker.JetStream(), 30*time.Second, holder, zap.NewNop())
	require.NoError(t, err)
	return lock
}

func (e *beatEnv) queued(t *testing.T) uint64 {
	t.Helper()
	return testutil.StreamMessages(t, e.broker.JetStream(), broker.StreamName)
}

type failingPublisher struct {
	err error
}

func (p *failingPublisher) Publish(ctx context.Context, inv *model.Invocation) error {
	return p.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestBeatTick(t *testing.T) {
	ctx := context.Background()
	env := newBeatEnv(t)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	schedule := &model.Schedule{
		Name:       "every-minute",
		Task:       "reports.build",
		Args:       []byte(`{"kind":"daily"}`),
		Kind:       model.CadenceInterval,
		Interval:   60 * time.Second,
		MaxRetries: 2,
		Enabled:    true,
	}
	require.NoError(t, env.schedules.Put(ctx, schedule, start))

	t.Run("Due schedule fires once", func(t *testing.T) {
		beat := NewBeat(zap.NewNop(), env.schedules, env.jobs, env.broker, env.lock(t, "beat-a"),
			WithClock(fixedClock(start.Add(time.Second))))

		fired, err := beat.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, fired)
		assert.Equal(t, uint64(1), env.queued(t))

		stored, err := env.schedules.Get(ctx, schedule.ID)
		require.NoError(t, err)
		assert.True(t, stored.NextRunAt.Equal(start.Add(60*time.Second)), "got %s", stored.NextRunAt)
		assert.Equal(t, int64(1), stored.TotalRunCount)

		jobs, err := env.jobs.List(ctx, storage.JobFilter{Task: "reports.build"})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, model.JobStatePending, jobs[0].State)
		assert.Equal(t, schedule.ID, jobs[0].ScheduleID)
		assert.Equal(t, 2, jobs[0].MaxRetries)
		assert.JSONEq(t, `{"kind":"daily"}`, string(jobs[0].Args))

		// Nothing else is due until the next interval
		fired, err = beat.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, fired)
		assert.Equal(t, uint64(1), env.queued(t))

		require.NoError(t, beat.lock.Release(ctx))
	})

	t.Run("Invocation carries the job", func(t *testing.T) {
		consumer, err := env.broker.Consume(ctx)
		require.NoError(t, err)
		defer consumer.Close()

		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		d, err := consumer.Next(cctx)
		require.NoError(t, err)

		inv := d.Invocation()
		assert.Equal(t, "reports.build", inv.Task)
		assert.Equal(t, 1, inv.Attempt)

		job, err := env.jobs.Get(ctx, inv.JobID)
		require.NoError(t, err)
		assert.Equal(t, schedule.ID, job.ScheduleID)
		require.NoError(t, d.Ack(ctx))
	})
}

func TestConcurrentBeatsPublishOnce(t *testing.T) {
	ctx := context.Background()
	env := newBeatEnv(t)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, env.schedules.Put(ctx, &model.Schedule{
		Name:     "contended",
		Task:     "tick",
		Kind:     model.CadenceInterval,
		Interval: time.Minute,
		Enabled:  true,
	}, start))

	clock := WithClock(fixedClock(start.Add(time.Second)))
	beats := []*Beat{
		NewBeat(zap.NewNop(), env.schedules, env.jobs, env.broker, env.lock(t, "beat-a"), clock),
		NewBeat(zap.NewNop(), env.schedules, env.jobs, env.broker, env.lock(t, "beat-b"), clock),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	notLeader := 0
	for _, beat := range beats {
		wg.Add(1)
		go func(beat *Beat) {
			defer wg.Done()
			fired, err := beat.Tick(ctx)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNotLeader) {
				notLeader++
				return
			}
			assert.NoError(t, err)
			total += fired
		}(beat)
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	assert.Equal(t, 1, notLeader)
	assert.Equal(t, uint64(1), env.queued(t))
}

func TestBeatPublishFailureLeavesOrphan(t *testing.T) {
	ctx := context.Background()
	env := newBeatEnv(t)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	schedule := &model.Schedule{Name: "orphan", Task: "tick", Kind: model.CadenceInterval, Interval: time.Minute, Enabled: true}
	require.NoError(t, env.schedules.Put(ctx, schedule, start))

	publisher := &failingPublisher{err: broker.ErrUnavailable}
	beat := NewBeat(zap.NewNop(), env.schedules, env.jobs, publisher, nil,
		WithClock(fixedClock(start.Add(time.Second))))

	fired, err := beat.Tick(ctx)
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.Equal(t, 0, fired)

	stored, err := env.schedules.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextRunAt.Equal(start), "schedule must not advance")
	assert.Equal(t, int64(0), stored.TotalRunCount)

	jobs, err := env.jobs.List(ctx, storage.JobFilter{State: model.JobStatePending})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	t.Run("Sweeper reports and republishes", func(t *testing.T) {
		sweeper := NewSweeper(zap.NewNop(), env.jobs, env.broker, 10*time.Minute)

		stale, err := sweeper.Sweep(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, stale)

		sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
		stale, err = sweeper.Sweep(ctx, false)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, jobs[0].ID, stale[0].ID)
		assert.Equal(t, uint64(0), env.queued(t))

		stale, err = sweeper.Sweep(ctx, true)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, uint64(1), env.queued(t))
	})
}

type brokenScheduleStore struct {
	calls int
	mu    sync.Mutex
}

func (s *brokenScheduleStore) ListDue(ctx context.Context, now time.Time) ([]*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, storage.ErrUnavailable
}

func (s *brokenScheduleStore) Advance(ctx context.Context, due *model.Schedule, now time.Time) (*model.Schedule, error) {
	return nil, storage.ErrUnavailable
}

func TestBeatRun(t *testing.T) {
	t.Run("Gives up after consecutive failures", func(t *testing.T) {
		env := newBeatEnv(t)
		store := &brokenScheduleStore{}
		lock := env.lock(t, "beat-failing")
		beat := NewBeat(zap.NewNop(), store, env.jobs, env.broker, lock,
			WithInterval(10*time.Millisecond),
			WithMaxFailures(3),
			WithPauseBackoff(backoff.Exponential{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := beat.Run(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
		assert.Equal(t, 3, store.calls)
		assert.False(t, lock.Held())
	})

	t.Run("Stops on cancel and releases the lease", func(t *testing.T) {
		env := newBeatEnv(t)
		lock := env.lock(t, "beat-running")
		beat := NewBeat(zap.NewNop(), env.schedules, env.jobs, env.broker, lock,
			WithInterval(20*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- beat.Run(ctx) }()

		require.NoError(t, testutil.WaitFor(t, 5*time.Second, lock.Held))
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("beat did not stop")
		}
		assert.False(t, lock.Held())

		// Another beat can take over immediately
		other := env.lock(t, "beat-next")
		acquired, err := other.Acquire(context.Background())
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}

// shortLease grants the lease and lets it be renewed a fixed number of times
type shortLease struct {
	mu      sync.Mutex
	held    bool
	renewOK int
	renews  int
}

func (l *shortLease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
	return true, nil
}

func (l *shortLease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renews++
	if l.renews > l.renewOK {
		l.held = false
		return ErrLockLost
	}
	return nil
}

func (l *shortLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func (l *shortLease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func putHourly(t *testing.T, env *beatEnv, start time.Time, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, env.schedules.Put(context.Background(), &model.Schedule{
			Name:     name,
			Task:     "lease.tick",
			Kind:     model.CadenceInterval,
			Interval: time.Hour,
			Enabled:  true,
		}, start))
	}
}

func TestBeatStopsWhenLeaseLost(t *testing.T) {
	ctx := context.Background()
	env := newBeatEnv(t)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	putHourly(t, env, start, "a", "b", "c")

	lease := &shortLease{renewOK: 1}
	beat := NewBeat(zap.NewNop(), env.schedules, env.jobs, env.broker, lease,
		WithClock(fixedClock(start.Add(time.Second))))

	fired, err := beat.Tick(ctx)
	require.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, 1, fired)
	assert.Equal(t, uint64(1), env.queued(t))

	jobs, err := env.jobs.List(ctx, storage.JobFilter{Task: "lease.tick"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	due, err := env.schedules.ListDue(ctx, start.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestLeaseExpiryMidTickPublishesOnce(t *testing.T) {
	ctx := context.Background()
	env := newBeatEnv(t)
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	names := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	putHourly(t, env, start, names...)

	newLock := func(holder string) *LeaseLock {
		lock, err := NewLeaseLock(env.broker.JetStream(), time.Second, holder, zap.NewNop())
		require.NoError(t, err)
		return lock
	}
	clock := WithClock(fixedClock(start.Add(time.Second)))

	// One invocation immediately, then a wait far longer than the lease
	slow := NewBeat(zap.NewNop(), env.schedules, env.jobs, env.broker, newLock("slow"),
		clock, WithPublishRate(0.2))
	fast := NewBeat(zap.NewNop(), env.schedules, env.jobs, env.broker, newLock("fast"), clock)

	type result struct {
		fired int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		fired, err := slow.Tick(ctx)
		done <- result{fired, err}
	}()
	require.NoError(t, testutil.WaitFor(t, 5*time.Second, func() bool { return env.queued(t) == 1 }))

	fastFired := 0
	require.NoError(t, testutil.WaitFor(t, 10*time.Second, func() bool {
		fired, err := fast.Tick(ctx)
		if err != nil && !errors.Is(err, ErrNotLeader) {
			t.Logf("fast tick: %v", err)
		}
		fastFired += fired
		return fastFired == len(names)-1
	}))

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, ErrLockLost)
		assert.Equal(t, 1, res.fired)
	case <-time.After(15 * time.Second):
		t.Fatal("slow beat did not finish its tick")
	}

	assert.Equal(t, uint64(len(names)), env.queued(t))
	jobs, err := env.jobs.List(ctx, storage.JobFilter{Task: "lease.tick"})
	require.NoError(t, err)
	assert.Len(t, jobs, len(names))

	all, err := env.schedules.List(ctx)
	require.NoError(t, err)
	for _, s := range all {
		assert.Equal(t, int64(1), s.TotalRunCount, s.Name)
	}
}
