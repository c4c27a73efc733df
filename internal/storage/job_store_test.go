package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/model"
)

func testDSN(t *testing.T, name string) string {
	t.Helper()
	return "sqlite3://" + filepath.Join(t.TempDir(), name) + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

func newTestJobStore(t *testing.T) *SQLiteJobStore {
	t.Helper()
	store, err := NewSQLiteJobStore(zap.NewNop(), testDSN(t, "jobs.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteJobStore(t *testing.T) {
	ctx := context.Background()
	store := newTestJobStore(t)

	t.Run("Create", func(t *testing.T) {
		job, err := store.Create(ctx, model.JobSpec{
			Task:       "emails.send",
			Args:       json.RawMessage(`{"to":"a@example.com"}`),
			MaxRetries: 3,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, model.JobStatePending, job.State)
		assert.Equal(t, 0, job.RetryCount)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, stored.ID)
		assert.Equal(t, "emails.send", stored.Task)
		assert.JSONEq(t, `{"to":"a@example.com"}`, string(stored.Args))
		assert.Equal(t, 3, stored.MaxRetries)
		assert.Nil(t, stored.StartedAt)
	})

	t.Run("Create rejects invalid input", func(t *testing.T) {
		_, err := store.Create(ctx, model.JobSpec{Task: ""})
		assert.ErrorIs(t, err, model.ErrInvalidTaskName)

		_, err = store.Create(ctx, model.JobSpec{Task: "ok", Args: json.RawMessage(`{`)})
		assert.ErrorIs(t, err, model.ErrInvalidArgs)
	})

	t.Run("Get missing job", func(t *testing.T) {
		_, err := store.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Successful lifecycle", func(t *testing.T) {
		job, err := store.Create(ctx, model.JobSpec{Task: "reports.build"})
		require.NoError(t, err)

		running, err := store.MarkRunning(ctx, job.ID, 1)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateRunning, running.State)
		require.NotNil(t, running.StartedAt)

		done, err := store.MarkDone(ctx, job.ID, []byte(`"ok"`))
		require.NoError(t, err)
		assert.Equal(t, model.JobStateSuccess, done.State)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateSuccess, stored.State)
		assert.Equal(t, []byte(`"ok"`), stored.Result)
		require.NotNil(t, stored.EndedAt)
		assert.Equal(t, int64(3), stored.Version)
	})

	t.Run("Terminal jobs are immutable", func(t *testing.T) {
		job, err := store.Create(ctx, model.JobSpec{Task: "reports.build"})
		require.NoError(t, err)
		_, err = store.MarkRunning(ctx, job.ID, 1)
		require.NoError(t, err)
		_, err = store.MarkFailed(ctx, job.ID, errors.New("boom"))
		require.NoError(t, err)

		_, err = store.MarkRunning(ctx, job.ID, 1)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
		_, err = store.MarkDone(ctx, job.ID, nil)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStateFailure, stored.State)
		assert.Equal(t, "boom", stored.Error)
	})

	t.Run("Pending job cannot finish", func(t *testing.T) {
		job, err := store.Create(ctx, model.JobSpec{Task: "reports.build"})
		require.NoError(t, err)

		_, err = store.MarkDone(ctx, job.ID, nil)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
	})

	t.Run("Retries and history", func(t *testing.T) {
		job, err := store.Create(ctx, model.JobSpec{Task: "flaky", MaxRetries: 1})
		require.NoError(t, err)

		_, err = store.MarkRunning(ctx, job.ID, 1)
		require.NoError(t, err)
		retried, err := store.MarkRetry(ctx, job.ID, errors.New("timeout"))
		require.NoError(t, err)
		assert.Equal(t, model.JobStateRetry, retried.State)
		assert.Equal(t, 1, retried.RetryCount)
		assert.Equal(t, 2, retried.Attempt())

		// Stale attempt numbers are rejected
		_, err = store.MarkRunning(ctx, job.ID, 1)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)

		_, err = store.MarkRunning(ctx, job.ID, 2)
		require.NoError(t, err)
		_, err = store.MarkRetry(ctx, job.ID, errors.New("timeout again"))
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
		_, err = store.MarkFailed(ctx, job.ID, errors.New("timeout again"))
		require.NoError(t, err)

		history, err := store.History(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, history, 5)

		var states []model.JobState
		for _, tr := range history {
			states = append(states, tr.To)
		}
		assert.Equal(t, []model.JobState{
			model.JobStatePending,
			model.JobStateRunning,
			model.JobStateRetry,
			model.JobStateRunning,
			model.JobStateFailure,
		}, states)
		assert.Equal(t, 1, history[2].Attempt)
		assert.Equal(t, "timeout", history[2].Error)
		assert.Equal(t, 2, history[3].Attempt)
		assert.Equal(t, model.JobStateRetry, history[3].From)
	})

	t.Run("History of missing job", func(t *testing.T) {
		_, err := store.History(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Concurrent updates", func(t *testing.T) {
		job, err := store.Create(ctx, model.JobSpec{Task: "race"})
		require.NoError(t, err)
		_, err = store.MarkRunning(ctx, job.ID, 1)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := store.MarkDone(ctx, job.ID, []byte(`1`))
			results <- err
		}()
		go func() {
			defer wg.Done()
			_, err := store.MarkFailed(ctx, job.ID, errors.New("lost"))
			results <- err
		}()
		wg.Wait()
		close(results)

		var succeeded int
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, model.ErrInvalidTransition)
		}
		assert.Equal(t, 1, succeeded)

		stored, err := store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, stored.State.Terminal())

		history, err := store.History(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, history, 3)
	})

	t.Run("List", func(t *testing.T) {
		jobs, err := store.List(ctx, JobFilter{Task: "reports.build", State: model.JobStateSuccess})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, model.JobStateSuccess, jobs[0].State)

		jobs, err = store.List(ctx, JobFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})
}

func TestSQLiteJobStoreStaleAndPurge(t *testing.T) {
	ctx := context.Background()
	store := newTestJobStore(t)

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	pending, err := store.Create(ctx, model.JobSpec{Task: "stale.pending"})
	require.NoError(t, err)

	running, err := store.Create(ctx, model.JobSpec{Task: "stale.running"})
	require.NoError(t, err)
	_, err = store.MarkRunning(ctx, running.ID, 1)
	require.NoError(t, err)

	finished, err := store.Create(ctx, model.JobSpec{Task: "done"})
	require.NoError(t, err)
	_, err = store.MarkRunning(ctx, finished.ID, 1)
	require.NoError(t, err)
	_, err = store.MarkDone(ctx, finished.ID, nil)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	fresh, err := store.Create(ctx, model.JobSpec{Task: "fresh"})
	require.NoError(t, err)

	t.Run("ListStale", func(t *testing.T) {
		stale, err := store.ListStale(ctx,
			[]model.JobState{model.JobStatePending, model.JobStateRunning, model.JobStateRetry},
			clock.Add(-30*time.Minute))
		require.NoError(t, err)

		var ids []string
		for _, job := range stale {
			ids = append(ids, job.ID)
		}
		assert.ElementsMatch(t, []string{pending.ID, running.ID}, ids)
		assert.NotContains(t, ids, fresh.ID)
	})

	t.Run("ListStale without states", func(t *testing.T) {
		stale, err := store.ListStale(ctx, nil, clock)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("Purge", func(t *testing.T) {
		deleted, err := store.Purge(ctx, clock.Add(-30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = store.Get(ctx, finished.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.Get(ctx, running.ID)
		assert.NoError(t, err)
	})
}

func TestWrapErr(t *testing.T) {
	assert.Nil(t, wrapErr("op", nil))
	assert.ErrorIs(t, wrapErr("op", context.DeadlineExceeded), ErrUnavailable)
	assert.True(t, IsUnavailable(wrapErr("op", context.DeadlineExceeded)))
	assert.False(t, IsUnavailable(wrapErr("op", errors.New("syntax error"))))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "/tmp/jobs.db", sqliteDSN("sqlite3:///tmp/jobs.db"))
	assert.Equal(t, "jobs.db?_busy_timeout=10", sqliteDSN("sqlite://jobs.db?_busy_timeout=10"))
	assert.Equal(t, ":memory:", sqliteDSN(":memory:"))
}
