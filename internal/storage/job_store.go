package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/model"
)

const (
	defaultStoreTimeout = 5 * time.Second
	maxConflictRetries  = 8
)

const jobColumns = `id, task, args, state, schedule_id, retry_count, max_retries,
	result, error, enqueued_at, started_at, ended_at, updated_at, version`

// JobFilter narrows job listings
type JobFilter struct {
	State  model.JobState
	Task   string
	Limit  int
	Offset int
}

// SQLiteJobStore is the durable job store backed by SQLite. Every mutation
// is guarded by the row's version column so concurrent workers never lose
// updates.
type SQLiteJobStore struct {
	logger  *zap.Logger
	db      *sql.DB
	timeout time.Duration
	now     func() time.Time
}

// NewSQLiteJobStore opens (creating if needed) the job store at url
func NewSQLiteJobStore(logger *zap.Logger, url string, timeout time.Duration) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(url))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}

	store := &SQLiteJobStore{
		logger:  logger.Named("job-store"),
		db:      db,
		timeout: timeout,
		now:     time.Now,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteJobStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			args TEXT,
			state TEXT NOT NULL,
			schedule_id TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			result BLOB,
			error TEXT,
			enqueued_at DATETIME NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state_updated_at ON jobs(state, updated_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_schedule_id ON jobs(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_task ON jobs(task);
		CREATE TABLE IF NOT EXISTS job_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			error TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_job_history_job_id ON job_history(job_id);
	`)
	if err != nil {
		return wrapErr("failed to initialize database", err)
	}
	return nil
}

// Create stores a new PENDING job
func (s *SQLiteJobStore) Create(ctx context.Context, spec model.JobSpec) (*model.Job, error) {
	if err := model.ValidateTaskName(spec.Task); err != nil {
		return nil, err
	}
	if err := model.ValidateArgs(spec.Args); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &model.Job{
		ID:         uuid.New().String(),
		Task:       spec.Task,
		Args:       spec.Args,
		State:      model.JobStatePending,
		ScheduleID: spec.ScheduleID,
		MaxRetries: model.ClampRetries(spec.MaxRetries),
		EnqueuedAt: now,
		UpdatedAt:  now,
		Version:    1,
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("failed to create job", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, task, args, state, schedule_id, retry_count, max_retries,
			enqueued_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Task,
		nullString(string(job.Args)),
		job.State,
		nullString(job.ScheduleID),
		job.RetryCount,
		job.MaxRetries,
		job.EnqueuedAt,
		job.UpdatedAt,
		job.Version,
	)
	if err != nil {
		return nil, wrapErr("failed to create job", err)
	}
	if err := insertTransition(ctx, tx, job, "", now); err != nil {
		return nil, wrapErr("failed to create job", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("failed to create job", err)
	}

	s.logger.Debug("Job created",
		zap.String("job_id", job.ID),
		zap.String("task", job.Task),
		zap.String("schedule_id", job.ScheduleID))

	return job, nil
}

// Get retrieves a job by id
func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.get(ctx, id)
}

// MarkRunning records the start of the given attempt
func (s *SQLiteJobStore) MarkRunning(ctx context.Context, id string, attempt int) (*model.Job, error) {
	return s.mutate(ctx, "mark running", id, func(job *model.Job, now time.Time) error {
		return job.Start(attempt, now)
	})
}

// MarkDone records a successful result
func (s *SQLiteJobStore) MarkDone(ctx context.Context, id string, result []byte) (*model.Job, error) {
	return s.mutate(ctx, "mark done", id, func(job *model.Job, now time.Time) error {
		return job.Succeed(result, now)
	})
}

// MarkRetry records a transient failure and consumes one retry
func (s *SQLiteJobStore) MarkRetry(ctx context.Context, id string, cause error) (*model.Job, error) {
	return s.mutate(ctx, "mark retry", id, func(job *model.Job, now time.Time) error {
		return job.Retry(cause, now)
	})
}

// MarkFailed records a terminal failure with its error
func (s *SQLiteJobStore) MarkFailed(ctx context.Context, id string, cause error) (*model.Job, error) {
	return s.mutate(ctx, "mark failed", id, func(job *model.Job, now time.Time) error {
		return job.Fail(cause, now)
	})
}

// History returns the state transitions of a job in order
func (s *SQLiteJobStore) History(ctx context.Context, id string) ([]model.Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, from_state, to_state, attempt, error, created_at
		FROM job_history
		WHERE job_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, wrapErr("failed to list job history", err)
	}
	defer rows.Close()

	var history []model.Transition
	for rows.Next() {
		var tr model.Transition
		var from, errorStr sql.NullString
		if err := rows.Scan(&tr.JobID, &from, &tr.To, &tr.Attempt, &errorStr, &tr.At); err != nil {
			return nil, wrapErr("failed to scan job history", err)
		}
		tr.From = model.JobState(from.String)
		tr.Error = errorStr.String
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error during row iteration", err)
	}
	return history, nil
}

// List retrieves jobs matching the filter, most recently enqueued first
func (s *SQLiteJobStore) List(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var where []string
	var args []interface{}

	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Task != "" {
		where = append(where, "task = ?")
		args = append(args, filter.Task)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY enqueued_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.query(ctx, "failed to list jobs", query, args...)
}

// ListStale returns jobs in one of states whose last update is before the cutoff
func (s *SQLiteJobStore) ListStale(ctx context.Context, states []model.JobState, before time.Time) ([]*model.Job, error) {
	if len(states) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")
	args := make([]interface{}, 0, len(states)+1)
	for _, state := range states {
		args = append(args, state)
	}
	args = append(args, before.UTC())

	query := "SELECT " + jobColumns + " FROM jobs WHERE state IN (" + placeholders + ") AND updated_at < ? ORDER BY updated_at ASC"
	return s.query(ctx, "failed to list stale jobs", query, args...)
}

// Purge deletes finished jobs that ended before the cutoff and their history
func (s *SQLiteJobStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("failed to purge jobs", err)
	}
	defer tx.Rollback()

	const finished = `state IN ('SUCCESS', 'FAILURE') AND ended_at < ?`
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM job_history WHERE job_id IN (SELECT id FROM jobs WHERE "+finished+")", before.UTC()); err != nil {
		return 0, wrapErr("failed to purge job history", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE "+finished, before.UTC())
	if err != nil {
		return 0, wrapErr("failed to purge jobs", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrapErr("failed to get affected rows", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr("failed to purge jobs", err)
	}

	s.logger.Info("Purged finished jobs",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

// mutate applies a state transition with optimistic versioning. A lost race
// re-reads the row and re-applies the transition.
func (s *SQLiteJobStore) mutate(ctx context.Context, op, id string, apply func(job *model.Job, now time.Time) error) (*model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for i := 0; i < maxConflictRetries; i++ {
		job, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}

		from := job.State
		now := s.now().UTC()
		if err := apply(job, now); err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, id, err)
		}
		job.UpdatedAt = now

		written, err := s.write(ctx, job, from, now)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		if written {
			job.Version++
			return job, nil
		}

		s.logger.Debug("Job version conflict, retrying",
			zap.String("job_id", id),
			zap.String("op", op),
			zap.Int64("version", job.Version))
	}

	return nil, fmt.Errorf("%s %s: %w", op, id, ErrConflict)
}

func (s *SQLiteJobStore) write(ctx context.Context, job *model.Job, from model.JobState, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?,
			retry_count = ?,
			result = ?,
			error = ?,
			started_at = ?,
			ended_at = ?,
			updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		job.State,
		job.RetryCount,
		job.Result,
		nullString(job.Error),
		nullTime(job.StartedAt),
		nullTime(job.EndedAt),
		job.UpdatedAt,
		job.ID,
		job.Version,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if err := insertTransition(ctx, tx, job, from, now); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteJobStore) get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err != nil {
		return nil, wrapErr(fmt.Sprintf("failed to get job %s", id), err)
	}
	return job, nil
}

func (s *SQLiteJobStore) query(ctx context.Context, op, query string, args ...interface{}) ([]*model.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("failed to scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("error during row iteration", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var args, scheduleID, errorStr sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Task,
		&args,
		&job.State,
		&scheduleID,
		&job.RetryCount,
		&job.MaxRetries,
		&job.Result,
		&errorStr,
		&job.EnqueuedAt,
		&startedAt,
		&endedAt,
		&job.UpdatedAt,
		&job.Version,
	)
	if err != nil {
		return nil, err
	}

	if args.Valid && args.String != "" {
		job.Args = []byte(args.String)
	}
	job.ScheduleID = scheduleID.String
	job.Error = errorStr.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		job.EndedAt = &t
	}
	return &job, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, job *model.Job, from model.JobState, now time.Time) error {
	attempt := job.Attempt()
	if job.State == model.JobStateRetry {
		// RETRY is recorded against the attempt that failed
		attempt = job.RetryCount
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_history (job_id, from_state, to_state, attempt, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID,
		nullString(string(from)),
		job.State,
		attempt,
		nullString(job.Error),
		now,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
