package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// JobState represents the lifecycle state of a job
type JobState string

const (
	JobStatePending JobState = "PENDING"
	JobStateRunning JobState = "RUNNING"
	JobStateSuccess JobState = "SUCCESS"
	JobStateFailure JobState = "FAILURE"
	JobStateRetry   JobState = "RETRY"
)

const (
	// MaxTaskNameLength bounds task names so they stay valid subject tokens
	MaxTaskNameLength = 255

	// MaxRetries is the hard limit for the retries of a single job
	MaxRetries = 100

	// MaxErrorLength is the maximum stored length of a job error
	MaxErrorLength = 4096
)

var validTaskName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*(\.[a-zA-Z0-9_\-]+)*$`)

// transitions lists the states reachable from each state.
// RUNNING -> RUNNING is the redelivery of an attempt whose worker died.
var transitions = map[JobState][]JobState{
	JobStatePending: {JobStateRunning},
	JobStateRunning: {JobStateRunning, JobStateSuccess, JobStateFailure, JobStateRetry},
	JobStateRetry:   {JobStateRunning},
}

// Terminal reports whether no further transition is allowed
func (s JobState) Terminal() bool {
	return s == JobStateSuccess || s == JobStateFailure
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStateSuccess, JobStateFailure, JobStateRetry:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> to
func (s JobState) CanTransition(to JobState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Job represents one concrete unit of work and its execution state
type Job struct {
	ID         string          `json:"id"`
	Task       string          `json:"task"`
	Args       json.RawMessage `json:"args,omitempty"`
	State      JobState        `json:"state"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`

	// Timing fields
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// Execution details
	Result  []byte `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Version int64  `json:"version"`
}

// JobSpec describes a job to create
type JobSpec struct {
	Task       string
	Args       json.RawMessage
	MaxRetries int
	ScheduleID string
}

// Transition records one state change of a job
type Transition struct {
	JobID   string    `json:"job_id"`
	From    JobState  `json:"from,omitempty"`
	To      JobState  `json:"to"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Attempt returns the number of the attempt the job is on or will run next
func (j *Job) Attempt() int {
	return j.RetryCount + 1
}

// CanRetry reports whether another attempt is allowed after a transient failure
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Start moves the job to RUNNING for the given attempt
func (j *Job) Start(attempt int, now time.Time) error {
	if attempt != j.Attempt() {
		return fmt.Errorf("%w: attempt %d does not match current attempt %d", ErrInvalidTransition, attempt, j.Attempt())
	}
	if err := j.transition(JobStateRunning); err != nil {
		return err
	}
	j.StartedAt = &now
	j.EndedAt = nil
	return nil
}

// Succeed moves the job to SUCCESS with the given result
func (j *Job) Succeed(result []byte, now time.Time) error {
	if err := j.transition(JobStateSuccess); err != nil {
		return err
	}
	j.Result = result
	j.Error = ""
	j.EndedAt = &now
	return nil
}

// Retry moves the job to RETRY and consumes one retry
func (j *Job) Retry(cause error, now time.Time) error {
	if !j.CanRetry() {
		return fmt.Errorf("%w: retries exhausted (%d/%d)", ErrInvalidTransition, j.RetryCount, j.MaxRetries)
	}
	if err := j.transition(JobStateRetry); err != nil {
		return err
	}
	j.RetryCount++
	j.Error = SanitizeError(cause)
	j.EndedAt = &now
	return nil
}

// Fail moves the job to FAILURE, capturing the error
func (j *Job) Fail(cause error, now time.Time) error {
	if err := j.transition(JobStateFailure); err != nil {
		return err
	}
	j.Error = SanitizeError(cause)
	j.EndedAt = &now
	return nil
}

func (j *Job) transition(to JobState) error {
	if !j.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	return nil
}

// ValidateTaskName checks that a task name is usable as a registry key and subject token
func ValidateTaskName(name string) error {
	if name == "" || len(name) > MaxTaskNameLength || !validTaskName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskName, name)
	}
	return nil
}

// ValidateArgs checks that serialized arguments are empty or valid JSON
func ValidateArgs(args json.RawMessage) error {
	if len(args) > 0 && !json.Valid(args) {
		return ErrInvalidArgs
	}
	return nil
}

// ClampRetries keeps a retry limit within [0, MaxRetries]
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// SanitizeError renders an error for storage, dropping control characters
// and truncating it to MaxErrorLength bytes.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	out := make([]rune, 0, len(msg))
	size := 0
	for _, r := range msg {
		if r != '\n' && r != '\t' && (r < 32 || r == 127) {
			continue
		}
		if size+len(string(r)) > MaxErrorLength {
			break
		}
		size += len(string(r))
		out = append(out, r)
	}
	return string(out)
}
