package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Invocation is the queued message instructing a worker to execute a job
type Invocation struct {
	JobID       string          `json:"job_id"`
	Task        string          `json:"task"`
	Args        json.RawMessage `json:"args,omitempty"`
	Attempt     int             `json:"attempt"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewInvocation builds the invocation for the job's current attempt
func NewInvocation(job *Job) *Invocation {
	return &Invocation{
		JobID:   job.ID,
		Task:    job.Task,
		Args:    job.Args,
		Attempt: job.Attempt(),
	}
}

// MsgID identifies one attempt of one job; the broker deduplicates on it
func (i *Invocation) MsgID() string {
	return fmt.Sprintf("%s-%d", i.JobID, i.Attempt)
}

// Delay returns how long to wait before the invocation may run
func (i *Invocation) Delay(now time.Time) time.Duration {
	if i.NotBefore == nil {
		return 0
	}
	if d := i.NotBefore.Sub(now); d > 0 {
		return d
	}
	return 0
}
