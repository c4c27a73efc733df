package model

import (
	"encoding/json"
	"time"
)

// CadenceKind selects how a schedule computes its next run time
type CadenceKind string

const (
	CadenceInterval CadenceKind = "interval"
	CadenceCron     CadenceKind = "cron"
)

// Schedule is a recurring definition that periodically produces jobs
type Schedule struct {
	ID         string          `json:"id" gorm:"primaryKey;size:36"`
	Name       string          `json:"name" gorm:"uniqueIndex;size:255;not null"`
	Task       string          `json:"task" gorm:"size:255;not null"`
	Args       json.RawMessage `json:"args,omitempty" gorm:"type:bytes"`
	Kind       CadenceKind     `json:"kind" gorm:"size:16;not null"`
	Interval   time.Duration   `json:"interval,omitempty"`
	Expression string          `json:"expression,omitempty" gorm:"size:255"`
	Timezone   string          `json:"timezone,omitempty" gorm:"size:64"`
	MaxRetries int             `json:"max_retries"`
	Enabled    bool            `json:"enabled" gorm:"index;not null"`
	OneOff     bool            `json:"one_off"`

	NextRunAt     time.Time  `json:"next_run_at" gorm:"index;not null"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	TotalRunCount int64      `json:"total_run_count" gorm:"not null;default:0"`
	CreatedAt     time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName pins the table name used by the schedule store
func (Schedule) TableName() string {
	return "schedules"
}

// Cadence parses the schedule's interval or cron expression
func (s *Schedule) Cadence() (Cadence, error) {
	switch s.Kind {
	case CadenceInterval:
		return IntervalCadence(s.Interval)
	case CadenceCron:
		return CronCadence(s.Expression, s.Timezone)
	}
	return Cadence{}, ErrInvalidCadence
}

// Due reports whether the schedule should fire at now
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && !s.NextRunAt.After(now)
}
