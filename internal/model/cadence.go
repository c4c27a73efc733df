package model

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @daily.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cadence computes successive run times of a schedule
type Cadence struct {
	Kind     CadenceKind
	Interval time.Duration
	spec     cron.Schedule
	location *time.Location
}

// IntervalCadence returns a fixed-interval cadence
func IntervalCadence(d time.Duration) (Cadence, error) {
	if d <= 0 {
		return Cadence{}, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidCadence, d)
	}
	return Cadence{Kind: CadenceInterval, Interval: d}, nil
}

// CronCadence parses a cron expression evaluated in the named timezone (UTC if empty)
func CronCadence(expr, timezone string) (Cadence, error) {
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return Cadence{}, fmt.Errorf("%w: unknown timezone %q: %v", ErrInvalidCadence, timezone, err)
		}
		loc = l
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return Cadence{}, fmt.Errorf("%w: %v", ErrInvalidCadence, err)
	}
	return Cadence{Kind: CadenceCron, spec: spec, location: loc}, nil
}

// Next returns the run time following prev. Interval cadences add exactly
// one interval to prev; cron cadences return the nearest match strictly
// after prev. The result is in UTC.
func (c Cadence) Next(prev time.Time) time.Time {
	if c.Kind == CadenceInterval {
		return prev.Add(c.Interval).UTC()
	}
	return c.spec.Next(prev.In(c.location)).UTC()
}

// First returns the first run time of a new schedule starting at start
func (c Cadence) First(start time.Time) time.Time {
	if c.Kind == CadenceInterval {
		return start.UTC()
	}
	// A match exactly at start is due immediately.
	return c.spec.Next(start.Add(-time.Second).In(c.location)).UTC()
}
