package model

import "errors"

var (
	// ErrInvalidTransition is returned when a state change is not allowed by the job state machine
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrInvalidTaskName is returned for task names that cannot be registered or routed
	ErrInvalidTaskName = errors.New("invalid task name")

	// ErrInvalidArgs is returned when serialized arguments are not valid JSON
	ErrInvalidArgs = errors.New("arguments must be valid JSON")

	// ErrInvalidCadence is returned when a schedule has no usable interval or cron expression
	ErrInvalidCadence = errors.New("invalid schedule cadence")
)
