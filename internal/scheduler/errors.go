package scheduler

import "errors"

var (
	// ErrNotLeader is returned by a tick of a beat that does not hold the lease
	ErrNotLeader = errors.New("not the beat leader")

	// ErrLockLost is returned when the beat lease expired or was taken over
	ErrLockLost = errors.New("beat lease lost")
)
