package executor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/t77yq/taskbeat/internal/model"
)

var (
	// ErrTaskNotRegistered is returned when no handler exists for a task name
	ErrTaskNotRegistered = errors.New("task not registered")

	// ErrDuplicateHandler is returned when a task name is registered twice
	ErrDuplicateHandler = errors.New("handler already registered")
)

// TransientError marks a failure worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking handler
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panicked: %v", e.Value) }

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Class is the retry classification of a handler failure
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classify decides whether a handler failure may be retried. Explicit marks
// win, the outermost one first; unmarked errors are transient unless they
// are unknown tasks, panics or argument decode errors.
func Classify(err error) Class {
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *PermanentError:
			return ClassPermanent
		case *TransientError:
			return ClassTransient
		}
	}

	var panicErr *PanicError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, ErrTaskNotRegistered),
		errors.Is(err, model.ErrInvalidArgs),
		errors.As(err, &panicErr),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return ClassPermanent
	}
	return ClassTransient
}
