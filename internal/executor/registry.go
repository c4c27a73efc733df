package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/t77yq/taskbeat/internal/model"
)

// Handler runs the logic of one task name
type Handler interface {
	Handle(ctx context.Context, job *model.Job) ([]byte, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *model.Job) ([]byte, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	return f(ctx, job)
}

// Registry maps task names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for name
func (r *Registry) Register(name string, h Handler) error {
	if err := model.ValidateTaskName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register that panics on error
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for name
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}
	return h, nil
}

// Names lists registered task names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeArgs unmarshals the job's arguments into v. Decode failures are permanent.
func DecodeArgs(job *model.Job, v interface{}) error {
	if len(job.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Args, v); err != nil {
		return Permanent(fmt.Errorf("failed to decode arguments of %s: %w", job.Task, err))
	}
	return nil
}
