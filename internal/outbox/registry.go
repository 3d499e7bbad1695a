package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"msgpipe/internal/domain"
)

var (
	ErrHandlerRequired          = errors.New("outbox: handler is required")
	ErrHandlerAlreadyRegistered = errors.New("outbox: handler already registered")
	ErrHandlerNotRegistered     = errors.New("outbox: handler not registered")
)

// Handler runs one decoded task. Handlers must be idempotent: a task is
// redelivered when its lease expires before it is marked processed.
type Handler func(ctx context.Context, taskID string, task domain.Task) error

// Registry dispatches tasks to handlers by kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TaskKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[domain.TaskKind]Handler{}}
}

func (r *Registry) Register(kind domain.TaskKind, h Handler) error {
	if !kind.IsValid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownTaskKind, kind)
	}
	if h == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister is Register for wiring code.
func (r *Registry) MustRegister(kind domain.TaskKind, h Handler) {
	if err := r.Register(kind, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Handle(ctx context.Context, taskID string, task domain.Task) error {
	r.mu.RLock()
	h, ok := r.handlers[task.Kind()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotRegistered, task.Kind())
	}
	return h(ctx, taskID, task)
}
