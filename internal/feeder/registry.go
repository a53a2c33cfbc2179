package feeder

import (
	"context"
	"sync"
)

// Runner is a background worker feeding a queue. Run returns when ctx is
// cancelled or the worker fails.
type Runner interface {
	Run(ctx context.Context) error
}

type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Registry is the explicit set of runners belonging to one evaluation
// session. Input pipelines add their workers to it, the Coordinator starts
// them.
type Registry struct {
	mu      sync.Mutex
	runners []Runner
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(runners ...Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners = append(r.runners, runners...)
}

// Runners returns a copy of the registered runners in registration order.
func (r *Registry) Runners() []Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Runner, len(r.runners))
	copy(out, r.runners)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runners)
}
