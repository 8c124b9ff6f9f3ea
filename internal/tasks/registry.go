package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry maps session ids to the handles of their running poll loops.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logger *slog.Logger
}

// NewRegistry creates an empty [Registry].
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Attach registers the task running for id. A stale entry for the same id
// is replaced.
func (r *Registry) Attach(id string, task *Task) {
	r.mu.Lock()
	_, stale := r.tasks[id]
	r.tasks[id] = task
	r.mu.Unlock()

	if stale {
		r.logger.Warn("replaced stale task entry", "session", id)
	}
}

// Detach removes the entry for id. When interrupt is true and the task is
// neither done nor already cancelled, it is cancelled. Detach does not wait
// for the task to stop. Returns false when no task was registered for id.
func (r *Registry) Detach(id string, interrupt bool) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if interrupt && !task.IsDone() && !task.IsCancelled() {
		task.Cancel()
	}
	return true
}

// Get returns the task registered for id.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	return task, ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Shutdown cancels every registered task and waits up to timeout for all of
// them to return. Tasks that ended with an error are logged; tasks still
// running at the deadline are logged and abandoned.
func (r *Registry) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	pending := make(map[string]*Task, len(r.tasks))
	for id, task := range r.tasks {
		pending[id] = task
	}
	r.mu.Unlock()

	for _, task := range pending {
		if !task.IsDone() && !task.IsCancelled() {
			task.Cancel()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var g errgroup.Group
	for id, task := range pending {
		g.Go(func() error {
			if err := task.Wait(ctx); err != nil {
				if ctx.Err() != nil && !task.IsDone() {
					r.logger.Warn("task did not stop before shutdown deadline",
						"session", id,
						"timeout", timeout.String(),
					)
					return nil
				}
				r.logger.Warn("task ended with error", "session", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	for id, task := range pending {
		if r.tasks[id] == task {
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()
}
