package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Task is the cancellable handle of one running poll loop.
//
// A Task is created with [New], started once with [Task.Go], and cancelled
// cooperatively: [Task.Cancel] cancels the task's context and the function
// is expected to notice, clean up after itself and return.
type Task struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
	cancelled atomic.Bool
	logger    *slog.Logger

	mu  sync.Mutex
	err error
}

// New creates a task whose context derives from parent.
func New(parent context.Context, logger *slog.Logger) *Task {
	if parent == nil {
		parent = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Go runs fn on its own goroutine with the task's context.
//
// A panic in fn is recovered, logged with a correlation id and recorded as
// the task error. Go is a no-op after the first call.
func (t *Task) Go(fn func(ctx context.Context) error) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(t.done)
		defer t.cancel()
		err := t.safeRun(fn)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()
}

func (t *Task) safeRun(fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			t.logger.Error("task panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("task panic (correlation_id: %s)", correlationID)
		}
	}()
	return fn(t.ctx)
}

// Cancel requests cancellation. It does not wait for the task to stop.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// Done returns a channel closed when the task function has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// IsDone reports whether the task function has returned.
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether [Task.Cancel] was called.
func (t *Task) IsCancelled() bool {
	return t.cancelled.Load()
}

// Err returns the error the task ended with, or nil while it is running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task is done or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
