package router

import (
	"context"
	"encoding/json"
	"log/slog"
)

// TaskFunc is a long-running background task returned by a module from its
// system:ready handler. It should run until ctx is cancelled.
type TaskFunc func(ctx context.Context) error

// RegisterTask starts fn under name, supervised: a returned error is
// reported via task:error. Restarting the task is the owning module's
// responsibility.
func (r *Router) RegisterTask(name string, fn TaskFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &backgroundTask{name: name, cancel: cancel, done: make(chan struct{})}

	r.tasksMu.Lock()
	r.tasks[name] = t
	r.tasksMu.Unlock()

	go func() {
		defer close(t.done)
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			r.emitTaskError(name, err)
		}
	}()
}

func (r *Router) emitTaskError(name string, err error) {
	payload, marshalErr := json.Marshal(map[string]any{"task": name, "error": err.Error()})
	if marshalErr != nil {
		slog.Error("failed to marshal task:error payload", "task", name, "error", marshalErr)
		return
	}
	if _, emitErr := r.Emit(context.Background(), "task:error", payload, nil); emitErr != nil {
		slog.Error("failed to emit task:error", "task", name, "error", emitErr)
	}
}

// TaskCount returns the number of registered background tasks, used by
// system:health.
func (r *Router) TaskCount() int {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	return len(r.tasks)
}

// StopTasks cancels every background task and waits for each to return.
func (r *Router) StopTasks() {
	r.tasksMu.Lock()
	tasks := make([]*backgroundTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.tasksMu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

// BeginShutdown marks the router as shutting down and resets the
// acknowledgment set. Subsequent Emit calls still work; nothing else in
// the router reads the shutting-down flag.
func (r *Router) BeginShutdown() {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	r.shuttingDown = true
	r.shutdownAcks = make(map[string]bool)
}

// AcknowledgeShutdown records that service has sent shutdown:acknowledge.
func (r *Router) AcknowledgeShutdown(service string) {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	r.shutdownAcks[service] = true
}

// ShutdownAcknowledged reports whether every name in expected has
// acknowledged shutdown.
func (r *Router) ShutdownAcknowledged(expected []string) bool {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	for _, name := range expected {
		if !r.shutdownAcks[name] {
			return false
		}
	}
	return true
}
