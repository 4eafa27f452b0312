// Package queue implements the producer side of the task queue: enqueuing
// work against a Backend and polling for results.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/codec"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/registry"
)

// DefaultResultPollInterval is the cadence TaskQueue.GetResult polls the
// Backend at when the caller does not override it.
const DefaultResultPollInterval = 500 * time.Millisecond

// TaskQueueError wraps a failure performing a queue-level operation.
type TaskQueueError struct {
	Op     string
	TaskID string
	Cause  error
}

func (e *TaskQueueError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("queue: %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("queue: %s task_id=%s: %v", e.Op, e.TaskID, e.Cause)
}

func (e *TaskQueueError) Unwrap() error { return e.Cause }

// ValidationError reports a task submission that failed enqueue-time
// validation, e.g. an unregistered function name.
type ValidationError struct {
	FuncName string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: validation failed for func %q: %s", e.FuncName, e.Reason)
}

// TimeoutError is returned by GetResult when the wait deadline elapses
// before the task reaches a terminal state.
type TimeoutError struct {
	TaskID string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("queue: timed out after %s waiting for task_id=%s", e.Waited, e.TaskID)
}

// TaskQueue is the producer-facing API: enqueue work, then poll for its
// result. It holds no worker loop of its own; see internal/worker for the
// consumer side.
type TaskQueue struct {
	backend     domain.Backend
	codec       codec.Codec
	registry    *registry.Registry
	resultPoll  time.Duration
	idGenerator func() string
}

// Option configures a TaskQueue constructed via Open.
type Option func(*TaskQueue)

// WithResultPollInterval overrides the cadence GetResult polls the Backend
// at while waiting for a task to finish.
func WithResultPollInterval(d time.Duration) Option {
	return func(q *TaskQueue) { q.resultPoll = d }
}

// WithRegistry overrides the registry.Registry used to validate function
// names at enqueue time. Defaults to registry.Default.
func WithRegistry(r *registry.Registry) Option {
	return func(q *TaskQueue) { q.registry = r }
}

// Open connects the given Backend and returns a ready TaskQueue along with
// a close function the caller should defer, mirroring the teacher's
// `defer pool.Close()` lifecycle idiom.
func Open(ctx context.Context, backend domain.Backend, c codec.Codec, opts ...Option) (*TaskQueue, func() error, error) {
	if err := backend.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("op=queue.open: %w", err)
	}

	q := &TaskQueue{
		backend:     backend,
		codec:       c,
		registry:    registry.Default,
		resultPoll:  DefaultResultPollInterval,
		idGenerator: uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}

	closeFn := func() error { return backend.Close(context.Background()) }
	return q, closeFn, nil
}

// Enqueue validates funcName against the queue's registry, encodes the
// call, and persists it as a pending task. It returns the generated task
// id.
func (q *TaskQueue) Enqueue(ctx context.Context, funcName string, args []any, kwargs map[string]any, availableAt time.Time) (string, error) {
	if _, ok := q.registry.Lookup(funcName); !ok {
		return "", &ValidationError{FuncName: funcName, Reason: "function is not registered"}
	}

	payload, err := q.codec.EncodeTask(funcName, args, kwargs)
	if err != nil {
		return "", &TaskQueueError{Op: "enqueue", Cause: err}
	}

	now := time.Now().UTC()
	if availableAt.IsZero() {
		availableAt = now
	}

	task := domain.Task{
		ID:          q.idGenerator(),
		FuncName:    funcName,
		Payload:     payload,
		Status:      domain.StatusPending,
		AvailableAt: availableAt.UTC(),
		CreatedAt:   now,
	}

	if err := q.backend.Enqueue(ctx, task); err != nil {
		return "", &TaskQueueError{Op: "enqueue", TaskID: task.ID, Cause: err}
	}

	observability.RecordTaskEnqueued(funcName)
	return task.ID, nil
}

// GetResult blocks, polling the Backend at the configured interval, until
// taskID reaches a terminal state or ctx is done. Passing a ctx with no
// deadline waits indefinitely; callers wanting a bounded wait should pass
// a context.WithTimeout.
func (q *TaskQueue) GetResult(ctx context.Context, taskID string) (*domain.Result, error) {
	start := time.Now()
	ticker := time.NewTicker(q.resultPoll)
	defer ticker.Stop()

	for {
		result, err := q.backend.GetResult(ctx, taskID)
		if err != nil {
			return nil, &TaskQueueError{Op: "get_result", TaskID: taskID, Cause: err}
		}
		if result != nil {
			return result, nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, &TimeoutError{TaskID: taskID, Waited: time.Since(start)}
			}
			return nil, &TaskQueueError{Op: "get_result", TaskID: taskID, Cause: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Close releases the underlying Backend connection.
func (q *TaskQueue) Close(ctx context.Context) error {
	return q.backend.Close(ctx)
}
