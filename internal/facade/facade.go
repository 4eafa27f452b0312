// Package facade provides a synchronous, blocking API over the
// asynchronous task queue: Enqueue/GetResult look like ordinary function
// calls to the caller, but run against a private background runtime
// goroutine that owns its own TaskQueue.
package facade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/codec"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/queue"
	"github.com/fairyhunter13/taskqueue/internal/registry"
)

// ConfigurationError reports that a caller tried to re-enter the façade's
// own runtime goroutine from within it, which would deadlock the single
// command channel.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("facade: %s", e.Reason) }

// TaskExecutionError wraps a failure surfaced while running a command
// against the façade's private runtime.
type TaskExecutionError struct {
	Op    string
	Cause error
}

func (e *TaskExecutionError) Error() string { return fmt.Sprintf("facade: %s: %v", e.Op, e.Cause) }
func (e *TaskExecutionError) Unwrap() error { return e.Cause }

type runtimeKey struct{}

// facadeRuntimeKey marks a context.Context as originating from a
// façade's own runtime goroutine, so a nested call from inside a task
// callable can be detected and rejected instead of deadlocking.
var facadeRuntimeKey = runtimeKey{}

// command is a closure submitted to the façade's runtime goroutine plus
// the channel its result is delivered on.
type command struct {
	run  func(ctx context.Context) (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// Facade owns a dedicated runtime goroutine running a private
// internal/queue.TaskQueue. Enqueue and GetResult submit work to that
// goroutine over a command channel and block until it replies.
type Facade struct {
	queue      *queue.TaskQueue
	codec      codec.Codec
	closeFn    func() error
	commands   chan command
	runtimeCtx context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	shutdownTimeout  time.Duration
	pendingQueueOpts []queue.Option
}

// Option configures a Facade built by Open.
type Option func(*Facade)

// WithShutdownTimeout bounds how long Close waits for the runtime
// goroutine to drain in-flight commands before giving up.
func WithShutdownTimeout(d time.Duration) Option {
	return func(f *Facade) { f.shutdownTimeout = d }
}

// WithResultPollInterval overrides the private TaskQueue's result-polling
// cadence.
func WithResultPollInterval(d time.Duration) Option {
	return func(f *Facade) {
		// applied at Open time via queue.Option, stashed here until then
		f.pendingQueueOpts = append(f.pendingQueueOpts, queue.WithResultPollInterval(d))
	}
}

// WithRegistry overrides the registry used to validate enqueued function
// names.
func WithRegistry(r *registry.Registry) Option {
	return func(f *Facade) {
		f.pendingQueueOpts = append(f.pendingQueueOpts, queue.WithRegistry(r))
	}
}

// Open starts a Facade's runtime goroutine against backend, returning the
// Facade and a close function the caller should defer.
func Open(ctx context.Context, backend domain.Backend, c codec.Codec, opts ...Option) (*Facade, func() error, error) {
	f := &Facade{
		commands:        make(chan command),
		done:            make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}

	tq, closeFn, err := queue.Open(ctx, backend, c, f.pendingQueueOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("op=facade.open: %w", err)
	}
	f.queue = tq
	f.codec = c
	f.closeFn = closeFn

	runtimeCtx, cancel := context.WithCancel(context.Background())
	runtimeCtx = context.WithValue(runtimeCtx, facadeRuntimeKey, true)
	f.runtimeCtx = runtimeCtx
	f.cancel = cancel

	go f.run()

	return f, f.close, nil
}

// run is the façade's dedicated runtime goroutine: the only goroutine
// that touches f.queue, serialized through f.commands.
func (f *Facade) run() {
	defer close(f.done)
	for {
		select {
		case <-f.runtimeCtx.Done():
			return
		case cmd := <-f.commands:
			value, err := cmd.run(f.runtimeCtx)
			cmd.done <- result{value: value, err: err}
		}
	}
}

// Enter verifies ctx does not already carry the façade-runtime marker,
// realizing "verify no cooperative scheduler is already running on this
// thread" from a callable's perspective. Callables that themselves call
// back into a Facade should call Enter first.
func Enter(ctx context.Context) error {
	if ctx.Value(facadeRuntimeKey) != nil {
		return &ConfigurationError{Reason: "a facade runtime is already active on this context; nested Enqueue/GetResult would deadlock"}
	}
	return nil
}

func (f *Facade) submit(ctx context.Context, run func(ctx context.Context) (any, error)) (any, error) {
	if err := Enter(ctx); err != nil {
		return nil, err
	}

	cmd := command{run: run, done: make(chan result, 1)}
	select {
	case f.commands <- cmd:
	case <-ctx.Done():
		return nil, &TaskExecutionError{Op: "submit", Cause: ctx.Err()}
	case <-f.done:
		return nil, &TaskExecutionError{Op: "submit", Cause: fmt.Errorf("facade runtime is shut down")}
	}

	select {
	case r := <-cmd.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, &TaskExecutionError{Op: "submit", Cause: ctx.Err()}
	}
}

// Enqueue submits a task through the façade's private runtime and
// returns the generated task id.
func (f *Facade) Enqueue(ctx context.Context, funcName string, args []any, kwargs map[string]any, availableAt time.Time) (string, error) {
	v, err := f.submit(ctx, func(runtimeCtx context.Context) (any, error) {
		return f.queue.Enqueue(runtimeCtx, funcName, args, kwargs, availableAt)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetResult blocks until taskID finishes or ctx is done, running the wait
// through the façade's private runtime. A failed task is raised as a
// TaskExecutionError wrapping the stored error message rather than
// returned as a Result: the synchronous caller never sees a Result for a
// failure, only for success. A successful task's stored bytes are
// decoded before being handed back.
func (f *Facade) GetResult(ctx context.Context, taskID string) (any, error) {
	v, err := f.submit(ctx, func(runtimeCtx context.Context) (any, error) {
		return f.queue.GetResult(runtimeCtx, taskID)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	res := v.(*domain.Result)
	if res.Status == domain.StatusFailed {
		return nil, &TaskExecutionError{Op: "get_result", Cause: errors.New(res.Error)}
	}

	var value any
	if err := f.codec.DecodeResult(res.Value, &value); err != nil {
		return nil, &TaskExecutionError{Op: "get_result", Cause: err}
	}
	return value, nil
}

// close stops the runtime goroutine and releases the underlying Backend,
// waiting up to f.shutdownTimeout for in-flight commands to drain.
func (f *Facade) close() error {
	f.cancel()

	select {
	case <-f.done:
	case <-time.After(f.shutdownTimeout):
	}

	return f.closeFn()
}
