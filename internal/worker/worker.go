// Package worker implements the consumer side of the task queue: a
// bounded-concurrency polling loop that reserves pending tasks, dispatches
// them through the registry, and records their outcome.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/taskqueue/internal/adapter/observability"
	"github.com/fairyhunter13/taskqueue/internal/codec"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/registry"
)

// Error reports a failure in the worker's own machinery (as distinct from
// a task callable returning an error, which is recorded on the task
// itself via MarkFailure).
type Error struct {
	Op    string
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("worker: %s: %v", e.Op, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

const (
	// DefaultMaxConcurrency bounds how many reserved tasks may execute at
	// once when the caller does not override it.
	DefaultMaxConcurrency = 10
	// DefaultPollInterval is the fixed cadence at which the polling loop
	// attempts a reservation, whatever the previous one returned.
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultBatchSize bounds how many tasks a single Reserve call may
	// claim when the caller does not override it.
	DefaultBatchSize = 10
)

// Worker polls a Backend for eligible tasks and executes them against
// functions registered in Registry, honoring Manifest if one is set.
type Worker struct {
	Backend        domain.Backend
	Codec          codec.Codec
	Registry       *registry.Registry
	Manifest       *registry.Manifest
	MaxConcurrency int
	PollInterval   time.Duration
	BatchSize      int

	// available is a counting semaphore: one slot per in-flight task,
	// acquired before execute and released when it returns.
	available chan struct{}
	inflight  sync.WaitGroup

	onTaskDone func(taskID string, err error) // test hook, nil in production
}

// New builds a Worker with defaults filled in for any zero-valued tuning
// field.
func New(backend domain.Backend, c codec.Codec, reg *registry.Registry) *Worker {
	if reg == nil {
		reg = registry.Default
	}
	return &Worker{
		Backend:        backend,
		Codec:          c,
		Registry:       reg,
		MaxConcurrency: DefaultMaxConcurrency,
		PollInterval:   DefaultPollInterval,
		BatchSize:      DefaultBatchSize,
	}
}

func (w *Worker) normalize() {
	if w.MaxConcurrency <= 0 {
		w.MaxConcurrency = DefaultMaxConcurrency
	}
	if w.PollInterval <= 0 {
		w.PollInterval = DefaultPollInterval
	}
	if w.BatchSize <= 0 {
		w.BatchSize = DefaultBatchSize
	}
}

// Run polls and executes tasks until ctx is cancelled, then waits for any
// in-flight executions to finish before returning (graceful drain).
func (w *Worker) Run(ctx context.Context) error {
	w.normalize()
	w.available = make(chan struct{}, w.MaxConcurrency)
	for i := 0; i < w.MaxConcurrency; i++ {
		w.available <- struct{}{}
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = w.PollInterval
	boff.MaxInterval = 10 * w.PollInterval
	boff.MaxElapsedTime = 0 // retry the poll loop forever until ctx is done

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.inflight.Wait()
			return nil
		case <-ticker.C:
			n := w.freeSlots()
			if n == 0 {
				continue
			}
			reserved, err := w.Backend.Reserve(ctx, min(n, w.BatchSize), time.Now().UTC())
			if err != nil {
				slog.Error("worker reserve failed", "error", err)
				d := boff.NextBackOff()
				if d > 0 {
					time.Sleep(d)
				}
				continue
			}
			boff.Reset()
			for _, task := range reserved {
				w.dispatch(ctx, task)
			}
		}
	}
}

// freeSlots reports how many concurrency slots are currently available
// without blocking, so Reserve never claims more tasks than the worker
// can immediately execute.
func (w *Worker) freeSlots() int {
	return len(w.available)
}

// dispatch acquires a concurrency slot and runs task on its own goroutine
// so the polling loop is never blocked by a slow callable. The task runs
// under a context detached from ctx's cancellation: spec §5 requires
// in-flight callables not be cancelled by default, and Run's graceful
// drain (waiting on w.inflight) would otherwise race a cancelled ctx
// aborting the very MarkSuccess/MarkFailure call that finalizes the task
// on a context-honoring Backend.
func (w *Worker) dispatch(ctx context.Context, task domain.ReservedTask) {
	<-w.available
	observability.RecordTaskReserved(task.FuncName)
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer func() { w.available <- struct{}{} }()
		execCtx := context.WithoutCancel(ctx)
		err := w.execute(execCtx, task)
		if w.onTaskDone != nil {
			w.onTaskDone(task.TaskID, err)
		}
	}()
}

// execute decodes the envelope, looks up the registered function, invokes
// it with panic recovery, and records success or failure on the Backend.
func (w *Worker) execute(ctx context.Context, task domain.ReservedTask) error {
	start := time.Now()
	finishedAt := func() time.Time { return time.Now().UTC() }

	env, err := w.Codec.DecodeEnvelope(task.Payload)
	if err != nil {
		return w.fail(ctx, task, finishedAt(), time.Since(start), fmt.Errorf("op=worker.decode_envelope: %w", err), "")
	}

	fn, ok := w.Registry.Lookup(env.FuncName)
	if !ok {
		return w.fail(ctx, task, finishedAt(), time.Since(start), fmt.Errorf("%w: %s", domain.ErrUnknownFunc, env.FuncName), "")
	}
	if w.Manifest != nil && !w.Manifest.Allows(env.FuncName) {
		return w.fail(ctx, task, finishedAt(), time.Since(start), fmt.Errorf("%w: %s is not in worker manifest", domain.ErrUnknownFunc, env.FuncName), "")
	}

	value, callErr, traceback := w.invoke(ctx, fn, env)
	if callErr != nil {
		return w.fail(ctx, task, finishedAt(), time.Since(start), callErr, traceback)
	}

	encoded, err := w.Codec.EncodeResult(value)
	if err != nil {
		return w.fail(ctx, task, finishedAt(), time.Since(start), fmt.Errorf("op=worker.encode_result: %w", err), "")
	}

	if err := w.Backend.MarkSuccess(ctx, task.TaskID, encoded, finishedAt()); err != nil {
		slog.Error("worker failed to record task success", "task_id", task.TaskID, "error", err)
		return err
	}
	observability.RecordTaskSuccess(task.FuncName, time.Since(start))
	return nil
}

// invoke calls fn, recovering from any panic and reporting it as an error
// plus a captured stack trace, mirroring the teacher's recover()-inside-
// execute pattern used for untrusted task bodies. A plain error return is
// just as much a failure as a panic, so it also gets a captured trace.
// Failures that execute detects before or after the call (decode, unknown
// or disallowed function, result encoding) are recorded without one.
func (w *Worker) invoke(ctx context.Context, fn registry.Func, env codec.Envelope) (result any, err error, traceback string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			traceback = string(debug.Stack())
		}
	}()
	result, err = fn(ctx, env.Args, env.Kwargs)
	if err != nil {
		traceback = string(debug.Stack())
	}
	return result, err, traceback
}

func (w *Worker) fail(ctx context.Context, task domain.ReservedTask, finishedAt time.Time, dur time.Duration, cause error, traceback string) error {
	if markErr := w.Backend.MarkFailure(ctx, task.TaskID, cause.Error(), traceback, finishedAt); markErr != nil {
		slog.Error("worker failed to record task failure", "task_id", task.TaskID, "error", markErr)
		return markErr
	}
	observability.RecordTaskFailure(task.FuncName, dur)
	return cause
}

