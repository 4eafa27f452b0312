// Package domain defines the core task-queue entities, ports, and
// domain-specific errors shared by every adapter.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Adapters and usecases wrap these with
// op/task-id context via fmt.Errorf("op=...: %w", ...).
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyFinal    = errors.New("task already finalized")
	ErrUnknownFunc     = errors.New("unknown function")
	ErrInternal        = errors.New("internal error")
)

// Status is the lifecycle state of a task record.
type Status string

// Task status values. A task transitions monotonically
// Pending -> Reserved -> (Success | Failed); there are no reverse
// transitions in the core.
const (
	StatusPending  Status = "pending"
	StatusReserved Status = "reserved"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// LeaseToken identifies the worker holding a reservation and when it
// expires. Present but unconsumed by the core reservation protocol; see
// DESIGN.md for the crash-recovery open question.
type LeaseToken struct {
	WorkerID  string
	ExpiresAt time.Time
}

// Task is the persisted record: a unit of deferred work plus its full
// lifecycle state.
//
// Invariants:
//  1. ID is unique for the lifetime of the row.
//  2. Status transitions monotonically Pending->Reserved->(Success|Failed).
//  3. ResultValue is set only together with Status==StatusSuccess;
//     ErrorMessage/Traceback only together with Status==StatusFailed.
//  4. All timestamps are UTC.
//  5. AvailableAt >= CreatedAt.
type Task struct {
	ID           string
	FuncName     string
	Payload      []byte
	Status       Status
	AvailableAt  time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ResultValue  []byte
	ErrorMessage string
	Traceback    string
	Lease        *LeaseToken
}

// ReservedTask is the transient view a Backend hands to a worker on a
// successful reservation.
type ReservedTask struct {
	TaskID    string
	FuncName  string
	Payload   []byte
	StartedAt time.Time
}

// Result is the public read model returned to producers/consumers.
type Result struct {
	TaskID     string
	Status     Status
	Value      []byte
	Error      string
	Traceback  string
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Backend is the durable task store contract: atomic reservation, result
// recording, and result retrieval. Every substrate (sqlite, postgres,
// in-memory) satisfies the same observable contract: concurrent Reserve
// calls never return overlapping task sets.
type Backend interface {
	// Connect establishes the underlying connection and creates schema if
	// absent. Idempotent.
	Connect(ctx Context) error
	// Close releases underlying resources. Idempotent.
	Close(ctx Context) error
	// Enqueue persists a new pending row. Fails with ErrConflict on
	// duplicate id.
	Enqueue(ctx Context, task Task) error
	// Reserve atomically selects up to maxItems eligible pending rows,
	// transitions them to reserved with StartedAt=now, and returns them
	// ordered by (AvailableAt, CreatedAt) ascending.
	Reserve(ctx Context, maxItems int, now time.Time) ([]ReservedTask, error)
	// MarkSuccess transitions a reserved row to success.
	MarkSuccess(ctx Context, taskID string, value []byte, finishedAt time.Time) error
	// MarkFailure transitions a reserved row to failed.
	MarkFailure(ctx Context, taskID string, errMsg, traceback string, finishedAt time.Time) error
	// GetResult returns the task's current read model. It returns a nil
	// Result with no error both when the task exists but has not yet
	// reached a terminal status and when the id is unknown — the two are
	// indistinguishable to a caller, matching the reference get_result
	// contract ("returns null when row is absent or non-terminal").
	GetResult(ctx Context, taskID string) (*Result, error)
}

// Context is an alias for stdlib context.Context, threaded through every
// port in this package.
type Context = context.Context
