// Package memory is an in-process Backend realization: a mutex-guarded
// container/heap priority queue keyed by (available_at, created_at). It
// has no durability across process restarts and backs the in-process
// test suites, including the synchronous façade's.
package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/taskqueue/internal/backend"
	"github.com/fairyhunter13/taskqueue/internal/domain"
)

type item struct {
	task  domain.Task
	index int
}

// pendingHeap orders pending items by (AvailableAt, CreatedAt) ascending.
type pendingHeap []*item

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if !h[i].task.AvailableAt.Equal(h[j].task.AvailableAt) {
		return h[i].task.AvailableAt.Before(h[j].task.AvailableAt)
	}
	return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Backend is the in-memory domain.Backend realization.
type Backend struct {
	mu      sync.Mutex
	pending pendingHeap
	byID    map[string]*domain.Task
}

// New returns an empty, ready-to-use Backend.
func New() *Backend {
	return &Backend{byID: make(map[string]*domain.Task)}
}

func (b *Backend) Connect(ctx context.Context) error { return nil }
func (b *Backend) Close(ctx context.Context) error   { return nil }

func (b *Backend) Enqueue(ctx context.Context, task domain.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byID[task.ID]; exists {
		return backend.Wrap("memory.enqueue", task.ID, domain.ErrConflict)
	}

	task.Status = domain.StatusPending
	stored := task
	b.byID[task.ID] = &stored
	heap.Push(&b.pending, &item{task: stored})
	return nil
}

func (b *Backend) Reserve(ctx context.Context, maxItems int, now time.Time) ([]domain.ReservedTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.ReservedTask
	for len(out) < maxItems && len(b.pending) > 0 {
		next := b.pending[0]
		if next.task.AvailableAt.After(now) {
			break
		}
		heap.Pop(&b.pending)

		stored := b.byID[next.task.ID]
		stored.Status = domain.StatusReserved
		stored.StartedAt = &now

		out = append(out, domain.ReservedTask{
			TaskID:    stored.ID,
			FuncName:  stored.FuncName,
			Payload:   stored.Payload,
			StartedAt: now,
		})
	}
	return out, nil
}

func (b *Backend) MarkSuccess(ctx context.Context, taskID string, value []byte, finishedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.byID[taskID]
	if !ok {
		return backend.Wrap("memory.mark_success", taskID, domain.ErrNotFound)
	}
	if stored.Status != domain.StatusReserved {
		return backend.Wrap("memory.mark_success", taskID, domain.ErrAlreadyFinal)
	}
	stored.Status = domain.StatusSuccess
	stored.ResultValue = value
	stored.FinishedAt = &finishedAt
	return nil
}

func (b *Backend) MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.byID[taskID]
	if !ok {
		return backend.Wrap("memory.mark_failure", taskID, domain.ErrNotFound)
	}
	if stored.Status != domain.StatusReserved {
		return backend.Wrap("memory.mark_failure", taskID, domain.ErrAlreadyFinal)
	}
	stored.Status = domain.StatusFailed
	stored.ErrorMessage = errMsg
	stored.Traceback = traceback
	stored.FinishedAt = &finishedAt
	return nil
}

func (b *Backend) GetResult(ctx context.Context, taskID string) (*domain.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.byID[taskID]
	if !ok {
		return nil, nil
	}
	if stored.Status != domain.StatusSuccess && stored.Status != domain.StatusFailed {
		return nil, nil
	}
	return &domain.Result{
		TaskID:     stored.ID,
		Status:     stored.Status,
		Value:      stored.ResultValue,
		Error:      stored.ErrorMessage,
		Traceback:  stored.Traceback,
		EnqueuedAt: stored.CreatedAt,
		StartedAt:  stored.StartedAt,
		FinishedAt: stored.FinishedAt,
	}, nil
}
