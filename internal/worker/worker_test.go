package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/taskqueue/internal/adapter/backend/memory"
	"github.com/fairyhunter13/taskqueue/internal/codec"
	"github.com/fairyhunter13/taskqueue/internal/domain"
	"github.com/fairyhunter13/taskqueue/internal/registry"
)

func enqueue(t *testing.T, backend domain.Backend, c codec.Codec, id, funcName string, args []any) {
	t.Helper()
	payload, err := c.EncodeTask(funcName, args, nil)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, backend.Enqueue(context.Background(), domain.Task{
		ID:          id,
		FuncName:    funcName,
		Payload:     payload,
		Status:      domain.StatusPending,
		AvailableAt: now,
		CreatedAt:   now,
	}))
}

func TestWorker_ExecutesRegisteredFunc(t *testing.T) {
	backend := memory.New()
	require.NoError(t, backend.Connect(context.Background()))
	c := codec.NewJSONCodec()
	reg := registry.New()

	var called int32
	reg.MustRegister("add", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		atomic.AddInt32(&called, 1)
		return "ok", nil
	})

	enqueue(t, backend, c, "t1", "add", []any{1, 2})

	w := New(backend, c, reg)
	w.PollInterval = 5 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	w.onTaskDone = func(taskID string, err error) {
		assert.Equal(t, "t1", taskID)
		assert.NoError(t, err)
		wg.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	wg.Wait()
	cancel()
	<-done

	assert.EqualValues(t, 1, atomic.LoadInt32(&called))

	result, err := backend.GetResult(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusSuccess, result.Status)
}

func TestWorker_UnknownFuncMarksFailure(t *testing.T) {
	backend := memory.New()
	require.NoError(t, backend.Connect(context.Background()))
	c := codec.NewJSONCodec()
	reg := registry.New()

	enqueue(t, backend, c, "t2", "does-not-exist", nil)

	w := New(backend, c, reg)
	w.PollInterval = 5 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	w.onTaskDone = func(taskID string, err error) {
		assert.Error(t, err)
		wg.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	wg.Wait()
	cancel()
	<-done

	result, err := backend.GetResult(context.Background(), "t2")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusFailed, result.Status)
}

func TestWorker_PanicIsRecoveredAsFailure(t *testing.T) {
	backend := memory.New()
	require.NoError(t, backend.Connect(context.Background()))
	c := codec.NewJSONCodec()
	reg := registry.New()
	reg.MustRegister("boom", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	})

	enqueue(t, backend, c, "t3", "boom", nil)

	w := New(backend, c, reg)
	w.PollInterval = 5 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(1)
	w.onTaskDone = func(taskID string, err error) {
		assert.Error(t, err)
		wg.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	wg.Wait()
	cancel()
	<-done

	result, err := backend.GetResult(context.Background(), "t3")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "kaboom")
	assert.NotEmpty(t, result.Traceback)
}

func TestWorker_RunDrainsInFlightTasksOnCancel(t *testing.T) {
	backend := memory.New()
	require.NoError(t, backend.Connect(context.Background()))
	c := codec.NewJSONCodec()
	reg := registry.New()

	started := make(chan struct{})
	release := make(chan struct{})
	reg.MustRegister("slow", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		close(started)
		<-release
		return nil, nil
	})

	enqueue(t, backend, c, "t4", "slow", nil)

	w := New(backend, c, reg)
	w.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done

	result, err := backend.GetResult(context.Background(), "t4")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusSuccess, result.Status)
}

func TestWorker_ManifestRejectsDisallowedFunc(t *testing.T) {
	backend := memory.New()
	require.NoError(t, backend.Connect(context.Background()))
	c := codec.NewJSONCodec()
	reg := registry.New()
	reg.MustRegister("restricted", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return "should not run", nil
	})

	enqueue(t, backend, c, "t5", "restricted", nil)

	w := New(backend, c, reg)
	w.PollInterval = 5 * time.Millisecond
	manifest := registry.Manifest{AllowedFuncs: []string{"other"}}
	w.Manifest = &manifest

	var wg sync.WaitGroup
	wg.Add(1)
	w.onTaskDone = func(taskID string, err error) {
		assert.Error(t, err)
		wg.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = w.Run(ctx); close(done) }()

	wg.Wait()
	cancel()
	<-done

	result, err := backend.GetResult(context.Background(), "t5")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, domain.StatusFailed, result.Status)
}
